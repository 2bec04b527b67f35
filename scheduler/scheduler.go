// Package scheduler owns the agent registry, the global outbox, the
// wake set, and the main loop. It drives a clock.Clock and a
// router.Router to activate exactly the agents with work to do, once
// per cycle, in a deterministic order.
package scheduler

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/root-11/maslite/agent"
	"github.com/root-11/maslite/clock"
	"github.com/root-11/maslite/events"
	"github.com/root-11/maslite/journal"
	"github.com/root-11/maslite/message"
	"github.com/root-11/maslite/router"
)

// RegistrationError is returned by Add when an agent cannot be
// registered: its uuid collides with a live agent, or it implements
// Validator and reports itself unfit to run (e.g. it holds a live
// socket that cannot safely cross into scheduler-owned state).
type RegistrationError struct {
	AgentID message.ID
	Err     error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("scheduler: cannot register agent %s: %v", e.AgentID, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

var errDuplicateUUID = fmt.Errorf("an agent with this uuid is already registered")

// Identifier is an optional interface an Agent implements to supply
// its own stable identity. Agents that don't implement it are minted
// a fresh one via agent.NewID() on Add.
type Identifier interface {
	UUID() message.ID
}

// Validator is an optional interface an Agent implements to assert
// that it is fit to register — for example, that it holds no live I/O
// handle that cannot be safely handed to scheduler-owned state. Add
// calls Validate once, before Setup; a non-nil error is wrapped into a
// RegistrationError and the agent is never added.
type Validator interface {
	Validate() error
}

// Config configures a Scheduler. Not to be confused with the
// standalone config package, which loads one of these from a file.
type Config struct {
	Mode        clock.Mode
	Speed       *float64
	StrictMode  bool
	Parallelism int
	Logger      *slog.Logger
	Journal     *journal.Journal
	Events      *events.Bus
}

type entry struct {
	agent     agent.Agent
	lifecycle agent.Lifecycle
	classTag  string
	keepAwake bool
	inbox     []message.Envelope
	ops       *agentOps
}

// Scheduler is the main-loop driver described by the package doc. It
// is safe to call Add/Remove from any goroutine; Run must not be
// called concurrently with itself.
type Scheduler struct {
	logger      *slog.Logger
	journal     *journal.Journal
	events      *events.Bus
	strict      bool
	parallelism int

	clock  *clock.Clock
	router *router.Router

	mu       sync.Mutex
	registry map[message.ID]*entry
	order    []message.ID // registration order, for deterministic iteration and reverse teardown
	outbox   []message.Envelope
	wake     map[message.ID]struct{}

	cycle   int
	running bool
	stopCh  chan struct{}
}

// New constructs a Scheduler from cfg.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:      logger,
		journal:     cfg.Journal,
		events:      cfg.Events,
		strict:      cfg.StrictMode,
		parallelism: cfg.Parallelism,
		clock:       clock.New(cfg.Mode, cfg.Speed),
		router:      router.New(logger, cfg.StrictMode),
		registry:    make(map[message.ID]*entry),
		wake:        make(map[message.ID]struct{}),
	}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() float64 { return s.clock.Now() }

// Clock exposes the underlying clock, for callers that need
// SetSpeedAsTimedEvent or other clock-level operations.
func (s *Scheduler) Clock() *clock.Clock { return s.clock }

// Router exposes the underlying router, for callers that want
// GetStats/AuditLog for debugging.
func (s *Scheduler) Router() *router.Router { return s.router }

func classTagOf(a agent.Agent) string {
	if ct, ok := a.(agent.ClassTagger); ok {
		return ct.ClassTag()
	}
	return reflect.TypeOf(a).String()
}

// Add registers a, assigning it a uuid if it doesn't supply its own,
// runs its Setup, and auto-subscribes it to its own uuid and class
// tag. Returns the assigned identity.
func (s *Scheduler) Add(a agent.Agent) (message.ID, error) {
	var id message.ID
	if idf, ok := a.(Identifier); ok {
		id = idf.UUID()
	}
	if id == "" {
		id = agent.NewID()
	}

	s.mu.Lock()
	if _, exists := s.registry[id]; exists {
		s.mu.Unlock()
		return "", &RegistrationError{AgentID: id, Err: errDuplicateUUID}
	}
	if v, ok := a.(Validator); ok {
		if err := v.Validate(); err != nil {
			s.mu.Unlock()
			return "", &RegistrationError{AgentID: id, Err: err}
		}
	}

	e := &entry{
		agent:     a,
		lifecycle: agent.SetupPending,
		classTag:  classTagOf(a),
		ops:       &agentOps{s: s, id: id},
	}
	s.registry[id] = e
	s.order = append(s.order, id)
	s.mu.Unlock()

	s.router.Subscribe(id, string(id))
	s.router.Subscribe(id, e.classTag)

	cell := agent.NewCell(id, e.ops)
	if err := a.Setup(cell); err != nil {
		s.handleFault(id, e, "setup", err)
		return id, err
	}
	e.keepAwake = cell.KeepAwake()
	if ka, ok := a.(agent.KeepAwaker); ok {
		e.keepAwake = e.keepAwake || ka.KeepAwake()
	}

	s.mu.Lock()
	e.lifecycle = agent.Live
	s.mu.Unlock()
	s.publish(events.SourceScheduler, events.KindAgentAdded, map[string]any{"agent_id": string(id), "class_tag": e.classTag})
	return id, nil
}

// Remove runs Teardown for id, drops its subscriptions and pending
// alarms, and deletes it from the registry. A no-op if id is unknown.
func (s *Scheduler) Remove(id message.ID) error {
	s.mu.Lock()
	e, ok := s.registry[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.registry, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	delete(s.wake, id)
	s.mu.Unlock()

	cell := agent.NewCell(id, e.ops)
	err := e.agent.Teardown(cell)
	s.router.UnsubscribeAll(id)
	s.clock.CancelOwner(string(id))

	s.mu.Lock()
	e.lifecycle = agent.Retired
	s.mu.Unlock()
	s.publish(events.SourceScheduler, events.KindAgentRemoved, map[string]any{"agent_id": string(id)})
	if err != nil {
		s.logger.Error("teardown failed", "agent_id", id, "error", err)
	}
	return err
}

// Agents returns a deterministically ordered snapshot of live agent
// ids (registration order).
func (s *Scheduler) Agents() []message.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.ID, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Scheduler) handleFault(id message.ID, e *entry, hook string, cause error) {
	f := &agent.Fault{Cycle: s.cycle, VirtualTime: s.clock.Now(), AgentID: id, Kind: hook, Err: cause}
	s.logger.Error("agent fault",
		"agent_id", id, "hook", hook, "cycle", s.cycle, "virtual_time", s.clock.Now(), "error", cause,
	)
	s.publish(events.SourceAgent, events.KindAgentFault, map[string]any{
		"agent_id": string(id), "hook": hook, "cycle": s.cycle, "virtual_time": f.VirtualTime, "error": cause.Error(),
	})
	if s.journal != nil {
		if err := s.journal.RecordFault(f); err != nil {
			s.logger.Error("journal: failed to record fault", "error", err)
		}
	}

	s.mu.Lock()
	e.lifecycle = agent.TeardownPending
	s.mu.Unlock()

	cell := agent.NewCell(id, e.ops)
	if err := e.agent.Teardown(cell); err != nil {
		s.logger.Error("teardown after fault failed", "agent_id", id, "error", err)
	}

	s.mu.Lock()
	delete(s.registry, id)
	for i, oid := range s.order {
		if oid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	delete(s.wake, id)
	e.lifecycle = agent.Retired
	s.mu.Unlock()

	s.router.UnsubscribeAll(id)
	s.clock.CancelOwner(string(id))
}

func (s *Scheduler) publish(source, kind string, data map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{Source: source, Kind: kind, Data: data})
}

// RunOptions bounds a call to Run. A nil field means that bound is
// not enforced; Seconds is measured in virtual time.
type RunOptions struct {
	Seconds     *float64
	Iterations  *int
	PauseIfIdle bool
}

// Run executes cycles until the first of: Iterations cycles have run,
// Seconds of virtual time have elapsed, a cycle is idle (if
// PauseIfIdle), or Stop is called. It returns when that bound is
// reached; a subsequent Run resumes from the retained state.
func (s *Scheduler) Run(opts RunOptions) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	startVirtual := s.clock.Now()
	cyclesRun := 0

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.stopCh:
			return nil
		default:
		}
		if opts.Iterations != nil && cyclesRun >= *opts.Iterations {
			return nil
		}
		if opts.Seconds != nil && (s.clock.Now()-startVirtual) >= *opts.Seconds {
			return nil
		}

		idle := s.runCycle()
		cyclesRun++

		if opts.PauseIfIdle && idle {
			return nil
		}
	}
}

// Stop interrupts a running Run call and tears down every live agent
// in reverse registration order, then discards the registry.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.running {
		close(s.stopCh)
	}
	order := make([]message.ID, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		_ = s.Remove(order[i])
	}
}

// Stats reports a snapshot of scheduler-level counters.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"cycle":          s.cycle,
		"virtual_time":   s.clock.Now(),
		"live_agents":    len(s.registry),
		"pending_alarms": len(s.clock.ListAlarms("")),
		"outbox_depth":   len(s.outbox),
		"wake_set":       len(s.wake),
		"running":        s.running,
	}
}

func (s *Scheduler) runCycle() bool {
	start := time.Now()
	s.publish(events.SourceScheduler, events.KindCycleStart, map[string]any{"cycle": s.cycle, "virtual_time": s.clock.Now()})

	s.mu.Lock()
	outboxEmpty := len(s.outbox) == 0
	wakeEmpty := len(s.wake) == 0
	s.mu.Unlock()

	now := s.clock.Advance(outboxEmpty, wakeEmpty)

	due := s.clock.PopDue(now) // already fire-time ordered, FIFO within a tie
	for _, al := range due {
		if al.Ignore != nil && al.Ignore() {
			continue
		}
		if clock.IsSpeedChangeEvent(al.Payload) {
			s.clock.ApplySpeedChangeEvent(al.Payload)
			s.publish(events.SourceClock, events.KindSpeedChanged, map[string]any{"speed": s.clock.Speed()})
			continue
		}
		s.publish(events.SourceClock, events.KindAlarmFired, map[string]any{"owner": al.Owner, "fire_time": al.FireTime})
		if msg, ok := al.Payload.(message.Envelope); ok {
			s.dispatch(msg)
		} else if al.Owner != "" {
			s.mu.Lock()
			if _, ok := s.registry[message.ID(al.Owner)]; ok {
				s.wake[message.ID(al.Owner)] = struct{}{}
			}
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	pending := s.outbox
	s.outbox = nil
	s.mu.Unlock()

	for _, msg := range pending {
		s.dispatch(msg)
	}

	s.mu.Lock()
	hot := make([]message.ID, 0, len(s.wake))
	for id := range s.wake {
		hot = append(hot, id)
	}
	for id, e := range s.registry {
		if e.keepAwake {
			hot = append(hot, id)
		}
	}
	s.wake = make(map[message.ID]struct{})
	s.mu.Unlock()

	hot = dedupSorted(hot)
	activated := s.activate(hot)

	alarmsDue := false
	for _, a := range s.clock.ListAlarms("") {
		if a.FireTime <= s.clock.Now() {
			alarmsDue = true
			break
		}
	}

	s.mu.Lock()
	idle := len(s.outbox) == 0 && len(s.wake) == 0 && !alarmsDue
	cycle := s.cycle
	s.cycle++
	s.mu.Unlock()

	if s.journal != nil {
		if err := s.journal.RecordCycle(cycle, s.clock.Now(), activated); err != nil {
			s.logger.Error("journal: failed to record cycle", "error", err)
		}
	}
	s.publish(events.SourceScheduler, events.KindCycleEnd, map[string]any{
		"cycle": cycle, "virtual_time": s.clock.Now(), "activated": activated,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return idle
}

func dedupSorted(ids []message.ID) []message.ID {
	seen := make(map[message.ID]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// dispatch routes msg and appends each resulting delivery to the
// recipient's inbox, adding the recipient to the wake set. A RoutingError
// (strict mode only) is logged; the cycle continues.
func (s *Scheduler) dispatch(msg message.Envelope) {
	deliveries, err := s.router.Route(msg)
	if err != nil {
		s.logger.Warn("routing error", "topic", msg.Topic(), "error", err)
		if s.journal != nil {
			_ = s.journal.RecordMessage(s.cycle, msg.Topic(), msg.Sender(), msg.Receiver().String(), 0, true)
		}
		return
	}
	if s.journal != nil {
		_ = s.journal.RecordMessage(s.cycle, msg.Topic(), msg.Sender(), msg.Receiver().String(), len(deliveries), len(deliveries) == 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deliveries {
		e, ok := s.registry[d.To]
		if !ok {
			continue
		}
		e.inbox = append(e.inbox, d.Msg)
		s.wake[d.To] = struct{}{}
	}
}

// activate runs Update for every id in hot, in order. When
// Parallelism > 0 it partitions hot across a fixed worker pool; each
// agent is still activated exactly once, and results merge back under
// the scheduler's own locking before the next cycle, so observable
// semantics are unchanged — only wall-clock throughput differs.
func (s *Scheduler) activate(hot []message.ID) int {
	if s.parallelism <= 1 || len(hot) <= 1 {
		for _, id := range hot {
			s.activateOne(id)
		}
		return len(hot)
	}

	work := make(chan message.ID)
	var wg sync.WaitGroup
	workers := s.parallelism
	if workers > len(hot) {
		workers = len(hot)
	}
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for id := range work {
				s.activateOne(id)
			}
		}()
	}
	for _, id := range hot {
		work <- id
	}
	close(work)
	wg.Wait()
	return len(hot)
}

func (s *Scheduler) activateOne(id message.ID) {
	s.mu.Lock()
	e, ok := s.registry[id]
	s.mu.Unlock()
	if !ok {
		return
	}

	cell := agent.NewCell(id, e.ops)
	cell.SetKeepAwake(e.keepAwake)
	err := e.agent.Update(cell)

	keepAwake := cell.KeepAwake()
	if ka, ok := e.agent.(agent.KeepAwaker); ok {
		keepAwake = keepAwake || ka.KeepAwake()
	}
	s.mu.Lock()
	e.keepAwake = keepAwake
	s.mu.Unlock()

	if err != nil {
		s.handleFault(id, e, "update", err)
	}
}

// agentOps implements agent.Ops, bound to one registered agent. It is
// created once, at Add, and handed to every Cell built for that agent
// for the rest of its lifetime.
type agentOps struct {
	s  *Scheduler
	id message.ID
}

func (o *agentOps) Now() float64 { return o.s.clock.Now() }

func (o *agentOps) Send(msg message.Envelope) error {
	o.s.mu.Lock()
	o.s.outbox = append(o.s.outbox, msg)
	o.s.mu.Unlock()
	return nil
}

func (o *agentOps) Receive() (message.Envelope, bool) {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	e, ok := o.s.registry[o.id]
	if !ok || len(e.inbox) == 0 {
		return nil, false
	}
	msg := e.inbox[0]
	e.inbox = e.inbox[1:]
	return msg, true
}

func (o *agentOps) Messages() bool {
	o.s.mu.Lock()
	defer o.s.mu.Unlock()
	e, ok := o.s.registry[o.id]
	return ok && len(e.inbox) > 0
}

func (o *agentOps) Subscribe(topic string) { o.s.router.Subscribe(o.id, topic) }

func (o *agentOps) Unsubscribe(topic string) { o.s.router.Unsubscribe(o.id, topic) }

func (o *agentOps) SetAlarm(t float64, relative bool, payload any, ignore func() bool) (uint64, error) {
	id, err := o.s.clock.SetAlarm(string(o.id), t, relative, payload, ignore)
	return uint64(id), err
}

func (o *agentOps) ListAlarms(owner string) []agent.AlarmInfo {
	alarms := o.s.clock.ListAlarms(owner)
	out := make([]agent.AlarmInfo, len(alarms))
	for i, a := range alarms {
		out[i] = agent.AlarmInfo{FireTime: a.FireTime, Payload: a.Payload}
	}
	return out
}
