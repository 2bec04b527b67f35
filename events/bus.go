// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from kernel components (scheduler, router,
// clock, agent) to subscribers (the dashboard's WebSocket handler, a
// future metrics collector). The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks. Unlike a
// bare broadcast, it tracks how many events each subscriber has missed:
// a scheduler driving thousands of cycles a second can fill a slow
// WebSocket consumer's buffer far faster than a human operator notices
// the stream going quiet.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which kernel component published an event.
const (
	// SourceScheduler identifies events from the main run loop.
	SourceScheduler = "scheduler"
	// SourceRouter identifies events from message dispatch.
	SourceRouter = "router"
	// SourceClock identifies events from the virtual clock.
	SourceClock = "clock"
	// SourceAgent identifies events from an individual agent's activation.
	SourceAgent = "agent"
)

// Kind constants describe the type of event within a source.
const (
	// KindCycleStart signals the beginning of a scheduler cycle.
	// Data: cycle, virtual_time.
	KindCycleStart = "cycle_start"
	// KindCycleEnd signals the end of a scheduler cycle.
	// Data: cycle, virtual_time, activated, duration_ms.
	KindCycleEnd = "cycle_end"
	// KindAgentAdded signals an agent completed registration and Setup.
	// Data: agent_id, class_tag.
	KindAgentAdded = "agent_added"
	// KindAgentRemoved signals an agent's Teardown ran and it was
	// retired from the registry.
	// Data: agent_id.
	KindAgentRemoved = "agent_removed"
	// KindAgentFault signals Setup/Update/Teardown returned an error.
	// Data: agent_id, hook, cycle, virtual_time, error.
	KindAgentFault = "agent_fault"
	// KindRunStopped signals the run loop exited, either because it ran
	// out of work (pause_if_idle) or Stop was called.
	// Data: cycle, virtual_time, reason.
	KindRunStopped = "run_stopped"

	// KindMessageRouted signals a message was resolved to one or more
	// deliveries.
	// Data: topic, receiver, recipients.
	KindMessageRouted = "message_routed"
	// KindMessageDropped signals a message addressed an unknown agent ID
	// or class tag and was discarded (non-strict mode).
	// Data: topic, receiver.
	KindMessageDropped = "message_dropped"
	// KindContractViolation signals a message was rejected at Send time
	// for lacking a working Copy().
	// Data: topic, error.
	KindContractViolation = "contract_violation"

	// KindAlarmFired signals a scheduled alarm reached its fire time.
	// Data: owner, fire_time.
	KindAlarmFired = "alarm_fired"
	// KindSpeedChanged signals the clock's wall-time scaling factor was
	// updated by a fired timed speed-change event. A direct
	// Clock.SetSpeed call publishes nothing.
	// Data: speed.
	KindSpeedChanged = "speed_changed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. Unlike a plain fire-and-forget broadcast, it
// also counts what it drops per subscriber, so a dashboard operator
// watching a hot simulation run can tell a silent stream apart from a
// lossy one instead of just seeing the channel go quiet.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]*subscriber
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event

	dropped atomic.Int64
}

// subscriber pairs a subscription's channel with its own drop tally,
// so DroppedFor can report per-subscriber backpressure rather than
// only a bus-wide total.
type subscriber struct {
	dropped atomic.Int64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]*subscriber),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber and counted in both its own and the bus-wide drop tally.
// Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, sub := range b.subs {
		select {
		case ch <- e:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscriber{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of events dropped across every
// subscriber, past and present, since the bus was created.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// DroppedFor returns how many events have been dropped for the
// subscription behind ch, or 0 if ch is not a live subscription (never
// registered, or already unsubscribed).
func (b *Bus) DroppedFor(ch <-chan Event) int64 {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return 0
	}
	return b.subs[sendCh].dropped.Load()
}
