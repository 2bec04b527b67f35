package agent

import (
	"reflect"

	"github.com/root-11/maslite/message"
)

// AlarmInfo is the read-only view of a pending alarm exposed to agents
// via Cell.ListAlarms, used for cooperative deduplication: an agent
// can check whether it already has an alarm pending before setting
// another.
type AlarmInfo struct {
	FireTime float64
	Payload  any
}

// Ops is the set of scheduler-owned operations a Cell exposes to an
// agent during activation. The scheduler implements Ops and hands each
// agent a Cell wrapping it, so an agent never holds a direct reference
// to the scheduler, router, or clock.
type Ops interface {
	Now() float64
	Send(msg message.Envelope) error
	Receive() (message.Envelope, bool)
	Messages() bool
	Subscribe(topic string)
	Unsubscribe(topic string)
	SetAlarm(t float64, relative bool, payload any, ignore func() bool) (uint64, error)
	ListAlarms(owner string) []AlarmInfo
}

// Cell is the capability handle passed into Setup/Update/Teardown. It
// is valid only for the duration of that call — agents must not
// retain a Cell across activations.
type Cell struct {
	id        message.ID
	ops       Ops
	keepAwake bool
}

// NewCell constructs a Cell for the given agent identity, backed by
// ops. Called by the scheduler once per activation.
func NewCell(id message.ID, ops Ops) *Cell {
	return &Cell{id: id, ops: ops}
}

// UUID returns the owning agent's identity.
func (c *Cell) UUID() message.ID { return c.id }

// Now returns the current virtual time.
func (c *Cell) Now() float64 { return c.ops.Now() }

// Send enqueues msg for delivery no earlier than the next cycle.
// Returns a *message.ContractError if msg is nil or is a typed-nil
// pointer — the one Copy()-contract violation that can be caught
// without invoking Copy() itself, which is deliberately deferred to
// delivery time (see router.Route).
func (c *Cell) Send(msg message.Envelope) error {
	if msg == nil {
		return &message.ContractError{Err: message.ErrNotCopyable}
	}
	if v := reflect.ValueOf(msg); v.Kind() == reflect.Pointer && v.IsNil() {
		return &message.ContractError{Err: message.ErrNotCopyable}
	}
	return c.ops.Send(msg)
}

// Receive pops the oldest message from this agent's inbox, FIFO. The
// second return value is false when the inbox is empty.
func (c *Cell) Receive() (message.Envelope, bool) { return c.ops.Receive() }

// Messages reports whether the inbox is non-empty.
func (c *Cell) Messages() bool { return c.ops.Messages() }

// Subscribe adds topic to this agent's subscriptions.
func (c *Cell) Subscribe(topic string) { c.ops.Subscribe(topic) }

// Unsubscribe removes topic from this agent's subscriptions.
func (c *Cell) Unsubscribe(topic string) { c.ops.Unsubscribe(topic) }

// SetAlarm schedules a wake-up. When relative is true, t is added to
// Now() before scheduling.
func (c *Cell) SetAlarm(t float64, relative bool, payload any, ignore func() bool) (uint64, error) {
	return c.ops.SetAlarm(t, relative, payload, ignore)
}

// ListAlarms returns this agent's own pending alarms (owner is always
// this Cell's UUID from the agent's point of view).
func (c *Cell) ListAlarms() []AlarmInfo { return c.ops.ListAlarms(string(c.id)) }

// KeepAwake reports whether this agent should be activated every
// cycle regardless of inbox state.
func (c *Cell) KeepAwake() bool { return c.keepAwake }

// SetKeepAwake toggles the keep-awake flag. Read by the scheduler
// after Update returns, via the KeepAwaker interface or this flag.
func (c *Cell) SetKeepAwake(v bool) { c.keepAwake = v }
