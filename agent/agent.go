// Package agent defines the contract a unit of computation must
// satisfy to run inside maslite's scheduler: a UUID identity, an
// inbox, a set of subscriptions, and three lifecycle hooks invoked by
// the scheduler — never by the agent itself.
package agent

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/root-11/maslite/message"
)

// Lifecycle is the state machine every Agent moves through:
// unregistered -> setupPending -> live -> teardownPending -> retired.
type Lifecycle int

const (
	Unregistered Lifecycle = iota
	SetupPending
	Live
	TeardownPending
	Retired
)

func (l Lifecycle) String() string {
	switch l {
	case Unregistered:
		return "unregistered"
	case SetupPending:
		return "setup_pending"
	case Live:
		return "live"
	case TeardownPending:
		return "teardown_pending"
	case Retired:
		return "retired"
	default:
		return "unknown"
	}
}

// Agent is the contract consumed by the scheduler. Implementations
// typically embed NopLifecycle and only override the hooks they need.
type Agent interface {
	// Setup runs once after registration; may Send and Subscribe via
	// the given Cell.
	Setup(c *Cell) error
	// Update runs whenever the agent is hot: non-empty inbox, a fired
	// alarm, or KeepAwake() true. Messages produced during Update
	// accumulate in the scheduler's outbox and are delivered no
	// earlier than the next cycle.
	Update(c *Cell) error
	// Teardown runs when the agent is removed or the scheduler stops.
	Teardown(c *Cell) error
}

// ClassTagger is an optional interface an Agent implements to declare
// an explicit routing class tag, rather than being addressed by its Go
// type name. Agents that don't implement it fall back to their Go type
// name, which is a reasonable default but leaks an implementation
// detail into routing — implement ClassTagger to avoid that.
type ClassTagger interface {
	ClassTag() string
}

// KeepAwaker is an optional interface an Agent implements to report
// whether it should be activated every cycle regardless of inbox
// state.
type KeepAwaker interface {
	KeepAwake() bool
}

// NopLifecycle is embeddable by agents that don't need one or more of
// the three lifecycle hooks.
type NopLifecycle struct{}

func (NopLifecycle) Setup(*Cell) error    { return nil }
func (NopLifecycle) Update(*Cell) error   { return nil }
func (NopLifecycle) Teardown(*Cell) error { return nil }

// NewID mints a fresh agent identity. UUIDv7 is preferred for its
// time-ordered byte layout; a v4 fallback covers the (practically
// unreachable) case where the platform's random source is unavailable.
func NewID() message.ID {
	id, err := uuid.NewV7()
	if err != nil {
		return message.ID(uuid.New().String())
	}
	return message.ID(id.String())
}

// Fault wraps an error raised inside Setup/Update/Teardown, annotated
// with enough context for a structured log line: cycle number, virtual
// time, agent uuid, and kind (which hook faulted).
type Fault struct {
	Cycle       int
	VirtualTime float64
	AgentID     message.ID
	Kind        string // "setup", "update", or "teardown"
	Err         error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("agent %s faulted in %s at cycle %d (t=%.3f): %v",
		f.AgentID, f.Kind, f.Cycle, f.VirtualTime, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
