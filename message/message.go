// Package message defines the envelope carried between agents by the
// scheduler and router. Messages are immutable by convention: once an
// envelope enters the scheduler's outbox it must not be mutated, and
// every delivery beyond the first recipient is handed an independent
// Copy() rather than a shared reference.
package message

import "fmt"

// ID identifies an agent. The empty ID means "no sender" (system-
// originated) when used as a Sender, and is never a valid Receiver.
type ID string

// ReceiverKind distinguishes the three ways a message can be addressed.
type ReceiverKind int

const (
	// ReceiverBroadcast routes purely by Topic/subscription. This is
	// the zero value, so a zero-value Receiver is a broadcast.
	ReceiverBroadcast ReceiverKind = iota
	// ReceiverUnicast addresses a single known agent ID.
	ReceiverUnicast
	// ReceiverClass addresses every agent that declared the given
	// class tag.
	ReceiverClass
)

// Receiver is a small tagged union over the three addressing modes a
// message can use. Using a struct instead of `any` keeps the router's
// dispatch a plain switch over Kind, never a type switch.
type Receiver struct {
	Kind ReceiverKind
	// Agent is populated when Kind == ReceiverUnicast.
	Agent ID
	// Tag is populated when Kind == ReceiverClass.
	Tag string
}

// Unicast addresses a single agent by ID.
func Unicast(id ID) Receiver { return Receiver{Kind: ReceiverUnicast, Agent: id} }

// Class addresses every agent subscribed to the given class tag.
func Class(tag string) Receiver { return Receiver{Kind: ReceiverClass, Tag: tag} }

// Broadcast addresses every agent subscribed to a message's Topic.
func Broadcast() Receiver { return Receiver{Kind: ReceiverBroadcast} }

// String renders the receiver for logging.
func (r Receiver) String() string {
	switch r.Kind {
	case ReceiverUnicast:
		return "unicast:" + string(r.Agent)
	case ReceiverClass:
		return "class:" + r.Tag
	default:
		return "broadcast"
	}
}

// Envelope is the contract every message sent through the scheduler
// must satisfy. Cell.Send rejects a nil or typed-nil envelope with
// ErrNotCopyable, wrapped as a ContractError; Copy() itself is not
// called at Send time, so a Copy() that misbehaves is not detected
// there.
type Envelope interface {
	// Sender returns the originating agent's ID, or "" for
	// system-originated messages.
	Sender() ID
	// Receiver returns the addressing mode for this message.
	Receiver() Receiver
	// Topic returns the routing key. Never empty — Base defaults it
	// to the concrete message type's tag if the caller never set one.
	Topic() string
	// Copy returns a semantically independent duplicate. Called once
	// per extra recipient, at delivery time: the first recipient of a
	// fan-out gets the original, every recipient after that gets its
	// own Copy().
	Copy() Envelope
}

// ErrNotCopyable is wrapped into a ContractError when a message cannot
// produce an independent copy of itself.
var ErrNotCopyable = fmt.Errorf("message: does not implement a working Copy()")

// ContractError reports a violation of the message authoring contract:
// sending a message without a working Copy(). Mutating a message
// already enqueued also breaks the contract, but nothing in this module
// detects it, since Go offers no way to freeze a value after the fact.
type ContractError struct {
	Topic string
	Err   error
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("message: contract violation for topic %q: %v", e.Topic, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// Base is an embeddable implementation of the bookkeeping fields every
// Envelope needs. User message types embed Base and add payload
// fields, overriding Copy() to deep-copy those fields; Base.Copy()
// alone only duplicates the envelope bookkeeping and is unsuitable by
// itself for messages carrying reference-typed payloads.
type Base struct {
	sender   ID
	receiver Receiver
	topic    string
}

// NewBase constructs the envelope bookkeeping. topic defaults to
// defaultTopic when empty, so a message type's own tag stands in for
// an unset topic.
func NewBase(sender ID, receiver Receiver, topic, defaultTopic string) Base {
	if topic == "" {
		topic = defaultTopic
	}
	return Base{sender: sender, receiver: receiver, topic: topic}
}

// Sender implements Envelope.
func (b Base) Sender() ID { return b.sender }

// Receiver implements Envelope.
func (b Base) Receiver() Receiver { return b.receiver }

// Topic implements Envelope.
func (b Base) Topic() string { return b.topic }

// Copy duplicates the bookkeeping fields only. Base is a value type,
// so this is always safe; embedders with reference-typed payloads
// (slices, maps, pointers) must override Copy() to deep-copy those
// fields as well.
func (b Base) Copy() Envelope {
	return b
}

// Copier is satisfied by any Envelope; it names the Copy() part of the
// contract on its own, without re-stating the full Envelope interface.
type Copier interface {
	Copy() Envelope
}
