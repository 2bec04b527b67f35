// Package router implements maslite's message dispatch subsystem: it
// maintains the subscription index and resolves each outgoing message
// into an ordered set of deliveries.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/root-11/maslite/internal/config"
	"github.com/root-11/maslite/message"
)

// RoutingError is returned by Route in strict mode when a message
// addresses an unknown agent ID or an unsubscribed class tag. In
// non-strict mode (the default) the same condition is logged at debug
// level and the message is silently dropped.
type RoutingError struct {
	Topic    string
	Receiver message.Receiver
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("router: unknown receiver %s for topic %q", e.Receiver, e.Topic)
}

// Delivery pairs a resolved recipient with the envelope it should
// receive: the original for the first recipient of a fan-out, an
// independent Copy() for every recipient after that.
type Delivery struct {
	To  message.ID
	Msg message.Envelope
}

// RouteRecord is one entry of the router's audit log, recording why a
// message resolved the way it did: who sent it, which topic and
// receiver it targeted, how many deliveries it produced, and whether
// it was dropped for lack of a known recipient.
type RouteRecord struct {
	Timestamp  time.Time
	Sender     message.ID
	Topic      string
	Receiver   string
	Recipients int
	Dropped    bool
}

// Stats tallies routing outcomes by receiver kind.
type Stats struct {
	Unicasts   int64
	Classcasts int64
	Broadcasts int64
	Dropped    int64
}

// Router holds the subscription index: topic -> subscriber set, and
// its reverse, subscriber -> topic set, enabling O(subscribed)
// teardown.
type Router struct {
	logger *slog.Logger
	strict bool

	mu      sync.RWMutex
	subs    map[string]map[message.ID]struct{}
	reverse map[message.ID]map[string]struct{}

	auditLog    []RouteRecord
	maxAuditLog int
	stats       Stats
}

// New creates a Router. strict controls whether an unknown receiver
// raises a RoutingError (true) or is logged and dropped (false, the
// default).
func New(logger *slog.Logger, strict bool) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:      logger,
		strict:      strict,
		subs:        make(map[string]map[message.ID]struct{}),
		reverse:     make(map[message.ID]map[string]struct{}),
		maxAuditLog: 1000,
	}
}

// Subscribe registers agent as a listener for topic. Idempotent.
func (r *Router) Subscribe(agent message.ID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[topic] == nil {
		r.subs[topic] = make(map[message.ID]struct{})
	}
	r.subs[topic][agent] = struct{}{}

	if r.reverse[agent] == nil {
		r.reverse[agent] = make(map[string]struct{})
	}
	r.reverse[agent][topic] = struct{}{}
}

// Unsubscribe removes agent's subscription to topic. A no-op if it
// was never subscribed.
func (r *Router) Unsubscribe(agent message.ID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(agent, topic)
}

func (r *Router) unsubscribeLocked(agent message.ID, topic string) {
	if set, ok := r.subs[topic]; ok {
		delete(set, agent)
		if len(set) == 0 {
			delete(r.subs, topic)
		}
	}
	if set, ok := r.reverse[agent]; ok {
		delete(set, topic)
		if len(set) == 0 {
			delete(r.reverse, agent)
		}
	}
}

// UnsubscribeAll drops every subscription agent currently holds, in
// time proportional to how many topics it was subscribed to — the
// teardown path used when an agent is removed from the scheduler.
func (r *Router) UnsubscribeAll(agent message.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	topics := r.reverse[agent]
	for topic := range topics {
		if set, ok := r.subs[topic]; ok {
			delete(set, agent)
			if len(set) == 0 {
				delete(r.subs, topic)
			}
		}
	}
	delete(r.reverse, agent)
}

// Subscribers returns a deterministically sorted snapshot of the
// agents subscribed to topic.
func (r *Router) Subscribers(topic string) []message.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(topic)
}

func (r *Router) sortedLocked(topic string) []message.ID {
	set := r.subs[topic]
	out := make([]message.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Route resolves msg into an ordered list of deliveries, evaluated in
// order:
//
//  1. Unicast to a known agent ID: that agent gets the original; any
//     other agent subscribed to that ID (as a topic) gets a Copy().
//  2. Class tag with registered listeners: sorted fan-out, first
//     original, rest copies.
//  3. Broadcast (routed by Topic): same fan-out rule over Topic's
//     subscribers. Zero subscribers is not an error — it is simply an
//     empty delivery set.
//  4. Unknown unicast ID or class tag with no listeners: logged at
//     debug level and dropped, or returns *RoutingError in strict
//     mode.
//
// Fan-out order across recipients is always sorted by agent ID, so two
// runs over the same inputs produce the same delivery order, and a
// broadcast to n subscribers always produces exactly n deliveries,
// never more.
func (r *Router) Route(msg message.Envelope) ([]Delivery, error) {
	recv := msg.Receiver()
	topic := msg.Topic()

	r.logger.Log(context.Background(), config.LevelTrace, "routing message",
		"sender", msg.Sender(), "topic", topic, "receiver", recv.String(), "payload", msg,
	)

	switch recv.Kind {
	case message.ReceiverUnicast:
		return r.routeUnicast(msg, recv, topic)
	case message.ReceiverClass:
		return r.routeFanout(msg, recv.Tag, "class:"+recv.Tag, topic, true)
	default:
		return r.routeFanout(msg, topic, "broadcast", topic, false)
	}
}

func (r *Router) routeUnicast(msg message.Envelope, recv message.Receiver, topic string) ([]Delivery, error) {
	r.mu.RLock()
	subscribers := r.sortedLocked(string(recv.Agent))
	r.mu.RUnlock()

	known := false
	for _, id := range subscribers {
		if id == recv.Agent {
			known = true
			break
		}
	}
	if !known {
		return nil, r.unknown(msg.Sender(), topic, recv)
	}

	deliveries := make([]Delivery, 0, len(subscribers))
	deliveries = append(deliveries, Delivery{To: recv.Agent, Msg: msg})
	for _, id := range subscribers {
		if id == recv.Agent {
			continue
		}
		deliveries = append(deliveries, Delivery{To: id, Msg: msg.Copy()})
	}

	r.record(msg.Sender(), topic, recv.String(), len(deliveries), false)
	r.mu.Lock()
	r.stats.Unicasts++
	r.mu.Unlock()
	return deliveries, nil
}

// routeFanout implements the shared "first original, rest copies"
// logic for class-tag and broadcast receivers. missingIsError
// controls whether zero subscribers counts as an unknown receiver
// (true for class tags, false for broadcast).
func (r *Router) routeFanout(msg message.Envelope, indexTopic, recvLabel, auditTopic string, missingIsError bool) ([]Delivery, error) {
	r.mu.RLock()
	subscribers := r.sortedLocked(indexTopic)
	r.mu.RUnlock()

	if len(subscribers) == 0 {
		if missingIsError {
			return nil, r.unknown(msg.Sender(), auditTopic, message.Class(indexTopic))
		}
		r.record(msg.Sender(), auditTopic, recvLabel, 0, false)
		r.mu.Lock()
		r.stats.Broadcasts++
		r.mu.Unlock()
		return nil, nil
	}

	deliveries := make([]Delivery, 0, len(subscribers))
	deliveries = append(deliveries, Delivery{To: subscribers[0], Msg: msg})
	for _, id := range subscribers[1:] {
		deliveries = append(deliveries, Delivery{To: id, Msg: msg.Copy()})
	}

	r.record(msg.Sender(), auditTopic, recvLabel, len(deliveries), false)
	r.mu.Lock()
	if missingIsError {
		r.stats.Classcasts++
	} else {
		r.stats.Broadcasts++
	}
	r.mu.Unlock()
	return deliveries, nil
}

func (r *Router) unknown(sender message.ID, topic string, recv message.Receiver) error {
	r.record(sender, topic, recv.String(), 0, true)
	r.mu.Lock()
	r.stats.Dropped++
	r.mu.Unlock()

	if r.strict {
		return &RoutingError{Topic: topic, Receiver: recv}
	}
	r.logger.Debug("routing: unknown receiver, message dropped",
		"topic", topic,
		"receiver", recv.String(),
	)
	return nil
}

func (r *Router) record(sender message.ID, topic, receiver string, recipients int, dropped bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.auditLog) >= r.maxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, RouteRecord{
		Timestamp:  time.Now(),
		Sender:     sender,
		Topic:      topic,
		Receiver:   receiver,
		Recipients: recipients,
		Dropped:    dropped,
	})
}

// GetStats returns a snapshot of routing counters.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// AuditLog returns the most recent limit route records (0 or negative
// means all available), oldest first.
func (r *Router) AuditLog(limit int) []RouteRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}
	start := len(r.auditLog) - limit
	out := make([]RouteRecord, limit)
	copy(out, r.auditLog[start:])
	return out
}

// Explain returns the most recent audit log entry for a message sent
// by sender, or nil if the audit log holds none (never sent, or
// trimmed past maxAuditLog).
func (r *Router) Explain(sender message.ID) *RouteRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].Sender == sender {
			rec := r.auditLog[i]
			return &rec
		}
	}
	return nil
}
