// Package bus implements the typed message bus connecting agents and the
// escalation controller.
//
// Publishing is fire-and-forget: the publisher never waits on subscriber
// processing. Messages from one sender reach a given subscriber in publish
// order; ordering across senders is not guaranteed. A bounded ring of recent
// messages gives late joiners context, but there is no replay guarantee
// beyond it.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"

	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/telemetry"
)

// ErrInvalidRecipient is returned when a message names an unregistered
// recipient. Protocol misuse: logged, not retried.
var ErrInvalidRecipient = errors.New("bus: invalid recipient")

// ErrCyclicCausation is returned when a message's causation chain would
// contain a cycle. Protocol misuse: logged, not retried.
var ErrCyclicCausation = errors.New("bus: cyclic causation")

const (
	defaultSubscriberBuffer = 256
	defaultRecentLimit      = 128
)

// Bus routes messages between registered participants.
type Bus struct {
	logger *slog.Logger

	mu         sync.RWMutex
	agents     map[model.AgentID]struct{}
	subs       map[*Subscription]struct{}
	causes     map[uuid.UUID]uuid.UUID // message id -> causation id
	recent     []model.Message         // ring, newest last
	recentMax  int
	bufferSize int

	published metric.Int64Counter
	dropped   metric.Int64Counter
}

// Subscription is one participant's filtered view of the bus.
type Subscription struct {
	owner model.AgentID
	types map[model.MessageType]struct{} // empty = all types
	ch    chan model.Message
}

// C returns the delivery channel. Closed by Unsubscribe.
func (s *Subscription) C() <-chan model.Message { return s.ch }

// Owner returns the subscribing participant's id.
func (s *Subscription) Owner() model.AgentID { return s.owner }

// Option configures a Bus.
type Option func(*Bus)

// WithSubscriberBuffer sets the per-subscription channel capacity.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithRecentLimit sets how many recent messages are retained for late joiners.
func WithRecentLimit(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.recentMax = n
		}
	}
}

// New creates an empty bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:     logger,
		agents:     make(map[model.AgentID]struct{}),
		subs:       make(map[*Subscription]struct{}),
		causes:     make(map[uuid.UUID]uuid.UUID),
		recentMax:  defaultRecentLimit,
		bufferSize: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.registerMetrics()
	return b
}

// Register makes an id addressable as a recipient. Idempotent.
func (b *Bus) Register(id model.AgentID) {
	b.mu.Lock()
	b.agents[id] = struct{}{}
	b.mu.Unlock()
}

// Publish validates and routes a message. A zero ID and timestamp are filled
// in; everything else is taken as supplied since messages are immutable once
// published. Returns the message id.
func (b *Bus) Publish(msg model.Message) (uuid.UUID, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if err := msg.Validate(); err != nil {
		return uuid.Nil, fmt.Errorf("bus: publish: %w", err)
	}

	b.mu.Lock()
	for _, r := range msg.Recipients {
		if r == model.Broadcast {
			continue
		}
		if _, ok := b.agents[r]; !ok {
			b.mu.Unlock()
			b.logger.Warn("bus: rejected message", "sender", msg.Sender, "recipient", r, "reason", "unknown recipient")
			return uuid.Nil, fmt.Errorf("bus: publish %s to %q: %w", msg.Type, r, ErrInvalidRecipient)
		}
	}
	if err := b.checkCausationLocked(msg); err != nil {
		b.mu.Unlock()
		b.logger.Warn("bus: rejected message", "sender", msg.Sender, "reason", "cyclic causation", "id", msg.ID)
		return uuid.Nil, err
	}

	if msg.CausationID != nil {
		b.causes[msg.ID] = *msg.CausationID
	} else {
		b.causes[msg.ID] = uuid.Nil
	}
	b.recent = append(b.recent, msg)
	if len(b.recent) > b.recentMax {
		// Causation entries age out with the ring; checkCausationLocked
		// treats an evicted ID as a chain break, so pruning keeps the map
		// bounded without changing cycle detection.
		for _, evicted := range b.recent[:len(b.recent)-b.recentMax] {
			delete(b.causes, evicted.ID)
		}
		b.recent = b.recent[len(b.recent)-b.recentMax:]
	}

	targets := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		if b.matchesLocked(sub, msg) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		default:
			b.dropped.Add(context.Background(), 1)
			b.logger.Warn("bus: subscriber queue full, dropping message",
				"subscriber", sub.owner, "type", msg.Type, "sender", msg.Sender)
		}
	}
	b.published.Add(context.Background(), 1)
	return msg.ID, nil
}

// checkCausationLocked walks the causation chain of msg, failing if the walk
// revisits a message or reaches msg itself. IDs may be caller-supplied, so a
// crafted pair of messages could otherwise close a loop.
func (b *Bus) checkCausationLocked(msg model.Message) error {
	if msg.CausationID == nil {
		return nil
	}
	if *msg.CausationID == msg.ID {
		return fmt.Errorf("bus: message %s cites itself: %w", msg.ID, ErrCyclicCausation)
	}
	visited := map[uuid.UUID]struct{}{msg.ID: {}}
	cur := *msg.CausationID
	for cur != uuid.Nil {
		if _, seen := visited[cur]; seen {
			return fmt.Errorf("bus: causation chain of %s cycles at %s: %w", msg.ID, cur, ErrCyclicCausation)
		}
		visited[cur] = struct{}{}
		next, known := b.causes[cur]
		if !known {
			break // chain leaves the retained window; nothing further to check
		}
		cur = next
	}
	return nil
}

func (b *Bus) matchesLocked(sub *Subscription, msg model.Message) bool {
	if sub.owner == msg.Sender {
		return false
	}
	if len(sub.types) > 0 {
		if _, ok := sub.types[msg.Type]; !ok {
			return false
		}
	}
	if msg.IsBroadcast() {
		return true
	}
	for _, r := range msg.Recipients {
		if r == sub.owner {
			return true
		}
	}
	return false
}

// Subscribe registers a delivery stream for one participant, filtered to the
// given message types (none = all). The participant is registered as a
// recipient as a side effect.
func (b *Bus) Subscribe(id model.AgentID, types ...model.MessageType) *Subscription {
	sub := &Subscription{
		owner: id,
		types: make(map[model.MessageType]struct{}, len(types)),
		ch:    make(chan model.Message, b.bufferSize),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	b.mu.Lock()
	b.agents[id] = struct{}{}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
	close(sub.ch)
}

// Recent returns up to limit of the most recently published messages,
// oldest first. limit <= 0 returns the full retained window.
func (b *Bus) Recent(limit int) []model.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]model.Message, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

func (b *Bus) registerMetrics() {
	meter := telemetry.Meter("renkei/bus")
	noop := noopmetric.NewMeterProvider().Meter("renkei/bus")
	var err error
	b.published, err = meter.Int64Counter("bus.messages.published",
		metric.WithDescription("messages accepted by the bus"))
	if err != nil {
		b.published, _ = noop.Int64Counter("bus.messages.published")
	}
	b.dropped, err = meter.Int64Counter("bus.messages.dropped",
		metric.WithDescription("messages dropped on full subscriber queues"))
	if err != nil {
		b.dropped, _ = noop.Int64Counter("bus.messages.dropped")
	}
}
