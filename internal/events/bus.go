// Package events routes engine happenings to in-process subscribers.
// The API layer streams them to websocket clients; anything else that
// wants a feed of cycles, signals, decisions or trades subscribes here
// instead of polling the components.
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type categorizes an event.
type Type string

const (
	// TypeCycle is emitted once per completed evaluation cycle.
	TypeCycle Type = "cycle"

	// TypeSignal is emitted for every signal a strategy produces,
	// before the gate sees it.
	TypeSignal Type = "signal"

	// TypeDecision is emitted for every gate verdict.
	TypeDecision Type = "decision"

	// TypePosition is emitted on every position state transition.
	TypePosition Type = "position"

	// TypeTrade is emitted when a round trip closes.
	TypeTrade Type = "trade"

	// TypeMode is emitted when the learning tracker changes trading
	// mode for a class.
	TypeMode Type = "mode"
)

// Event is the envelope published on the bus. Payload is whatever
// domain value the emitter attached; it marshals straight to JSON for
// streaming consumers.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

// New builds an event envelope around a payload.
func New(eventType Type, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		At:      time.Now().UTC(),
		Payload: payload,
	}
}

// Handler processes one event. Errors are counted and logged, never
// propagated back to the publisher.
type Handler func(Event) error

// Subscription is a registered handler. Unsubscribing flips it
// inactive; the bus skips inactive subscriptions on delivery.
type Subscription struct {
	ID     string
	Type   Type
	handle Handler
	active atomic.Bool
}

// Active reports whether the subscription still receives events.
func (s *Subscription) Active() bool { return s.active.Load() }

// BusConfig sizes the bus. Engine traffic is a handful of events per
// cycle, so the defaults are modest.
type BusConfig struct {
	Workers int `json:"workers"`
	Buffer  int `json:"buffer"`
}

// DefaultBusConfig returns the default bus sizing.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Workers: 2,
		Buffer:  1024,
	}
}

// BusStats counts bus activity since start.
type BusStats struct {
	Published   int64 `json:"published"`
	Processed   int64 `json:"processed"`
	Dropped     int64 `json:"dropped"`
	Errors      int64 `json:"errors"`
	Subscribers int64 `json:"subscribers"`
}

// Bus fans events out to subscribers from a small worker pool. Publish
// never blocks: when the buffer is full the event is dropped and
// counted, which keeps a slow websocket client from stalling a trading
// cycle.
type Bus struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[Type][]*Subscription
	all  []*Subscription

	events chan Event

	published   atomic.Int64
	processed   atomic.Int64
	dropped     atomic.Int64
	errors      atomic.Int64
	subscribers atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates the bus and starts its delivery workers.
func NewBus(logger *zap.Logger, config BusConfig) *Bus {
	if config.Workers <= 0 {
		config.Workers = DefaultBusConfig().Workers
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultBusConfig().Buffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger: logger.Named("events"),
		subs:   make(map[Type][]*Subscription),
		events: make(chan Event, config.Buffer),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < config.Workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}

	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType Type, handler Handler) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Type:   eventType,
		handle: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()
	b.subscribers.Add(1)

	return sub
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	sub := &Subscription{
		ID:     uuid.NewString(),
		Type:   "*",
		handle: handler,
	}
	sub.active.Store(true)

	b.mu.Lock()
	b.all = append(b.all, sub)
	b.mu.Unlock()
	b.subscribers.Add(1)

	return sub
}

// Unsubscribe deactivates a subscription. Events already queued may
// still reach it.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.Swap(false) {
		b.subscribers.Add(-1)
	}
}

// Publish queues an event for delivery. Never blocks; a full buffer
// drops the event.
func (b *Bus) Publish(event Event) {
	select {
	case b.events <- event:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		b.logger.Warn("Event dropped, buffer full", zap.String("type", string(event.Type)))
	}
}

// Emit wraps a payload in an envelope and publishes it.
func (b *Bus) Emit(eventType Type, payload any) {
	b.Publish(New(eventType, payload))
}

// Stats returns delivery counters.
func (b *Bus) Stats() BusStats {
	return BusStats{
		Published:   b.published.Load(),
		Processed:   b.processed.Load(),
		Dropped:     b.dropped.Load(),
		Errors:      b.errors.Load(),
		Subscribers: b.subscribers.Load(),
	}
}

// Stop drains the workers and waits up to five seconds for them.
func (b *Bus) Stop() {
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus stopped",
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("dropped", b.dropped.Load()))
	case <-time.After(5 * time.Second):
		b.logger.Warn("Event bus shutdown timed out")
	}
}

func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.events:
			b.deliver(event)
		}
	}
}

func (b *Bus) deliver(event Event) {
	b.mu.RLock()
	subs := b.subs[event.Type]
	all := b.all
	b.mu.RUnlock()

	for _, sub := range subs {
		b.run(sub, event)
	}
	for _, sub := range all {
		b.run(sub, event)
	}
	b.processed.Add(1)
}

func (b *Bus) run(sub *Subscription, event Event) {
	if !sub.active.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.errors.Add(1)
			b.logger.Error("Event handler panic",
				zap.String("subscription", sub.ID),
				zap.String("type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	if err := sub.handle(event); err != nil {
		b.errors.Add(1)
		b.logger.Warn("Event handler error",
			zap.String("subscription", sub.ID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
