// Package bus provides the change-notification mechanism that decouples
// the cache engine from its UI collaborators. Events are delivered
// synchronously, in registration order, and are not stored.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a cache state transition.
type EventType string

const (
	// EventCacheHit fires when a load is satisfied from the in-memory cache.
	EventCacheHit EventType = "cache-hit"

	// EventDataLoaded fires when a loader succeeds and the cache is updated.
	EventDataLoaded EventType = "data-loaded"

	// EventLoadError fires when a load exhausts its retries with no fallback.
	EventLoadError EventType = "load-error"

	// EventFallbackUsed fires when a failed load is answered from the
	// durable store with stale data.
	EventFallbackUsed EventType = "fallback-used"

	// EventCacheCleared fires when entries are explicitly invalidated.
	EventCacheCleared EventType = "cache-cleared"

	// EventExternalUpdate fires when another context announces a change
	// over the broadcast channel.
	EventExternalUpdate EventType = "external-update"
)

// Event is one state-transition notification. Transient: delivered to all
// current subscribers then discarded.
type Event struct {
	Type      EventType
	Key       string
	Payload   any
	Timestamp time.Time
}

// SubscriberFunc receives events. It must not block for long; delivery is
// synchronous on the publisher's goroutine.
type SubscriberFunc func(Event)

type subscription struct {
	id uint64
	fn SubscriberFunc
}

// Bus fans events out to subscribers. Duplicate registrations of the same
// function receive duplicate notifications; avoiding that is the caller's
// responsibility.
type Bus struct {
	mu     sync.Mutex
	subs   []subscription
	nextID uint64

	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report subscriber panics.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(b *Bus) {
		b.now = now
	}
}

// New creates a new Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers fn and returns a function that removes the
// registration. Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(fn SubscriberFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subs {
			if sub.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every current subscriber, in registration
// order. A panicking subscriber is logged and skipped; it cannot prevent
// delivery to the rest.
func (b *Bus) Publish(typ EventType, key string, payload any) {
	b.mu.Lock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	ts := b.now()
	b.mu.Unlock()

	ev := Event{Type: typ, Key: key, Payload: payload, Timestamp: ts}
	for _, sub := range subs {
		b.deliver(sub, ev)
	}
}

// Len returns the number of current subscribers.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) deliver(sub subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked during delivery",
				"event", string(ev.Type),
				"key", ev.Key,
				"panic", r,
			)
		}
	}()
	sub.fn(ev)
}
