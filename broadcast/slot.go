package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultClearAfter is how long a published envelope stays in the slot
// before it is removed. A receiver that does not observe the slot within
// this window misses the announcement.
const DefaultClearAfter = 1 * time.Second

// seenRetention bounds how long delivered envelope IDs are remembered for
// de-duplication.
const seenRetention = 1 * time.Minute

// SlotChannel implements Channel over a shared file slot. Publish writes
// the JSON envelope to the slot and clears it after ClearAfter. Receivers
// call Notify when the host signals that the slot changed; there is no
// polling. Malformed slot contents are ignored as noise.
type SlotChannel struct {
	path       string
	clearAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	subs   []localSub
	nextID uint64
	seen   map[string]time.Time
	timers []*time.Timer
	closed bool
}

// SlotOption configures a SlotChannel.
type SlotOption func(*SlotChannel)

// WithClearAfter sets how long an envelope stays in the slot.
func WithClearAfter(d time.Duration) SlotOption {
	return func(c *SlotChannel) {
		c.clearAfter = d
	}
}

// WithSlotLogger sets the channel logger.
func WithSlotLogger(logger *slog.Logger) SlotOption {
	return func(c *SlotChannel) {
		c.logger = logger
	}
}

// WithSlotNow sets the time function for testing.
func WithSlotNow(now func() time.Time) SlotOption {
	return func(c *SlotChannel) {
		c.now = now
	}
}

// NewSlot creates a SlotChannel over the slot file at path.
func NewSlot(path string, opts ...SlotOption) *SlotChannel {
	c := &SlotChannel{
		path:       path,
		clearAfter: DefaultClearAfter,
		logger:     slog.Default(),
		now:        time.Now,
		seen:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Publish writes the envelope to the slot and schedules its removal.
// The publishing channel marks the envelope ID as seen so its own Notify
// never redelivers it locally.
func (c *SlotChannel) Publish(_ context.Context, env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	env = stamp(env, c.now)
	c.markSeen(env.ID)
	c.mu.Unlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}

	// Write-then-rename so a concurrent reader never observes a partial
	// envelope.
	tmp := c.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return fmt.Errorf("creating slot directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing slot: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("replacing slot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	id := env.ID
	c.timers = append(c.timers, time.AfterFunc(c.clearAfter, func() {
		c.clear(id)
	}))
	return nil
}

// Subscribe registers fn for envelopes observed via Notify.
func (c *SlotChannel) Subscribe(fn func(Envelope)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	c.subs = append(c.subs, localSub{id: id, fn: fn})

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subs {
			if sub.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				return
			}
		}
	}
}

// Notify is the host's change signal: it reads the slot and delivers any
// new envelope to subscribers. A missing slot, malformed contents, or an
// already-delivered envelope are all silently ignored.
func (c *SlotChannel) Notify() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.ID == "" {
		c.logger.Debug("ignoring malformed slot contents", "path", c.path)
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, dup := c.seen[env.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.markSeen(env.ID)
	subs := make([]localSub, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("broadcast subscriber panicked",
						"envelope_type", env.Type,
						"panic", r,
					)
				}
			}()
			sub.fn(env)
		}()
	}
}

// Close stops pending clear timers. The slot file itself is left to the
// clear schedule of whichever context wrote it last.
func (c *SlotChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.subs = nil
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	return nil
}

// clear removes the slot only when it still holds the envelope published
// under id; a later publish must not be clobbered by an earlier timer.
func (c *SlotChannel) clear(id string) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.ID != id {
		return
	}
	_ = os.Remove(c.path)
}

// markSeen records id and prunes stale entries. Callers hold c.mu.
func (c *SlotChannel) markSeen(id string) {
	now := c.now()
	c.seen[id] = now
	for k, at := range c.seen {
		if now.Sub(at) > seenRetention {
			delete(c.seen, k)
		}
	}
}
