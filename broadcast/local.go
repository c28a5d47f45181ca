package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when publishing on a closed channel.
var ErrClosed = errors.New("broadcast: channel closed")

// Hub is the in-process broadcast medium. Each context joins the hub and
// receives every envelope published by the other members.
type Hub struct {
	mu      sync.Mutex
	members map[uint64]*LocalChannel
	nextID  uint64

	logger *slog.Logger
	now    func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) HubOption {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub creates a new Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		members: make(map[uint64]*LocalChannel),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Join returns a new channel attached to the hub.
func (h *Hub) Join() *LocalChannel {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	ch := &LocalChannel{hub: h, id: h.nextID}
	h.members[ch.id] = ch
	return ch
}

func (h *Hub) publish(from uint64, env Envelope) {
	h.mu.Lock()
	members := make([]*LocalChannel, 0, len(h.members))
	for id, ch := range h.members {
		if id != from {
			members = append(members, ch)
		}
	}
	h.mu.Unlock()

	for _, ch := range members {
		ch.deliver(env)
	}
}

func (h *Hub) leave(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, id)
}

// LocalChannel is one hub membership. It implements Channel.
type LocalChannel struct {
	hub *Hub
	id  uint64

	mu     sync.Mutex
	subs   []localSub
	nextID uint64
	closed bool
}

type localSub struct {
	id uint64
	fn func(Envelope)
}

// Publish announces the envelope to every other hub member.
func (c *LocalChannel) Publish(_ context.Context, env Envelope) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	c.hub.publish(c.id, stamp(env, c.hub.now))
	return nil
}

// Subscribe registers fn for envelopes from other members.
func (c *LocalChannel) Subscribe(fn func(Envelope)) func() {
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

// Close detaches the channel from its hub.
func (c *LocalChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.subs = nil
	c.mu.Unlock()

	c.hub.leave(c.id)
	return nil
}

func (c *LocalChannel) deliver(env Envelope) {
	c.mu.Lock()
	subs := make([]localSub, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, sub := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.hub.logger.Error("broadcast subscriber panicked",
						"envelope_type", env.Type,
						"panic", r,
					)
				}
			}()
			sub.fn(env)
		}()
	}
}
