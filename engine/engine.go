// Package engine provides the loader orchestrator: the single entry point
// collaborators use to obtain data by key, combining the in-memory cache,
// request de-duplication, retry with exponential backoff, durable
// fallback, and change notification.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	salescache "github.com/ebleck55/uipath-sales-cycle-guide-sub002"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/broadcast"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/bus"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/cachestore"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/durable"
	"github.com/ebleck55/uipath-sales-cycle-guide-sub002/telemetry"
)

const (
	// DefaultRetryAttempts is the total number of loader invocations per
	// load before the failure is surfaced.
	DefaultRetryAttempts = 3

	// DefaultRetryBaseDelay is the backoff base: the n-th retry waits
	// base * 2^n.
	DefaultRetryBaseDelay = 1 * time.Second
)

// ErrNilLoader is returned when Load is called without a loader function.
var ErrNilLoader = errors.New("engine: nil loader function")

// LoaderFunc performs the actual data retrieval or computation for a key.
// It must return an error on failure rather than a sentinel value, so the
// retry logic can detect it.
type LoaderFunc func(ctx context.Context) (any, error)

// Config holds engine-wide defaults, overridable per Load call.
type Config struct {
	// CacheTTL is the default entry lifetime. Zero means the cache
	// store's default of 15 minutes.
	CacheTTL time.Duration

	// MaxCacheSize bounds the in-memory cache. Zero means the cache
	// store's default of 50 entries.
	MaxCacheSize int

	// RetryAttempts is the default total number of loader invocations
	// per load. Zero means DefaultRetryAttempts.
	RetryAttempts int

	// RetryBaseDelay is the default backoff base delay. Zero means
	// DefaultRetryBaseDelay.
	RetryBaseDelay time.Duration

	// MaxLoadRate caps loader invocations per second across all keys.
	// Zero means unlimited.
	MaxLoadRate rate.Limit

	// Logger for engine events.
	Logger *slog.Logger
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CacheTTL:       cachestore.DefaultTTL,
		MaxCacheSize:   cachestore.DefaultCapacity,
		RetryAttempts:  DefaultRetryAttempts,
		RetryBaseDelay: DefaultRetryBaseDelay,
		Logger:         slog.Default(),
	}
}

// Options configures a single Load call. Zero-valued fields fall back to
// the engine Config.
type Options struct {
	// TTL for the cache entry written on success.
	TTL time.Duration

	// RetryAttempts overrides the engine default for this call.
	RetryAttempts int

	// RetryBaseDelay overrides the engine default for this call.
	RetryBaseDelay time.Duration

	// Persist writes the result to the durable store on success.
	Persist bool

	// FallbackToDB consults the durable store when every retry fails.
	FallbackToDB bool
}

// Engine orchestrates loads. Construct one per application and pass it by
// reference to every collaborator; the composition root owns that
// convention.
type Engine struct {
	cfg     Config
	cache   *cachestore.Store
	durable durable.Store
	bus     *bus.Bus
	channel broadcast.Channel
	group   singleflight.Group
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time

	unsubscribe func()
}

// Option configures an Engine.
type Option func(*Engine)

// WithDurable attaches the durable fallback store. Without it, Persist
// and FallbackToDB options are silently inert.
func WithDurable(store durable.Store) Option {
	return func(e *Engine) {
		e.durable = store
	}
}

// WithBroadcast attaches the cross-context sync channel. Envelopes
// received from other contexts surface as external-update events on the
// notification bus.
func WithBroadcast(ch broadcast.Channel) Option {
	return func(e *Engine) {
		e.channel = ch
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.cache = cachestore.New(
		cachestore.Config{Capacity: cfg.MaxCacheSize, Logger: cfg.Logger},
		cachestore.WithNow(e.now),
		cachestore.WithEvictionHook(func(key string) {
			telemetry.RecordEviction(context.Background())
			e.logger.Debug("evicted cache entry", "key", key)
		}),
	)
	e.bus = bus.New(bus.WithLogger(cfg.Logger), bus.WithNow(e.now))

	if cfg.MaxLoadRate > 0 {
		e.limiter = rate.NewLimiter(cfg.MaxLoadRate, 1)
	}

	if e.channel != nil {
		e.unsubscribe = e.channel.Subscribe(func(env broadcast.Envelope) {
			telemetry.RecordBroadcast(context.Background(), "received")
			e.bus.Publish(bus.EventExternalUpdate, env.Type, env.Data)
		})
	}

	return e
}

// Subscribe registers a notification-bus subscriber and returns its
// unsubscribe function.
func (e *Engine) Subscribe(fn bus.SubscriberFunc) func() {
	return e.bus.Subscribe(fn)
}

// Load returns the value for key, from cache when fresh, otherwise by
// invoking loader with retry, de-duplicating concurrent calls for the
// same key. All failures arrive through the returned error; Load never
// panics on caller input.
//
// A caller whose context expires before the load completes gets the
// context error, but the in-flight load (including its retry loop) runs
// to completion for any other waiters.
func (e *Engine) Load(ctx context.Context, key salescache.Key, loader LoaderFunc, opts Options) (any, error) {
	if loader == nil {
		return nil, ErrNilLoader
	}
	opts = e.withDefaults(opts)
	k := key.String()

	if ent, ok := e.cache.Get(k); ok {
		e.bus.Publish(bus.EventCacheHit, k, ent.Value)
		telemetry.RecordLoad(ctx, documentOf(k), telemetry.OutcomeHit, 0)
		return ent.Value, nil
	}

	ch := e.group.DoChan(k, func() (any, error) {
		// Detached context so no single caller's cancellation stops the
		// load for everyone else.
		return e.loadSlow(context.WithoutCancel(ctx), k, loader, opts)
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put stores value under key directly, superseding whatever any racing
// loader for the key will eventually produce. With persist set and a
// durable store attached, the value is also written through.
func (e *Engine) Put(ctx context.Context, key salescache.Key, value any, ttl time.Duration, persist bool) error {
	if ttl <= 0 {
		ttl = e.cfg.CacheTTL
	}
	k := key.String()
	e.cache.Put(k, value, ttl)

	if persist && e.durable != nil {
		if err := e.persist(ctx, k, value); err != nil {
			return err
		}
	}

	e.bus.Publish(bus.EventDataLoaded, k, value)
	telemetry.UpdateCacheEntries(ctx, e.cache.Len())
	return nil
}

// Invalidate removes the exact key from the cache and publishes a
// cache-cleared event. Returns true if an entry was resident.
func (e *Engine) Invalidate(ctx context.Context, key salescache.Key) bool {
	removed := e.cache.Invalidate(key.String())
	if removed {
		telemetry.RecordInvalidation(ctx, 1)
	}
	e.bus.Publish(bus.EventCacheCleared, key.String(), nil)
	return removed
}

// InvalidatePattern removes every cached key matching the pattern and
// returns how many entries were removed.
func (e *Engine) InvalidatePattern(ctx context.Context, re *regexp.Regexp) int {
	n := e.cache.InvalidatePattern(re)
	telemetry.RecordInvalidation(ctx, n)
	e.bus.Publish(bus.EventCacheCleared, re.String(), n)
	return n
}

// Clear removes every cached entry.
func (e *Engine) Clear(ctx context.Context) int {
	n := e.cache.Clear()
	telemetry.RecordInvalidation(ctx, n)
	e.bus.Publish(bus.EventCacheCleared, "", n)
	return n
}

// Announce publishes an envelope on the cross-context channel. A no-op
// without an attached channel. Delivery to other contexts is best-effort.
func (e *Engine) Announce(ctx context.Context, typ string, data any) error {
	if e.channel == nil {
		return nil
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling announcement: %w", err)
	}
	if err := e.channel.Publish(ctx, broadcast.Envelope{Type: typ, Data: payload}); err != nil {
		return fmt.Errorf("publishing announcement: %w", err)
	}
	telemetry.RecordBroadcast(ctx, "published")
	return nil
}

// CacheLen returns the number of resident cache entries.
func (e *Engine) CacheLen() int {
	return e.cache.Len()
}

// Close detaches the engine from its broadcast channel. It does not close
// the injected durable store; its owner does.
func (e *Engine) Close() error {
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	return nil
}

func (e *Engine) withDefaults(opts Options) Options {
	if opts.TTL <= 0 {
		opts.TTL = e.cfg.CacheTTL
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = e.cfg.RetryAttempts
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = e.cfg.RetryBaseDelay
	}
	return opts
}

func (e *Engine) loadSlow(ctx context.Context, k string, loader LoaderFunc, opts Options) (any, error) {
	// Another flight may have populated the cache between the caller's
	// miss and this flight winning the singleflight slot.
	if ent, ok := e.cache.Get(k); ok {
		e.bus.Publish(bus.EventCacheHit, k, ent.Value)
		telemetry.RecordLoad(ctx, documentOf(k), telemetry.OutcomeHit, 0)
		return ent.Value, nil
	}

	doc := documentOf(k)
	start := e.now()

	// Generation observed before the load begins; a Put or Invalidate
	// racing with the loader bumps it and this flight's result is then
	// discarded from the cache instead of clobbering the newer write.
	gen := e.cache.Generation(k)

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for load slot: %w", err)
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = opts.RetryBaseDelay
	expo.RandomizationFactor = 0
	expo.Multiplier = 2

	value, err := backoff.Retry(ctx,
		func() (any, error) {
			return loader(ctx)
		},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(opts.RetryAttempts)),
		backoff.WithNotify(func(err error, delay time.Duration) {
			telemetry.RecordRetry(ctx, doc)
			e.logger.Warn("load attempt failed, retrying",
				"key", k,
				"delay", delay,
				"error", err,
			)
		}),
	)
	if err == nil {
		if !e.cache.PutIfGeneration(k, value, opts.TTL, gen) {
			e.logger.Debug("discarding superseded load result", "key", k)
		}
		if opts.Persist && e.durable != nil {
			// Persistence failures never fail an otherwise successful
			// load; the record is only a fallback.
			if perr := e.persist(ctx, k, value); perr != nil {
				e.logger.Warn("persisting durable record failed", "key", k, "error", perr)
			}
		}
		e.bus.Publish(bus.EventDataLoaded, k, value)
		telemetry.RecordLoad(ctx, doc, telemetry.OutcomeLoaded, e.now().Sub(start))
		telemetry.UpdateCacheEntries(ctx, e.cache.Len())
		return value, nil
	}

	if opts.FallbackToDB && e.durable != nil {
		rec, derr := e.durable.Get(ctx, k)
		if derr == nil {
			e.logger.Warn("load failed, serving stale durable record",
				"key", k,
				"stored_at", rec.StoredAt,
				"error", err,
			)
			e.bus.Publish(bus.EventFallbackUsed, k, rec.Value)
			telemetry.RecordLoad(ctx, doc, telemetry.OutcomeFallback, e.now().Sub(start))
			return rec.Value, nil
		}
		if !errors.Is(derr, durable.ErrNotFound) {
			e.logger.Warn("durable fallback read failed", "key", k, "error", derr)
		}
	}

	e.bus.Publish(bus.EventLoadError, k, err)
	telemetry.RecordLoad(ctx, doc, telemetry.OutcomeError, e.now().Sub(start))
	return nil, fmt.Errorf("loading %q: %w", k, err)
}

func (e *Engine) persist(ctx context.Context, k string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling value for %q: %w", k, err)
	}
	return e.durable.Put(ctx, k, data)
}

// documentOf strips the option-hash qualifier off a cache key, leaving
// the logical document name for metrics labels.
func documentOf(k string) string {
	if i := strings.IndexByte(k, '@'); i >= 0 {
		return k[:i]
	}
	return k
}
