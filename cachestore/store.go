// Package cachestore provides the in-memory key-value cache: bounded
// size with insertion-order eviction and lazy TTL expiry at read time.
package cachestore

import (
	"log/slog"
	"regexp"
	"sync"
	"time"
)

const (
	// DefaultCapacity is the maximum number of resident entries.
	DefaultCapacity = 50

	// DefaultTTL is the entry lifetime when the caller does not override it.
	DefaultTTL = 15 * time.Minute
)

// Entry is one cached value. Value is immutable from the store's
// perspective; callers must not mutate returned references in place
// without re-storing.
type Entry struct {
	Key        string
	Value      any
	CreatedAt  time.Time
	TTL        time.Duration
	Generation uint64
}

// Config holds cache store configuration.
type Config struct {
	// Capacity bounds the number of resident entries. Zero means
	// DefaultCapacity.
	Capacity int

	// Logger for eviction and invalidation events.
	Logger *slog.Logger
}

// Store is a goroutine-safe in-memory cache. When at capacity the
// oldest-inserted entry is evicted first; overwriting a key moves it to
// the back of the insertion order. Expired entries are removed lazily
// when read.
type Store struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*Entry
	order    []string // insertion order, oldest first

	// gens outlives entries so that an in-flight load started before an
	// invalidation can be detected as stale. The keyspace is the set of
	// logical documents, so this map stays small.
	gens map[string]uint64

	logger  *slog.Logger
	now     func() time.Time
	onEvict func(key string)
}

// Option configures a Store.
type Option func(*Store)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithEvictionHook sets a callback invoked whenever an entry is evicted
// for capacity. The callback may run with the store lock held, so it must
// not call back into the store.
func WithEvictionHook(fn func(key string)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// New creates a new Store.
func New(cfg Config, opts ...Option) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		capacity: cfg.Capacity,
		entries:  make(map[string]*Entry),
		gens:     make(map[string]uint64),
		logger:   cfg.Logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the live entry for key, or false if the key is absent or
// expired. An expired entry is removed as a side effect of the read.
func (s *Store) Get(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.expired(ent) {
		s.remove(key)
		s.logger.Debug("cache entry expired", "key", key, "age", s.now().Sub(ent.CreatedAt))
		return nil, false
	}
	return ent, true
}

// Put stores value under key with the given TTL, evicting the
// oldest-inserted entry first if the store is at capacity. An existing
// entry for the key is overwritten and its generation bumped. A zero ttl
// means DefaultTTL.
func (s *Store) Put(key string, value any, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value, ttl)
}

// PutIfGeneration stores value under key only if the key's generation
// still equals gen, i.e. no Put or Invalidate happened since the caller
// observed it. Returns false when the write was discarded as stale.
func (s *Store) PutIfGeneration(key string, value any, ttl time.Duration, gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gens[key] != gen {
		return false
	}
	s.put(key, value, ttl)
	return true
}

// Generation returns the current generation for key. The generation is
// bumped on every Put and Invalidate touching the key, including ones
// that happen while the key is absent from the cache.
func (s *Store) Generation(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[key]
}

// Invalidate removes the exact key. Returns true if an entry was resident.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gens[key]++
	if _, ok := s.entries[key]; !ok {
		return false
	}
	s.remove(key)
	return true
}

// InvalidatePattern removes all keys matching the pattern and returns how
// many entries were removed.
func (s *Store) InvalidatePattern(re *regexp.Regexp) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for key := range s.entries {
		if re.MatchString(key) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		s.gens[key]++
		s.remove(key)
	}
	return len(removed)
}

// Clear removes every entry and returns how many were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.entries)
	for key := range s.entries {
		s.gens[key]++
	}
	s.entries = make(map[string]*Entry)
	s.order = s.order[:0]
	return n
}

// Len returns the number of resident entries, including any that have
// expired but not yet been read.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Keys returns the resident keys in insertion order, oldest first.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Store) put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if _, ok := s.entries[key]; ok {
		s.removeFromOrder(key)
	} else if len(s.entries) >= s.capacity {
		s.evictOldest()
	}

	s.gens[key]++
	s.entries[key] = &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  s.now(),
		TTL:        ttl,
		Generation: s.gens[key],
	}
	s.order = append(s.order, key)
}

func (s *Store) evictOldest() {
	if len(s.order) == 0 {
		return
	}
	oldest := s.order[0]
	s.remove(oldest)
	s.logger.Debug("evicted oldest cache entry", "key", oldest, "resident", len(s.entries))
	if s.onEvict != nil {
		s.onEvict(oldest)
	}
}

func (s *Store) expired(ent *Entry) bool {
	return s.now().Sub(ent.CreatedAt) > ent.TTL
}

func (s *Store) remove(key string) {
	delete(s.entries, key)
	s.removeFromOrder(key)
}

func (s *Store) removeFromOrder(key string) {
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
