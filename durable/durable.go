// Package durable provides the persistent fallback store consulted when a
// live reload fails. Records are written on every successful load where
// persistence is requested and are never pruned by the engine itself.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for a key.
var ErrNotFound = errors.New("durable: not found")

// Record is one persisted value.
type Record struct {
	Key      string
	Value    json.RawMessage
	StoredAt time.Time
}

// Store is the async key-value interface the engine depends on.
type Store interface {
	// Get retrieves the record for key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (*Record, error)

	// Put creates or overwrites the record for key.
	Put(ctx context.Context, key string, value json.RawMessage) error

	// Delete removes the record for key. Idempotent.
	Delete(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}
