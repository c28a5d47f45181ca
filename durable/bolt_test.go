package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...BoltOption) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "salescache.db")
	opts = append([]BoltOption{WithNoSync(true)}, opts...)
	s, err := OpenBolt(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBoltPutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	value := json.RawMessage(`{"id":"p-1","name":"Operations Lead"}`)
	require.NoError(t, s.Put(ctx, "personas", value))

	rec, err := s.Get(ctx, "personas")
	require.NoError(t, err)
	require.Equal(t, "personas", rec.Key)
	require.JSONEq(t, string(value), string(rec.Value))
	require.False(t, rec.StoredAt.IsZero())
}

func TestBoltGetAbsent(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltOverwrite(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "resources", json.RawMessage(`["a"]`)))
	require.NoError(t, s.Put(ctx, "resources", json.RawMessage(`["b"]`)))

	rec, err := s.Get(ctx, "resources")
	require.NoError(t, err)
	require.JSONEq(t, `["b"]`, string(rec.Value))
}

func TestBoltDeleteIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "resources", json.RawMessage(`[]`)))
	require.NoError(t, s.Delete(ctx, "resources"))
	require.NoError(t, s.Delete(ctx, "resources"))

	_, err := s.Get(ctx, "resources")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltCompressionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Well above CompressionThreshold and highly compressible.
	big, err := json.Marshal(bytes.Repeat([]byte("sales enablement "), 1000))
	require.NoError(t, err)
	require.Greater(t, len(big), CompressionThreshold)

	require.NoError(t, s.Put(ctx, "big", big))

	rec, err := s.Get(ctx, "big")
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(big), rec.Value)
}

func TestBoltPayloadTooLarge(t *testing.T) {
	s := newTestStore(t)

	err := s.Put(context.Background(), "huge", make(json.RawMessage, MaxPayloadSize+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestBoltPrune(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "old", json.RawMessage(`1`)))

	now = now.Add(48 * time.Hour)
	require.NoError(t, s.Put(ctx, "fresh", json.RawMessage(`2`)))

	removed, err := s.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = s.Get(ctx, "old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, "fresh")
	require.NoError(t, err)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestBoltSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "salescache.db")
	ctx := context.Background()

	s, err := OpenBolt(path, WithNoSync(true))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, "personas", json.RawMessage(`{"v":1}`)))
	require.NoError(t, s.Close())

	s2, err := OpenBolt(path, WithNoSync(true))
	require.NoError(t, err)
	defer s2.Close()

	rec, err := s2.Get(ctx, "personas")
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(rec.Value))
}
