package durable

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.etcd.io/bbolt"
)

const (
	// CompressionThreshold is the minimum payload size before compression
	// is considered. zstd overhead is not worth it for smaller payloads.
	CompressionThreshold = 2048

	// MaxPayloadSize is the maximum allowed uncompressed payload size.
	MaxPayloadSize = 10 * 1024 * 1024 // 10MB

	// recordVersion is the current on-disk record format version.
	recordVersion = 1
)

// Record encodings.
const (
	encodingIdentity byte = 0
	encodingZstd     byte = 1
)

var (
	// ErrPayloadTooLarge is returned when a value exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("durable: payload exceeds maximum size")

	// ErrCorrupted is returned when a stored record cannot be decoded.
	ErrCorrupted = errors.New("durable: corrupted record")

	bucketRecords = []byte("records")
)

// BoltStore implements Store using bbolt, with zstd compression for
// payloads above CompressionThreshold.
type BoltStore struct {
	db      *bbolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltOption {
	return func(b *BoltStore) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction. Testing only.
func WithNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) a bbolt-backed store at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		enc.Close()
		_ = db.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	b.encoder = enc
	b.decoder = dec

	b.logger.Debug("opened durable store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Get retrieves the record for key.
func (b *BoltStore) Get(_ context.Context, key string) (*Record, error) {
	var raw []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketRecords).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		raw = make([]byte, len(val))
		copy(raw, val)
		return nil
	})
	if err != nil {
		return nil, err
	}

	storedAt, value, err := b.decodeRecord(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding record for %q: %w", key, err)
	}
	return &Record{Key: key, Value: value, StoredAt: storedAt}, nil
}

// Put creates or overwrites the record for key.
func (b *BoltStore) Put(_ context.Context, key string, value json.RawMessage) error {
	if len(value) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	raw := b.encodeRecord(b.now(), value)
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(key), raw)
	})
}

// Delete removes the record for key. Deleting an absent key is a no-op.
func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).Delete([]byte(key))
	})
}

// Prune removes records stored before now-olderThan and returns how many
// were removed. The engine never calls this; it exists for administrative
// cleanup from the CLI.
func (b *BoltStore) Prune(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := b.now().Add(-olderThan)
	removed := 0

	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRecords)
		c := bucket.Cursor()

		var stale [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			storedAt, _, err := b.decodeRecord(v)
			if err != nil {
				// Unreadable records are stale by definition.
				stale = append(stale, append([]byte(nil), k...))
				continue
			}
			if storedAt.Before(cutoff) {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	if removed > 0 {
		b.logger.Info("pruned durable records", "removed", removed, "older_than", olderThan)
	}
	return removed, nil
}

// Len returns the number of stored records.
func (b *BoltStore) Len(_ context.Context) (int, error) {
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRecords).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database and releases codec resources.
func (b *BoltStore) Close() error {
	if b.encoder != nil {
		b.encoder.Close()
		b.encoder = nil
	}
	if b.decoder != nil {
		b.decoder.Close()
		b.decoder = nil
	}
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing durable store")
	return b.db.Close()
}

// Record wire format:
// VERSION (1 byte) | ENCODING (1 byte) | STOREDAT (int64 big-endian unix nanos) | PAYLOAD
func (b *BoltStore) encodeRecord(storedAt time.Time, value []byte) []byte {
	payload := value
	encoding := encodingIdentity

	if len(value) >= CompressionThreshold {
		compressed := b.encoder.EncodeAll(value, nil)
		if len(compressed) < len(value) {
			payload = compressed
			encoding = encodingZstd
		}
	}

	out := make([]byte, 10+len(payload))
	out[0] = recordVersion
	out[1] = encoding
	binary.BigEndian.PutUint64(out[2:10], uint64(storedAt.UnixNano()))
	copy(out[10:], payload)
	return out
}

func (b *BoltStore) decodeRecord(raw []byte) (time.Time, json.RawMessage, error) {
	if len(raw) < 10 {
		return time.Time{}, nil, ErrCorrupted
	}
	if raw[0] != recordVersion {
		return time.Time{}, nil, fmt.Errorf("%w: unknown version %d", ErrCorrupted, raw[0])
	}

	storedAt := time.Unix(0, int64(binary.BigEndian.Uint64(raw[2:10])))
	payload := raw[10:]

	switch raw[1] {
	case encodingIdentity:
		out := make([]byte, len(payload))
		copy(out, payload)
		return storedAt, out, nil
	case encodingZstd:
		out, err := b.decoder.DecodeAll(payload, nil)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
		}
		if len(out) > MaxPayloadSize {
			return time.Time{}, nil, fmt.Errorf("%w: decompressed payload too large", ErrCorrupted)
		}
		return storedAt, out, nil
	default:
		return time.Time{}, nil, fmt.Errorf("%w: unknown encoding %d", ErrCorrupted, raw[1])
	}
}
