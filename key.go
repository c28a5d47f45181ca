package salescache

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
)

// OptionHashLen is the number of hex characters of the BLAKE3 digest
// appended to a key when options are present.
const OptionHashLen = 16

// Key identifies one cacheable unit of data: a logical resource name,
// optionally qualified by a digest of the options that affect the result.
// Two requests for the same resource with different filter options hash to
// different keys and never collide in the cache.
type Key string

// String returns the key as a plain string.
func (k Key) String() string { return string(k) }

// NewKey builds a fully-qualified cache key from a logical resource name
// and the options that affect its result. A nil opts yields the bare name.
func NewKey(name string, opts any) (Key, error) {
	if opts == nil {
		return Key(name), nil
	}
	digest, err := HashOptions(opts)
	if err != nil {
		return "", fmt.Errorf("hashing options for %q: %w", name, err)
	}
	return Key(name + "@" + digest), nil
}

// MustKey is NewKey for options known to be marshalable; it panics
// otherwise. Intended for static keys built at startup.
func MustKey(name string, opts any) Key {
	k, err := NewKey(name, opts)
	if err != nil {
		panic(err)
	}
	return k
}

// HashOptions returns a short stable digest of an options value.
// Options are serialized to canonical JSON (struct fields in declaration
// order, map keys sorted) and hashed with BLAKE3.
func HashOptions(opts any) (string, error) {
	data, err := json.Marshal(opts)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:OptionHashLen/2]), nil
}
