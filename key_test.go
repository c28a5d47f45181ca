package salescache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testFilter struct {
	Industry string   `json:"industry,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func TestNewKeyWithoutOptions(t *testing.T) {
	k, err := NewKey("resources", nil)
	require.NoError(t, err)
	require.Equal(t, Key("resources"), k)
}

func TestNewKeyStable(t *testing.T) {
	f := testFilter{Industry: "banking", Tags: []string{"ai", "automation"}}

	k1, err := NewKey("personas", f)
	require.NoError(t, err)
	k2, err := NewKey("personas", f)
	require.NoError(t, err)

	require.Equal(t, k1, k2)
	require.Len(t, string(k1), len("personas")+1+OptionHashLen)
}

func TestNewKeyDistinguishesOptions(t *testing.T) {
	k1, err := NewKey("personas", testFilter{Industry: "banking"})
	require.NoError(t, err)
	k2, err := NewKey("personas", testFilter{Industry: "insurance"})
	require.NoError(t, err)

	require.NotEqual(t, k1, k2)
}

func TestNewKeyMapOrderIndependent(t *testing.T) {
	// json.Marshal sorts map keys, so logically equal maps hash identically.
	k1, err := NewKey("use-cases", map[string]string{"a": "1", "b": "2"})
	require.NoError(t, err)
	k2, err := NewKey("use-cases", map[string]string{"b": "2", "a": "1"})
	require.NoError(t, err)

	require.Equal(t, k1, k2)
}

func TestNewKeyUnmarshalableOptions(t *testing.T) {
	_, err := NewKey("resources", make(chan int))
	require.Error(t, err)
}

func TestMustKeyPanics(t *testing.T) {
	require.Panics(t, func() {
		MustKey("resources", make(chan int))
	})
}
