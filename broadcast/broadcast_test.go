package broadcast

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join()
	c := hub.Join()
	defer a.Close()
	defer b.Close()
	defer c.Close()

	var bGot, cGot []Envelope
	b.Subscribe(func(env Envelope) { bGot = append(bGot, env) })
	c.Subscribe(func(env Envelope) { cGot = append(cGot, env) })

	err := a.Publish(context.Background(), Envelope{Type: "resources-updated"})
	require.NoError(t, err)

	require.Len(t, bGot, 1)
	require.Len(t, cGot, 1)
	require.Equal(t, "resources-updated", bGot[0].Type)
	require.NotEmpty(t, bGot[0].ID)
	require.False(t, bGot[0].Timestamp.IsZero())
}

func TestHubNoSelfDelivery(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	defer a.Close()

	calls := 0
	a.Subscribe(func(Envelope) { calls++ })

	require.NoError(t, a.Publish(context.Background(), Envelope{Type: "x"}))
	require.Equal(t, 0, calls)
}

func TestHubClosedChannel(t *testing.T) {
	hub := NewHub()
	a := hub.Join()
	b := hub.Join()
	defer b.Close()

	calls := 0
	b.Subscribe(func(Envelope) { calls++ })

	require.NoError(t, a.Close())
	require.ErrorIs(t, a.Publish(context.Background(), Envelope{Type: "x"}), ErrClosed)

	// A closed member no longer receives from others either.
	require.NoError(t, b.Publish(context.Background(), Envelope{Type: "y"}))
	require.Equal(t, 0, calls)
}

func TestSlotPublishThenNotify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-slot.json")

	writer := NewSlot(path, WithClearAfter(time.Hour))
	reader := NewSlot(path, WithClearAfter(time.Hour))
	defer writer.Close()
	defer reader.Close()

	var got []Envelope
	reader.Subscribe(func(env Envelope) { got = append(got, env) })

	err := writer.Publish(context.Background(), Envelope{
		Type: "personas-updated",
		Data: json.RawMessage(`{"id":"p-1"}`),
	})
	require.NoError(t, err)

	reader.Notify()
	require.Len(t, got, 1)
	require.Equal(t, "personas-updated", got[0].Type)
	require.JSONEq(t, `{"id":"p-1"}`, string(got[0].Data))

	// Repeated notifications for the same envelope deliver once.
	reader.Notify()
	require.Len(t, got, 1)
}

func TestSlotNoSelfDelivery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-slot.json")
	ch := NewSlot(path, WithClearAfter(time.Hour))
	defer ch.Close()

	calls := 0
	ch.Subscribe(func(Envelope) { calls++ })

	require.NoError(t, ch.Publish(context.Background(), Envelope{Type: "x"}))
	ch.Notify()
	require.Equal(t, 0, calls)
}

func TestSlotCleared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-slot.json")
	ch := NewSlot(path, WithClearAfter(20*time.Millisecond))
	defer ch.Close()

	require.NoError(t, ch.Publish(context.Background(), Envelope{Type: "x"}))
	_, err := os.Stat(path)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
}

func TestSlotIgnoresMalformedContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-slot.json")
	ch := NewSlot(path)
	defer ch.Close()

	calls := 0
	ch.Subscribe(func(Envelope) { calls++ })

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
	ch.Notify()

	require.NoError(t, os.WriteFile(path, []byte(`{"type":"no-id"}`), 0o600))
	ch.Notify()

	require.Equal(t, 0, calls)
}

func TestSlotMissedWhenNotListening(t *testing.T) {
	// A receiver that only looks after the slot is cleared sees nothing.
	// Best-effort delivery is the documented contract.
	path := filepath.Join(t.TempDir(), "sync-slot.json")
	writer := NewSlot(path, WithClearAfter(10*time.Millisecond))
	defer writer.Close()

	require.NoError(t, writer.Publish(context.Background(), Envelope{Type: "x"}))
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)

	reader := NewSlot(path)
	defer reader.Close()
	calls := 0
	reader.Subscribe(func(Envelope) { calls++ })
	reader.Notify()
	require.Equal(t, 0, calls)
}
