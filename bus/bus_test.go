package bus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversInRegistrationOrder(t *testing.T) {
	b := New()

	var order []string
	b.Subscribe(func(Event) { order = append(order, "a") })
	b.Subscribe(func(Event) { order = append(order, "b") })
	b.Subscribe(func(Event) { order = append(order, "c") })

	b.Publish(EventDataLoaded, "resources", nil)

	require.Equal(t, []string{"a", "b", "c"}, order)
}

func TestBusPanickingSubscriberIsolated(t *testing.T) {
	b := New(WithLogger(slog.New(slog.DiscardHandler)))

	var order []string
	b.Subscribe(func(Event) { order = append(order, "a") })
	b.Subscribe(func(Event) { panic("bad subscriber") })
	b.Subscribe(func(Event) { order = append(order, "c") })

	require.NotPanics(t, func() {
		b.Publish(EventDataLoaded, "resources", nil)
	})
	require.Equal(t, []string{"a", "c"}, order)
}

func TestBusEventFields(t *testing.T) {
	now := time.Now()
	b := New(WithNow(func() time.Time { return now }))

	var got Event
	b.Subscribe(func(ev Event) { got = ev })

	b.Publish(EventFallbackUsed, "personas@aa11", "stale-payload")

	require.Equal(t, EventFallbackUsed, got.Type)
	require.Equal(t, "personas@aa11", got.Key)
	require.Equal(t, "stale-payload", got.Payload)
	require.Equal(t, now, got.Timestamp)
}

func TestBusUnsubscribe(t *testing.T) {
	b := New()

	calls := 0
	unsub := b.Subscribe(func(Event) { calls++ })

	b.Publish(EventCacheHit, "k", nil)
	unsub()
	unsub() // second call is a no-op
	b.Publish(EventCacheHit, "k", nil)

	require.Equal(t, 1, calls)
	require.Equal(t, 0, b.Len())
}

func TestBusDuplicateRegistration(t *testing.T) {
	b := New()

	calls := 0
	fn := func(Event) { calls++ }
	b.Subscribe(fn)
	b.Subscribe(fn)

	b.Publish(EventCacheHit, "k", nil)

	require.Equal(t, 2, calls)
}

func TestBusSubscriberMayUnsubscribeDuringDelivery(t *testing.T) {
	b := New()

	var unsub func()
	calls := 0
	unsub = b.Subscribe(func(Event) {
		calls++
		unsub()
	})

	b.Publish(EventCacheHit, "k", nil)
	b.Publish(EventCacheHit, "k", nil)

	require.Equal(t, 1, calls)
}
