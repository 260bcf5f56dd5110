package subs

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/ports/storage"
)

func newTestRegistry(t *testing.T, mem *storage.Mem) *Registry {
	t.Helper()
	r, err := NewRegistry(RegistryConfig{
		StreamType: "orders",
		Storage:    mem,
		Now:        func() time.Time { return time.Unix(1000, 0) },
	})
	require.NoError(t, err)
	return r
}

func TestConsistencyPercentage(t *testing.T) {
	require.Equal(t, float64(100), ConsistencyPercentage(0, 0))
	require.Equal(t, float64(100), ConsistencyPercentage(50, 50))
	require.Equal(t, float64(50), ConsistencyPercentage(25, 50))
	require.Equal(t, float64(0), ConsistencyPercentage(0, 50))
}

func TestRegistry_EnsureLoopback(t *testing.T) {
	mem := storage.NewMem()
	r := newTestRegistry(t, mem)

	require.NoError(t, r.EnsureLoopback(t.Context()))

	rec, err := mem.Subscription(t.Context(), "orders", "orders_app")
	require.NoError(t, err)
	require.True(t, rec.WasCanceled)
	require.Equal(t, "none", rec.URL)

	// Second run is a no-op, not a duplicate insert.
	require.NoError(t, r.EnsureLoopback(t.Context()))
}

func TestRegistry_TryAdd(t *testing.T) {
	mem := storage.NewMem()
	r := newTestRegistry(t, mem)

	added, err := r.TryAdd(t.Context(), "payments", "http://p1:8080", "secret")
	require.NoError(t, err)
	require.True(t, added)

	// Idempotent: the existing edge is left untouched.
	added, err = r.TryAdd(t.Context(), "payments", "http://other:8080", "other")
	require.NoError(t, err)
	require.False(t, added)

	rec, err := mem.Subscription(t.Context(), "orders", "payments")
	require.NoError(t, err)
	require.Equal(t, "http://p1:8080", rec.URL)
}

func TestRegistry_PersistPositions(t *testing.T) {
	mem := storage.NewMem()
	r := newTestRegistry(t, mem)

	_, err := r.TryAdd(t.Context(), "payments", "http://p1:8080", "secret")
	require.NoError(t, err)

	require.NoError(t, r.PersistPositions(t.Context(), "payments", 25, 50))

	rec, err := mem.Subscription(t.Context(), "orders", "payments")
	require.NoError(t, err)
	require.Equal(t, uint64(25), rec.ConsumerPosition)
	require.Equal(t, uint64(50), rec.ProducerPosition)
	require.Equal(t, float64(50), rec.ConsistencyPct)
}

func TestRegistry_FlagPoisoned(t *testing.T) {
	mem := storage.NewMem()
	r := newTestRegistry(t, mem)

	_, err := r.TryAdd(t.Context(), "payments", "http://p1:8080", "secret")
	require.NoError(t, err)

	poisonedEvent := es.Event{
		EventID:           "ev-1",
		StreamType:        "payments",
		StreamID:          "p-42",
		CollectionVersion: 7,
		Type:              "PaymentFailed",
	}
	cause := &es.PoisonedError{
		StreamType: "orders",
		StreamID:   "o-1",
		Event:      poisonedEvent,
		Cause:      errors.New("boom"),
	}

	require.NoError(t, r.FlagPoisoned(t.Context(), poisonedEvent, cause))

	rec, err := mem.Subscription(t.Context(), "orders", "payments")
	require.NoError(t, err)
	require.True(t, rec.IsPoisoned)
	require.Equal(t, uint64(7), rec.PoisonedVersion)
	require.Contains(t, rec.ExceptionMessage, "boom")
	require.Contains(t, rec.ExceptionMessage, "p-42")
	require.Contains(t, rec.DeadLetterPayload, "ev-1")

	t.Run("clear poison resets the circuit breaker", func(t *testing.T) {
		require.NoError(t, r.ClearPoison(t.Context(), "payments"))

		rec, err := mem.Subscription(t.Context(), "orders", "payments")
		require.NoError(t, err)
		require.False(t, rec.IsPoisoned)
		require.Zero(t, rec.PoisonedVersion)
		require.Empty(t, rec.ExceptionMessage)
		require.Empty(t, rec.DeadLetterPayload)
	})
}

func TestRegistry_Buffers(t *testing.T) {
	mem := storage.NewMem()
	r := newTestRegistry(t, mem)

	require.NoError(t, r.EnsureLoopback(t.Context()))
	_, err := r.TryAdd(t.Context(), "payments", "http://p1:8080", "secret")
	require.NoError(t, err)
	_, err = r.TryAdd(t.Context(), "shipping", "http://s1:8080", "secret")
	require.NoError(t, err)

	require.NoError(t, r.PersistPositions(t.Context(), "payments", 10, 10))

	poisoned := es.Event{StreamType: "shipping", CollectionVersion: 3}
	require.NoError(t, r.FlagPoisoned(t.Context(), poisoned, &es.PoisonedError{
		StreamType: "orders",
		Event:      poisoned,
		Cause:      errors.New("boom"),
	}))

	buffers, err := r.Buffers(t.Context())
	require.NoError(t, err)

	// The canceled loopback and the poisoned subscription are skipped.
	require.Len(t, buffers, 1)
	require.Equal(t, "payments", buffers[0].StreamType())

	// The resume position is rewound one below the recorded consumer
	// position; the inbox absorbs the re-delivery.
	require.Equal(t, int64(9), buffers[0].Version())
}

func TestRegistry_Subscriptions(t *testing.T) {
	mem := storage.NewMem()
	r := newTestRegistry(t, mem)

	_, err := r.TryAdd(t.Context(), "payments", "http://p1:8080", "secret")
	require.NoError(t, err)

	subs, err := r.Subscriptions(t.Context())
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "payments", subs[0].StreamType)
	require.True(t, strings.HasPrefix(subs[0].URL, "http://"))
}
