package es

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventcentric-go/ports/storage"
)

// === test aggregate ===

type counterAdded struct {
	Amount int `json:"amount"`
}

type counterReset struct{}

type counter struct {
	BaseAggregate
	Total int `json:"total"`
}

func newCounter(id string) *counter {
	c := &counter{}
	c.SetID(id)
	return c
}

func (c *counter) Apply(event any) error {
	switch e := event.(type) {
	case *counterAdded:
		c.Total += e.Amount
	case *counterReset:
		c.Total = 0
	default:
		return fmt.Errorf("unexpected event %T", event)
	}
	return nil
}

func (c *counter) Add(n int) error { return RaiseAndApply(c, &counterAdded{Amount: n}) }

func counterRegistry() *EventRegistry {
	r := NewRegistry()
	RegisterEvents(r, EventOf[counterAdded](), EventOf[counterReset]())
	return r
}

func newTestStore(t *testing.T, st storage.Storage) *Store {
	t.Helper()
	s, err := NewStore(t.Context(), StoreConfig{
		StreamType: "counters",
		Storage:    st,
		Registry:   counterRegistry(),
		Factory:    NewFactory(newCounter),
	})
	require.NoError(t, err)
	return s
}

func incoming(id string) Event {
	return Event{
		EventID:       id,
		TransactionID: "tx-" + id,
		StreamType:    "upstream",
		StreamID:      "src",
		Type:          "External",
	}
}

// === tests ===

func TestStore_Append(t *testing.T) {
	t.Run("assigns contiguous stream and collection versions", func(t *testing.T) {
		mem := storage.NewMem()
		store := newTestStore(t, mem)

		c := newCounter("c1")
		require.NoError(t, c.Add(1))
		require.NoError(t, c.Add(2))

		last, err := store.Append(t.Context(), c, incoming("in-1"))
		require.NoError(t, err)
		require.Equal(t, uint64(2), last)
		require.Equal(t, Version(2), c.GetVersion())
		require.Empty(t, c.Pending())
		require.Equal(t, 3, c.Total)

		require.NoError(t, c.Add(4))
		last, err = store.Append(t.Context(), c, incoming("in-2"))
		require.NoError(t, err)
		require.Equal(t, uint64(3), last)
		require.Equal(t, Version(3), c.GetVersion())

		records, err := mem.LoadStream(t.Context(), "counters", "c1")
		require.NoError(t, err)
		require.Len(t, records, 3)
		for i, r := range records {
			require.Equal(t, uint64(i+1), r.Version)
			require.Equal(t, uint64(i+1), r.CollectionVersion)
			require.Equal(t, "counterAdded", r.EventType)
		}
	})

	t.Run("conflict leaves stream and counter unchanged", func(t *testing.T) {
		mem := storage.NewMem()
		store := newTestStore(t, mem)

		c := newCounter("c1")
		require.NoError(t, c.Add(1))
		_, err := store.Append(t.Context(), c, incoming("in-1"))
		require.NoError(t, err)

		// A second writer with a stale expected version.
		stale := newCounter("c1")
		require.NoError(t, stale.Add(99))
		_, err = store.Append(t.Context(), stale, incoming("in-2"))
		require.ErrorIs(t, err, ErrConcurrencyConflict)

		require.Equal(t, uint64(1), store.CurrentVersion())
		v, err := mem.MaxStreamVersion(t.Context(), "counters", "c1")
		require.NoError(t, err)
		require.Equal(t, uint64(1), v)

		// The losing incoming event was not marked processed.
		dup, _, err := store.IsDuplicate(t.Context(), "in-2")
		require.NoError(t, err)
		require.False(t, dup)
	})

	t.Run("redelivery is a successful no-op", func(t *testing.T) {
		store := newTestStore(t, storage.NewMem())

		c := newCounter("c1")
		require.NoError(t, c.Add(1))
		_, err := store.Append(t.Context(), c, incoming("in-1"))
		require.NoError(t, err)

		again := newCounter("c1")
		require.NoError(t, again.Add(1))
		last, err := store.Append(t.Context(), again, incoming("in-1"))
		require.NoError(t, err)
		require.Equal(t, uint64(1), last)
		require.Equal(t, uint64(1), store.CurrentVersion())
	})

	t.Run("nil aggregate records inbox only", func(t *testing.T) {
		mem := storage.NewMem()
		store := newTestStore(t, mem)

		_, err := store.Append(t.Context(), nil, incoming("in-1"))
		require.NoError(t, err)

		dup, txID, err := store.IsDuplicate(t.Context(), "in-1")
		require.NoError(t, err)
		require.True(t, dup)
		require.Equal(t, "tx-in-1", txID)
		require.Equal(t, uint64(0), store.CurrentVersion())
	})

	t.Run("commit failure rolls the counter back", func(t *testing.T) {
		mem := storage.NewMem()
		store := newTestStore(t, mem)

		c := newCounter("c1")
		require.NoError(t, c.Add(1))
		_, err := store.Append(t.Context(), c, incoming("in-1"))
		require.NoError(t, err)

		mem.FailCommit = true
		require.NoError(t, c.Add(2))
		_, err = store.Append(t.Context(), c, incoming("in-2"))
		require.Error(t, err)
		require.Equal(t, uint64(1), store.CurrentVersion())

		// The reservation was released; the next append continues without a gap.
		_, err = store.Append(t.Context(), c, incoming("in-3"))
		require.NoError(t, err)
		require.Equal(t, uint64(2), store.CurrentVersion())

		records, err := mem.LoadStream(t.Context(), "counters", "c1")
		require.NoError(t, err)
		require.Len(t, records, 2)
		require.Equal(t, uint64(2), records[1].CollectionVersion)
	})
}

// slowVersionReads widens the window between the version read and the commit.
// If the conflict check ever ran outside the append serialization point,
// racing writers would both observe the stale version and both commit.
type slowVersionReads struct {
	*storage.Mem
	delay time.Duration
}

func (s *slowVersionReads) MaxStreamVersion(ctx context.Context, streamType, streamID string) (uint64, error) {
	time.Sleep(s.delay)
	return s.Mem.MaxStreamVersion(ctx, streamType, streamID)
}

func TestStore_Append_RacingWritersSameStream(t *testing.T) {
	mem := &slowVersionReads{Mem: storage.NewMem(), delay: 50 * time.Millisecond}
	store := newTestStore(t, mem)

	start := make(chan struct{})
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			c := newCounter("c1")
			if err := c.Add(1); err != nil {
				errs <- err
				return
			}
			<-start
			_, err := store.Append(t.Context(), c, incoming(fmt.Sprintf("race-%d", i)))
			errs <- err
		}(i)
	}
	close(start)

	var conflicts, successes int
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			require.ErrorIs(t, err, ErrConcurrencyConflict)
			conflicts++
		} else {
			successes++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	// Exactly one event committed, the stream stays contiguous at version 1.
	records, err := mem.LoadStream(t.Context(), "counters", "c1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].Version)
	require.Equal(t, uint64(1), store.CurrentVersion())
}

func TestStore_Append_Concurrent(t *testing.T) {
	const (
		streams         = 8
		eventsPerStream = 25
	)

	store := newTestStore(t, storage.NewMem())

	var wg sync.WaitGroup
	for i := 0; i < streams; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newCounter(fmt.Sprintf("c%d", i))
			for j := 0; j < eventsPerStream; j++ {
				require.NoError(t, c.Add(1))
				_, err := store.Append(t.Context(), c, incoming(gonanoid.Must()))
				require.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	total := uint64(streams * eventsPerStream)
	require.Equal(t, total, store.CurrentVersion())

	events, err := store.EventsForConsumer(t.Context(), 0, total, int(total), "test")
	require.NoError(t, err)
	require.Len(t, events, int(total))

	// Commit order equals version order, no duplicates, no gaps.
	seen := map[uint64]struct{}{}
	for i, e := range events {
		require.Equal(t, uint64(i+1), e.CollectionVersion)
		_, dup := seen[e.CollectionVersion]
		require.False(t, dup)
		seen[e.CollectionVersion] = struct{}{}
	}
}

func TestStore_Find(t *testing.T) {
	t.Run("hydrates from durable snapshot after restart", func(t *testing.T) {
		mem := storage.NewMem()
		store := newTestStore(t, mem)

		c := newCounter("c1")
		require.NoError(t, c.Add(7))
		_, err := store.Append(t.Context(), c, incoming("in-1"))
		require.NoError(t, err)

		// Fresh store, empty cache.
		restarted := newTestStore(t, mem)
		agg, err := restarted.Find(t.Context(), "c1")
		require.NoError(t, err)
		require.NotNil(t, agg)
		require.Equal(t, 7, agg.(*counter).Total)
		require.Equal(t, Version(1), agg.GetVersion())
	})

	t.Run("corrupt snapshot degrades to full replay", func(t *testing.T) {
		mem := storage.NewMem()
		store := newTestStore(t, mem)

		c := newCounter("c1")
		require.NoError(t, c.Add(7))
		_, err := store.Append(t.Context(), c, incoming("in-1"))
		require.NoError(t, err)

		tx, err := mem.Begin(t.Context())
		require.NoError(t, err)
		require.NoError(t, tx.UpsertSnapshot(storage.SnapshotRecord{
			StreamType: "counters",
			StreamID:   "c1",
			Version:    1,
			Payload:    []byte("not json"),
		}))
		require.NoError(t, tx.Commit())

		restarted := newTestStore(t, mem)
		agg, err := restarted.Find(t.Context(), "c1")
		require.NoError(t, err)
		require.NotNil(t, agg)
		require.Equal(t, 7, agg.(*counter).Total)
	})

	t.Run("missing stream resolves to nil", func(t *testing.T) {
		store := newTestStore(t, storage.NewMem())
		agg, err := store.Find(t.Context(), "ghost")
		require.NoError(t, err)
		require.Nil(t, agg)
	})
}

func TestStore_Get_NotFound(t *testing.T) {
	store := newTestStore(t, storage.NewMem())
	_, err := store.Get(t.Context(), "ghost")
	require.ErrorIs(t, err, ErrStreamNotFound)
}

func TestStore_DeleteSnapshot(t *testing.T) {
	mem := storage.NewMem()
	store := newTestStore(t, mem)

	c := newCounter("c1")
	require.NoError(t, c.Add(3))
	_, err := store.Append(t.Context(), c, incoming("in-1"))
	require.NoError(t, err)

	require.NoError(t, store.DeleteSnapshot(t.Context(), "c1"))
	_, err = mem.LoadSnapshot(t.Context(), "counters", "c1")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// Resolution still works via replay.
	agg, err := store.Find(t.Context(), "c1")
	require.NoError(t, err)
	require.Equal(t, 3, agg.(*counter).Total)
}

func TestStore_EventsForConsumer(t *testing.T) {
	mem := storage.NewMem()
	store := newTestStore(t, mem)

	c := newCounter("c1")
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Add(1))
		_, err := store.Append(t.Context(), c, incoming(fmt.Sprintf("in-%d", i)))
		require.NoError(t, err)
	}

	t.Run("half-open range, ascending, capped", func(t *testing.T) {
		events, err := store.EventsForConsumer(t.Context(), 1, 5, 2, "test")
		require.NoError(t, err)
		require.Len(t, events, 2)
		require.Equal(t, uint64(2), events[0].CollectionVersion)
		require.Equal(t, uint64(3), events[1].CollectionVersion)
	})

	t.Run("consumer filter reshapes payloads", func(t *testing.T) {
		filtered, err := NewStore(t.Context(), StoreConfig{
			StreamType: "counters",
			Storage:    mem,
			Registry:   counterRegistry(),
			Factory:    NewFactory(newCounter),
			ConsumerFilter: func(consumer string, payload []byte) []byte {
				return []byte(consumer)
			},
		})
		require.NoError(t, err)

		events, err := filtered.EventsForConsumer(t.Context(), 0, 5, 10, "audit")
		require.NoError(t, err)
		for _, e := range events {
			require.Equal(t, []byte("audit"), e.Payload)
		}
	})
}

func TestStore_StreamEventsForConsumer(t *testing.T) {
	mem := storage.NewMem()
	store := newTestStore(t, mem)

	c := newCounter("c1")
	require.NoError(t, c.Add(1))
	_, err := store.Append(t.Context(), c, incoming("in-1"))
	require.NoError(t, err)

	t.Run("returns matching events", func(t *testing.T) {
		events, err := store.StreamEventsForConsumer(t.Context(), 0, 1, "c1", 10, "test")
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, uint64(1), events[0].CollectionVersion)
	})

	t.Run("empty range answers with a cloaked marker", func(t *testing.T) {
		events, err := store.StreamEventsForConsumer(t.Context(), 0, 1, "other", 10, "test")
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, uint64(1), events[0].CollectionVersion)

		e, err := store.Serializer().Deserialize(events[0].Payload)
		require.NoError(t, err)
		require.True(t, e.IsCloaked())

		var body Cloaked
		require.NoError(t, json.Unmarshal(e.Data, &body))
		require.Equal(t, uint64(1), body.UpTo)
	})
}
