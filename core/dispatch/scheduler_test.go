package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScheduler_SerializesPerKey(t *testing.T) {
	s := NewScheduler(4, 16)
	defer s.Close()

	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
	)
	wg.Add(100)
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, s.Submit("stream-1", func() {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	wg.Wait()

	// Same key means same worker means submission order.
	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestScheduler_ParallelKeys(t *testing.T) {
	s := NewScheduler(8, 16)
	defer s.Close()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		key := string(rune('a' + i))
		for j := 0; j < 10; j++ {
			wg.Add(1)
			require.NoError(t, s.Submit(key, func() {
				defer wg.Done()
				count.Add(1)
			}))
		}
	}
	wg.Wait()
	require.Equal(t, int64(80), count.Load())
}

func TestScheduler_Close(t *testing.T) {
	s := NewScheduler(2, 4)

	var done atomic.Bool
	require.NoError(t, s.Submit("k", func() { done.Store(true) }))

	// Close waits for submitted work, then rejects new work.
	s.Close()
	require.True(t, done.Load())
	require.ErrorIs(t, s.Submit("k", func() {}), ErrSchedulerClosed)

	// Closing twice is harmless.
	s.Close()
}
