package dispatch

import (
	"errors"
	"sync"

	"github.com/codewandler/eventcentric-go/internal/shard"
)

// ErrSchedulerClosed is returned when Submit is called on a closed scheduler.
var ErrSchedulerClosed = errors.New("scheduler is closed")

// Scheduler serializes work per stream id while letting different streams
// proceed in parallel. Stream ids are hashed onto a fixed set of worker
// goroutines, so the single-writer-per-stream guarantee holds with a bounded
// resource footprint: two events for the same stream always land on the same
// worker, in submission order.
type Scheduler struct {
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	workers []chan func()
}

// NewScheduler starts shardCount workers, each with a task buffer of
// bufferSize. Defaults: 32 shards, 64 tasks.
func NewScheduler(shardCount, bufferSize int) *Scheduler {
	if shardCount <= 0 {
		shardCount = 32
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}

	s := &Scheduler{workers: make([]chan func(), shardCount)}
	for i := range s.workers {
		ch := make(chan func(), bufferSize)
		s.workers[i] = ch
		go func() {
			for fn := range ch {
				fn()
			}
		}()
	}
	return s
}

// Submit enqueues fn on the worker owning streamID. It blocks only when that
// worker's buffer is full, which gives natural backpressure per shard.
func (s *Scheduler) Submit(streamID string, fn func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	w := s.workers[shard.ForKey(streamID, len(s.workers))]
	s.mu.Unlock()

	w <- func() {
		defer s.wg.Done()
		fn()
	}
	return nil
}

// Close stops accepting work and waits for everything already submitted to
// drain. In-flight appends finish naturally; nothing is aborted halfway.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w)
	}
	s.workers = nil
	s.mu.Unlock()
}
