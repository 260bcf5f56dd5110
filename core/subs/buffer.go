package subs

import (
	"sync"
	"sync/atomic"

	"github.com/codewandler/eventcentric-go/core/es"
)

// Buffer is the runtime-only mirror of one subscription: the position to
// resume pulling from, the polling guard, a queue of not-yet-dispatched
// events and the set of events currently in the processor. It is never
// persisted; the registry reconstructs it at startup.
type Buffer struct {
	streamType string
	url        string
	token      string

	// version is the highest collection version the puller has requested
	// up to. int64 because the startup rewind can take it to -1.
	version  atomic.Int64
	producer atomic.Uint64
	polling  atomic.Bool
	poisoned atomic.Bool

	mu          sync.Mutex
	queue       []es.Event
	outstanding map[uint64]struct{}
	maxApplied  uint64
	maxSeen     uint64
}

func NewBuffer(streamType, url, token string, version int64) *Buffer {
	b := &Buffer{
		streamType:  streamType,
		url:         url,
		token:       token,
		outstanding: map[uint64]struct{}{},
	}
	b.version.Store(version)
	if version > 0 {
		b.maxApplied = uint64(version)
	}
	return b
}

func (b *Buffer) StreamType() string { return b.streamType }
func (b *Buffer) URL() string        { return b.url }
func (b *Buffer) Token() string      { return b.token }

// Version is the position the next poll resumes from.
func (b *Buffer) Version() int64 { return b.version.Load() }

// TrySetPolling flips the polling guard; a poll never starts while the
// previous one for this subscription is outstanding.
func (b *Buffer) TrySetPolling() bool { return b.polling.CompareAndSwap(false, true) }
func (b *Buffer) ClearPolling()       { b.polling.Store(false) }
func (b *Buffer) IsPolling() bool     { return b.polling.Load() }

// SetProducerPosition records the producer's advertised max, straight from
// the latest poll response.
func (b *Buffer) SetProducerPosition(v uint64) { b.producer.Store(v) }
func (b *Buffer) ProducerPosition() uint64     { return b.producer.Load() }

func (b *Buffer) IsPoisoned() bool { return b.poisoned.Load() }
func (b *Buffer) SetPoisoned()     { b.poisoned.Store(true) }

// Enqueue appends a pulled event in arrival order and advances the pull
// position. The producer guarantees ordering; the buffer must not reorder.
func (b *Buffer) Enqueue(e es.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = append(b.queue, e)
	b.outstanding[e.CollectionVersion] = struct{}{}
	if e.CollectionVersion > b.maxSeen {
		b.maxSeen = e.CollectionVersion
	}
	if v := int64(e.CollectionVersion); v > b.version.Load() {
		b.version.Store(v)
	}
}

// Dequeue hands the oldest queued event to the processor.
func (b *Buffer) Dequeue() (es.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return es.Event{}, false
	}
	e := b.queue[0]
	b.queue = b.queue[1:]
	return e, true
}

// Ack marks a collection version as applied and returns the safe consumer
// position: the highest version below which nothing is outstanding. The
// position never advances past unprocessed work, so a partial failure can
// never skip events.
func (b *Buffer) Ack(collectionVersion uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.outstanding, collectionVersion)
	if collectionVersion > b.maxApplied {
		b.maxApplied = collectionVersion
	}
	return b.consumerPositionLocked()
}

// ConsumerPosition reports the current safe position without acking.
func (b *Buffer) ConsumerPosition() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumerPositionLocked()
}

func (b *Buffer) consumerPositionLocked() uint64 {
	if len(b.outstanding) == 0 {
		return b.maxApplied
	}
	min := uint64(0)
	for v := range b.outstanding {
		if min == 0 || v < min {
			min = v
		}
	}
	return min - 1
}

// Busy reports whether the subscription has outstanding work: queued events
// or events still in the processor.
func (b *Buffer) Busy() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0 || len(b.outstanding) > 0
}
