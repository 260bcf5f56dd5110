package bus

import (
	"log/slog"
	"sync"
)

// InMemory is the default Bus: one buffered channel per subscriber,
// non-blocking fan-out.
type InMemory struct {
	log    *slog.Logger
	mu     sync.Mutex
	subs   []chan any
	closed bool
	buffer int
}

func NewInMemory(log *slog.Logger) *InMemory {
	if log == nil {
		log = slog.Default()
	}
	return &InMemory{
		log:    log.With(slog.String("bus", "memory")),
		buffer: 1024,
	}
}

func (b *InMemory) Publish(notification any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- notification:
		default:
			b.log.Warn("dropping notification, subscriber is saturated",
				slog.String("type", typeName(notification)))
		}
	}
}

func (b *InMemory) Subscribe() <-chan any {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan any, b.buffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *InMemory) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

func typeName(v any) string {
	switch v.(type) {
	case ProcessorStarted:
		return "processor_started"
	case ProcessorStopped:
		return "processor_stopped"
	case StoreUpdated:
		return "store_updated"
	case NewIncomingEvent:
		return "new_incoming_event"
	case IncomingEventProcessed:
		return "incoming_event_processed"
	case IncomingEventPoisoned:
		return "incoming_event_poisoned"
	case SubscriptionAcquired:
		return "subscription_acquired"
	default:
		return "unknown"
	}
}

var _ Bus = (*InMemory)(nil)
