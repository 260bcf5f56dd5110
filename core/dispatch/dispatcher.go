// Package dispatch routes incoming replicated events into local streams. One
// dispatcher serves one store; events for the same stream id are processed
// strictly one at a time, events for different streams run in parallel, and a
// stream that produced an unrecoverable failure is quarantined without taking
// its neighbours down.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codewandler/eventcentric-go/core/bus"
	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/subs"
)

type Config struct {
	Log     *slog.Logger
	Bus     bus.Bus
	Store   *es.Store
	Handler Handler

	// Shards is the number of dispatch workers, QueueSize the per-worker task
	// buffer. Zero takes the scheduler defaults.
	Shards    int
	QueueSize int

	// RescanInterval bounds how long a queued event waits when its wakeup
	// notification was dropped by a saturated bus. Zero takes the 1s default.
	RescanInterval time.Duration
}

type Dispatcher struct {
	log     *slog.Logger
	bus     bus.Bus
	store   *es.Store
	handler Handler
	sched   *Scheduler
	rescan  time.Duration

	mu       sync.Mutex
	poisoned map[string]struct{}
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Bus == nil {
		return nil, errors.New("bus is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is nil")
	}
	if cfg.Handler == nil {
		return nil, errors.New("handler is nil")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.RescanInterval <= 0 {
		cfg.RescanInterval = time.Second
	}
	return &Dispatcher{
		log:      cfg.Log.With(slog.String("dispatcher", cfg.Store.StreamType())),
		bus:      cfg.Bus,
		store:    cfg.Store,
		handler:  cfg.Handler,
		sched:    NewScheduler(cfg.Shards, cfg.QueueSize),
		rescan:   cfg.RescanInterval,
		poisoned: map[string]struct{}{},
	}, nil
}

// Run consumes NewIncomingEvent notifications and drains the matching buffer
// until ctx is canceled or the bus closes. The caller subscribes the channel
// before any puller starts, so no notification slips past the loop. A
// periodic sweep over all buffers covers notifications the bus dropped.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan any, buffers *subs.BufferSet) {
	d.bus.Publish(bus.ProcessorStarted{})
	defer d.bus.Publish(bus.ProcessorStopped{})

	ticker := time.NewTicker(d.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, buf := range buffers.All() {
				d.DrainBuffer(ctx, buf)
			}
		case n, ok := <-ch:
			if !ok {
				return
			}
			in, ok := n.(bus.NewIncomingEvent)
			if !ok {
				continue
			}
			if buf, ok := buffers.Get(in.SubscriptionStreamType); ok {
				d.DrainBuffer(ctx, buf)
			}
		}
	}
}

// DrainBuffer processes queued events oldest first until the buffer is empty.
// Draining fully on every wakeup makes a lost notification a delay, never a
// stall.
func (d *Dispatcher) DrainBuffer(ctx context.Context, buffer *subs.Buffer) {
	for {
		e, ok := buffer.Dequeue()
		if !ok {
			return
		}
		d.process(ctx, buffer.StreamType(), e)
	}
}

func (d *Dispatcher) process(ctx context.Context, subStreamType string, e es.Event) {
	// Cloaked markers exist only to advance the consumer position over an
	// empty range. Nothing to store, nothing to handle.
	if e.IsCloaked() {
		d.publishProcessed(subStreamType, e)
		return
	}

	payload, err := d.store.Registry().Decode(e)
	if err != nil {
		if errors.Is(err, es.ErrUnknownEventType) {
			d.log.Debug("skipping unregistered event type",
				slog.String("event_type", e.Type),
				slog.String("event_id", e.EventID),
			)
			d.recordIgnored(ctx, subStreamType, e)
			return
		}
		d.poison(subStreamType, e.StreamID, e, err)
		return
	}

	h := d.handler.Handle(e, payload)
	if h.ignored {
		d.recordIgnored(ctx, subStreamType, e)
		return
	}
	if h.streamID == "" {
		d.poison(subStreamType, "", e, errors.New("handler returned an empty stream id"))
		return
	}

	// The task must survive intake cancellation: Close drains the queue on
	// shutdown, and a draining append must not fail with context.Canceled.
	taskCtx := context.WithoutCancel(ctx)
	if err := d.sched.Submit(h.streamID, func() {
		d.handleOnStream(taskCtx, subStreamType, e, h)
	}); err != nil {
		d.log.Warn("dropping event, scheduler closed", slog.String("event_id", e.EventID))
	}
}

// handleOnStream runs on the worker owning the target stream, so at most one
// append per stream is ever in flight.
func (d *Dispatcher) handleOnStream(ctx context.Context, subStreamType string, e es.Event, h Handling) {
	defer func() {
		if r := recover(); r != nil {
			d.poison(subStreamType, h.streamID, e, fmt.Errorf("handler panic: %v", r))
		}
	}()

	if d.isPoisoned(h.streamID) {
		d.log.Warn("skipping event for poisoned stream",
			slog.String("stream_id", h.streamID),
			slog.String("event_id", e.EventID),
		)
		return
	}

	var (
		agg    es.Aggregate
		opened bool
		err    error
	)
	switch h.mode {
	case resolveExisting:
		agg, err = d.store.Get(ctx, h.streamID)
		if errors.Is(err, es.ErrStreamNotFound) {
			d.log.Info("stream not found, ignoring event",
				slog.String("stream_id", h.streamID),
				slog.String("event_id", e.EventID),
			)
			d.recordIgnored(ctx, subStreamType, e)
			return
		}
	case resolveNewIfAbsent:
		agg, err = d.store.Find(ctx, h.streamID)
		if err == nil && agg == nil {
			agg = d.store.Factory().NewEmpty(h.streamID)
			opened = true
		}
	case resolveNew:
		agg = d.store.Factory().NewEmpty(h.streamID)
		opened = true
	default:
		err = fmt.Errorf("invalid handling mode %d", h.mode)
	}
	if err != nil {
		d.poison(subStreamType, h.streamID, e, err)
		return
	}

	if err := h.apply(agg); err != nil {
		d.poison(subStreamType, h.streamID, e, err)
		return
	}

	cv, err := d.store.Append(ctx, agg, e)
	if err != nil {
		// A conflict or storage failure can race with a concurrent delivery
		// of the same event; if the inbox has it by now, someone else won and
		// this delivery is a no-op.
		if dup, _, derr := d.store.IsDuplicate(ctx, e.EventID); derr == nil && dup {
			d.log.Debug("event processed by a concurrent delivery",
				slog.String("event_id", e.EventID),
			)
			d.publishProcessed(subStreamType, e)
			return
		}
		d.poison(subStreamType, h.streamID, e, err)
		return
	}

	d.bus.Publish(bus.StoreUpdated{
		StreamID:          h.streamID,
		Version:           agg.GetVersion(),
		CollectionVersion: cv,
	})
	if opened {
		d.bus.Publish(bus.SubscriptionAcquired{
			StreamType: d.store.StreamType(),
			StreamID:   h.streamID,
		})
	}
	d.publishProcessed(subStreamType, e)
}

// recordIgnored writes the inbox entry without touching any stream, so the
// ignore decision survives re-delivery.
func (d *Dispatcher) recordIgnored(ctx context.Context, subStreamType string, e es.Event) {
	if _, err := d.store.Append(ctx, nil, e); err != nil {
		d.poison(subStreamType, e.StreamID, e, err)
		return
	}
	d.publishProcessed(subStreamType, e)
}

func (d *Dispatcher) publishProcessed(subStreamType string, e es.Event) {
	d.bus.Publish(bus.IncomingEventProcessed{
		SubscriptionStreamType: subStreamType,
		EventID:                e.EventID,
		CollectionVersion:      e.CollectionVersion,
	})
}

func (d *Dispatcher) poison(subStreamType, streamID string, e es.Event, cause error) {
	perr := &es.PoisonedError{
		StreamType: d.store.StreamType(),
		StreamID:   streamID,
		Event:      e,
		Cause:      cause,
	}

	if streamID != "" {
		d.mu.Lock()
		d.poisoned[streamID] = struct{}{}
		d.mu.Unlock()
	}

	d.log.Error("incoming event poisoned",
		slog.String("stream_id", streamID),
		slog.String("event_id", e.EventID),
		slog.Uint64("collection_version", e.CollectionVersion),
		slog.Any("cause", cause),
	)
	d.bus.Publish(bus.IncomingEventPoisoned{
		SubscriptionStreamType: subStreamType,
		Event:                  e,
		Err:                    perr,
	})
}

func (d *Dispatcher) isPoisoned(streamID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.poisoned[streamID]
	return ok
}

// PoisonedStreams lists the quarantined stream ids, sorted for stable output.
func (d *Dispatcher) PoisonedStreams() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.poisoned))
	for id := range d.poisoned {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close drains the workers. Call after the Run loop has returned.
func (d *Dispatcher) Close() { d.sched.Close() }
