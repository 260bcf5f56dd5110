package pull

import (
	"context"
	"log/slog"
	"time"

	"github.com/codewandler/eventcentric-go/core/bus"
	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/subs"
)

// Puller polls one producer on behalf of one subscription buffer.
//
// State machine: Idle -> Polling -> (Idle | Polling). The buffer's polling
// guard ensures a poll never starts while the previous one for the same
// subscription is outstanding. Backoff is interval-based, not exponential.
type Puller struct {
	log        *slog.Logger
	bus        bus.Bus
	client     Client
	buffer     *subs.Buffer
	serializer es.Serializer
	consumer   string
	interval   time.Duration
	quantity   int
}

type PullerConfig struct {
	Log        *slog.Logger
	Bus        bus.Bus
	Client     Client
	Buffer     *subs.Buffer
	Serializer es.Serializer
	// Consumer is the subscriber stream type, sent so the producer can apply
	// per-consumer filters.
	Consumer string
	// Interval between polls when the producer has nothing new. Default 1s.
	Interval time.Duration
	// Quantity caps the events requested per poll. Default 50.
	Quantity int
}

func NewPuller(cfg PullerConfig) *Puller {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Serializer == nil {
		cfg.Serializer = es.NewJSONSerializer()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.Quantity <= 0 {
		cfg.Quantity = 50
	}
	return &Puller{
		log: cfg.Log.With(
			slog.String("puller", cfg.Buffer.StreamType()),
			slog.String("url", cfg.Buffer.URL()),
		),
		bus:        cfg.Bus,
		client:     cfg.Client,
		buffer:     cfg.Buffer,
		serializer: cfg.Serializer,
		consumer:   cfg.Consumer,
		interval:   cfg.Interval,
		quantity:   cfg.Quantity,
	}
}

// Run polls until ctx is canceled. A poll that returned data triggers an
// immediate follow-up poll; an empty poll waits for the next tick.
func (p *Puller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		gotData := p.pollOnce(ctx)
		if !gotData {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		} else if ctx.Err() != nil {
			return
		}
	}
}

// pollOnce performs a single poll cycle, reporting whether new events arrived.
func (p *Puller) pollOnce(ctx context.Context) bool {
	if p.buffer.IsPoisoned() {
		return false
	}
	if !p.buffer.TrySetPolling() {
		return false
	}
	defer p.buffer.ClearPolling()

	resp, err := p.client.PollEvents(ctx, p.buffer.URL(), p.buffer.Token(), p.consumer, p.buffer.Version())
	if err != nil {
		// Timeouts and transport hiccups behave like "nothing new"; the
		// next tick retries. No special-case retry storm.
		p.log.Debug("poll failed, will retry on next tick", slog.Any("error", err))
		return false
	}

	p.buffer.SetProducerPosition(resp.ProducerVersion)

	if !resp.NewEventsFound || len(resp.Events) == 0 {
		return false
	}

	// The producer guarantees ordering; enqueue in the order received and
	// wake the dispatcher once per event.
	for _, raw := range resp.Events {
		e, err := p.serializer.Deserialize(raw.Payload)
		if err != nil {
			p.log.Error("dropping undecodable event from producer",
				slog.Uint64("collection_version", raw.CollectionVersion),
				slog.Any("error", err),
			)
			continue
		}
		e.CollectionVersion = raw.CollectionVersion
		p.buffer.Enqueue(e)
		p.bus.Publish(bus.NewIncomingEvent{
			SubscriptionStreamType: p.buffer.StreamType(),
			Event:                  e,
		})
	}

	p.log.Debug("pulled events",
		slog.Int("num_events", len(resp.Events)),
		slog.Int64("buffer_version", p.buffer.Version()),
		slog.Uint64("producer_version", resp.ProducerVersion),
	)
	return true
}
