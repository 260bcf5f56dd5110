package nats

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	natsgo "github.com/nats-io/nats.go"

	"github.com/codewandler/eventcentric-go/core/bus"
)

type BridgeConfig struct {
	Connect Connector // Connect creates the NATS connection. If nil, ConnectDefault() is used.
	Log     *slog.Logger
	Bus     bus.Bus
	// SubjectPrefix for notification subjects, e.g. "eventcentric" ->
	// eventcentric.<stream_type>.<kind>. Default "eventcentric".
	SubjectPrefix string
	// StreamType of the local node, used when a notification carries no
	// subscription stream type of its own.
	StreamType string
}

// Bridge forwards bus notifications to NATS. Publishing is best effort in the
// same way the bus is: a failed publish is logged and dropped, never retried.
type Bridge struct {
	nc      *natsgo.Conn
	closeNc closeFunc
	log     *slog.Logger
	bus     bus.Bus
	prefix  string
	local   string

	closed atomic.Bool
}

func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	connFn := cfg.Connect
	if connFn == nil {
		connFn = ConnectDefault()
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "eventcentric"
	}

	nc, closeNc, err := connFn()
	if err != nil {
		return nil, err
	}

	return &Bridge{
		nc:      nc,
		closeNc: closeNc,
		log:     log.With(slog.String("bridge", "nats")),
		bus:     cfg.Bus,
		prefix:  cfg.SubjectPrefix,
		local:   cfg.StreamType,
	}, nil
}

// Run forwards notifications until ctx is canceled or the bus closes.
func (b *Bridge) Run(ctx context.Context) {
	ch := b.bus.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			b.forward(n)
		}
	}
}

func (b *Bridge) forward(n any) {
	if b.closed.Load() {
		return
	}

	var (
		streamType string
		kind       string
	)
	switch v := n.(type) {
	case bus.ProcessorStarted:
		streamType, kind = b.local, "processor_started"
	case bus.ProcessorStopped:
		streamType, kind = b.local, "processor_stopped"
	case bus.StoreUpdated:
		streamType, kind = b.local, "store_updated"
	case bus.NewIncomingEvent:
		streamType, kind = v.SubscriptionStreamType, "new_incoming_event"
	case bus.IncomingEventProcessed:
		streamType, kind = v.SubscriptionStreamType, "incoming_event_processed"
	case bus.IncomingEventPoisoned:
		streamType, kind = v.SubscriptionStreamType, "incoming_event_poisoned"
	case bus.SubscriptionAcquired:
		streamType, kind = v.StreamType, "subscription_acquired"
	default:
		return
	}

	data, err := json.Marshal(n)
	if err != nil {
		b.log.Error("failed to encode notification", slog.String("kind", kind), slog.Any("error", err))
		return
	}
	subject := b.prefix + "." + streamType + "." + kind
	if err := b.nc.Publish(subject, data); err != nil {
		b.log.Warn("failed to publish notification",
			slog.String("subject", subject),
			slog.Any("error", err),
		)
	}
}

func (b *Bridge) Close() {
	if b.closed.CompareAndSwap(false, true) {
		b.closeNc()
	}
}
