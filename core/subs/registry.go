package subs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/ports/storage"
)

// Registry manages the persisted subscriptions of one consumer node.
type Registry struct {
	log        *slog.Logger
	streamType string
	storage    storage.Storage
	serializer es.Serializer
	now        func() time.Time
}

type RegistryConfig struct {
	Log        *slog.Logger
	StreamType string
	Storage    storage.Storage
	Serializer es.Serializer
	Now        func() time.Time
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.StreamType == "" {
		return nil, errors.New("stream type is empty")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if cfg.Serializer == nil {
		cfg.Serializer = es.NewJSONSerializer()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		log:        cfg.Log.With(slog.String("subscriptions", cfg.StreamType)),
		streamType: cfg.StreamType,
		storage:    cfg.Storage,
		serializer: cfg.Serializer,
		now:        cfg.Now,
	}, nil
}

// EnsureLoopback creates the canceled placeholder self-subscription on first
// run. The operator configures real url/token out of band or via TryAdd.
func (r *Registry) EnsureLoopback(ctx context.Context) error {
	loopback := r.streamType + LoopbackSuffix
	_, err := r.storage.Subscription(ctx, r.streamType, loopback)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	now := r.now()
	return r.storage.InsertSubscription(ctx, storage.SubscriptionRecord{
		SubscriberStreamType: r.streamType,
		StreamType:           loopback,
		URL:                  "none",
		Token:                "#token",
		WasCanceled:          true,
		CreatedAt:            now,
		UpdatedAt:            now,
	})
}

// TryAdd registers a new subscription on the fly. Registration is idempotent:
// it reports false without touching anything when the edge already exists.
func (r *Registry) TryAdd(ctx context.Context, producerStreamType, url, token string) (bool, error) {
	_, err := r.storage.Subscription(ctx, r.streamType, producerStreamType)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}

	now := r.now()
	if err := r.storage.InsertSubscription(ctx, storage.SubscriptionRecord{
		SubscriberStreamType: r.streamType,
		StreamType:           producerStreamType,
		URL:                  url,
		Token:                token,
		CreatedAt:            now,
		UpdatedAt:            now,
	}); err != nil {
		return false, err
	}

	r.log.Info("subscription added on the fly",
		slog.String("producer", producerStreamType),
		slog.String("url", url),
	)
	return true, nil
}

// PersistPositions records both positions and recomputes the consistency
// percentage.
func (r *Registry) PersistPositions(ctx context.Context, producerStreamType string, consumerPosition, producerPosition uint64) error {
	rec, err := r.storage.Subscription(ctx, r.streamType, producerStreamType)
	if err != nil {
		return err
	}
	rec.ConsumerPosition = consumerPosition
	rec.ProducerPosition = producerPosition
	rec.ConsistencyPct = ConsistencyPercentage(consumerPosition, producerPosition)
	rec.UpdatedAt = r.now()
	return r.storage.UpdateSubscription(ctx, rec)
}

type poisonDiagnostics struct {
	Error     string `json:"error"`
	Cause     string `json:"cause,omitempty"`
	StreamID  string `json:"stream_id"`
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
}

// FlagPoisoned flips the circuit breaker for the subscription that delivered
// the poisoned event. Recording the reason must never itself fail: both the
// diagnostics and the dead-letter payload degrade to a plain-text summary if
// serialization misbehaves.
func (r *Registry) FlagPoisoned(ctx context.Context, poisonedEvent es.Event, cause *es.PoisonedError) error {
	rec, err := r.storage.Subscription(ctx, r.streamType, poisonedEvent.StreamType)
	if err != nil {
		return err
	}

	rec.IsPoisoned = true
	rec.PoisonedVersion = poisonedEvent.CollectionVersion
	rec.UpdatedAt = r.now()

	diag := poisonDiagnostics{
		Error:     cause.Error(),
		StreamID:  poisonedEvent.StreamID,
		EventID:   poisonedEvent.EventID,
		EventType: poisonedEvent.Type,
	}
	if cause.Cause != nil {
		diag.Cause = cause.Cause.Error()
	}
	if data, err := json.Marshal(diag); err == nil {
		rec.ExceptionMessage = string(data)
	} else {
		rec.ExceptionMessage = fmt.Sprintf("error: %v, cause: %v", cause, cause.Cause)
	}

	if payload, err := r.serializer.Serialize(poisonedEvent); err == nil {
		rec.DeadLetterPayload = string(payload)
	} else {
		rec.DeadLetterPayload = fmt.Sprintf("event type: %s", poisonedEvent.Type)
	}

	if err := r.storage.UpdateSubscription(ctx, rec); err != nil {
		return err
	}

	r.log.Error("subscription flagged as poisoned",
		slog.String("producer", poisonedEvent.StreamType),
		slog.Uint64("collection_version", poisonedEvent.CollectionVersion),
		slog.Any("cause", cause.Cause),
	)
	return nil
}

// ClearPoison is the operator reset: un-poisoning is never automatic.
func (r *Registry) ClearPoison(ctx context.Context, producerStreamType string) error {
	rec, err := r.storage.Subscription(ctx, r.streamType, producerStreamType)
	if err != nil {
		return err
	}
	rec.IsPoisoned = false
	rec.PoisonedVersion = 0
	rec.ExceptionMessage = ""
	rec.DeadLetterPayload = ""
	rec.UpdatedAt = r.now()
	return r.storage.UpdateSubscription(ctx, rec)
}

// Buffers reconstructs the runtime mailboxes for every active subscription.
// The buffer version is rewound one position below the recorded consumer
// position on purpose: if the last pulled event was never processed it gets
// re-delivered, and the inbox makes the re-application a no-op.
func (r *Registry) Buffers(ctx context.Context) ([]*Buffer, error) {
	records, err := r.storage.Subscriptions(ctx, r.streamType)
	if err != nil {
		return nil, err
	}

	buffers := make([]*Buffer, 0, len(records))
	for _, rec := range records {
		if rec.IsPoisoned || rec.WasCanceled {
			continue
		}
		buffers = append(buffers, NewBuffer(
			rec.StreamType,
			rec.URL,
			rec.Token,
			int64(rec.ConsumerPosition)-1,
		))
	}
	return buffers, nil
}

// Subscriptions returns the persisted records for inspection.
func (r *Registry) Subscriptions(ctx context.Context) ([]Subscription, error) {
	records, err := r.storage.Subscriptions(ctx, r.streamType)
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(records))
	for _, rec := range records {
		out = append(out, Subscription(rec))
	}
	return out, nil
}
