package es

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/codewandler/eventcentric-go/ports/storage"
)

// SerializedEvent is an event as it leaves the store towards a consumer:
// its global position plus the opaque payload.
type SerializedEvent struct {
	CollectionVersion uint64 `json:"collection_version"`
	Payload           []byte `json:"payload"`
}

// ConsumerFilter reshapes or redacts a payload per subscriber before it
// leaves the store. The canonical log is never changed.
type ConsumerFilter func(consumer string, payload []byte) []byte

func defaultConsumerFilter(_ string, payload []byte) []byte { return payload }

// StoreConfig wires a Store for one stream type.
type StoreConfig struct {
	Log        *slog.Logger
	StreamType string
	Storage    storage.Storage
	Serializer Serializer
	Registry   *EventRegistry
	Factory    Factory

	// SnapshotTTL bounds how long a cached snapshot is served without
	// revalidation. Default 30m.
	SnapshotTTL time.Duration
	// PersistIncomingPayloads stores the full serialized incoming event in
	// the inbox for forensics instead of just the dedup key.
	PersistIncomingPayloads bool
	// ConsumerFilter is optional; default passes payloads through unchanged.
	ConsumerFilter ConsumerFilter
	Metrics        StoreMetrics

	// Now is the clock; defaults to time.Now. Tests pin it.
	Now func() time.Time
}

// Store owns stream append, version-conflict detection, snapshot read/write,
// inbox dedup and the collection version counter for one stream type.
type Store struct {
	log        *slog.Logger
	streamType string
	storage    storage.Storage
	serializer Serializer
	registry   *EventRegistry
	factory    Factory

	cache   *snapshotCache
	counter *collectionCounter
	sf      singleflight.Group

	persistIncomingPayloads bool
	consumerFilter          ConsumerFilter
	metrics                 StoreMetrics
	now                     func() time.Time
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.StreamType == "" {
		return nil, errors.New("stream type is empty")
	}
	if cfg.Storage == nil {
		return nil, errors.New("storage is nil")
	}
	if cfg.Serializer == nil {
		cfg.Serializer = NewJSONSerializer()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Factory == nil {
		return nil, errors.New("aggregate factory is nil")
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.ConsumerFilter == nil {
		cfg.ConsumerFilter = defaultConsumerFilter
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NopStoreMetrics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// The counter resumes at the highest committed position so version
	// order equals commit order across restarts.
	start, err := cfg.Storage.MaxCollectionVersion(ctx, cfg.StreamType)
	if err != nil {
		return nil, fmt.Errorf("failed to read max collection version: %w", err)
	}

	return &Store{
		log:                     cfg.Log.With(slog.String("store", cfg.StreamType)),
		streamType:              cfg.StreamType,
		storage:                 cfg.Storage,
		serializer:              cfg.Serializer,
		registry:                cfg.Registry,
		factory:                 cfg.Factory,
		cache:                   newSnapshotCache(cfg.SnapshotTTL),
		counter:                 newCollectionCounter(start),
		persistIncomingPayloads: cfg.PersistIncomingPayloads,
		consumerFilter:          cfg.ConsumerFilter,
		metrics:                 cfg.Metrics,
		now:                     cfg.Now,
	}, nil
}

func (s *Store) StreamType() string { return s.streamType }

// CurrentVersion is the producer position advertised to consumers.
func (s *Store) CurrentVersion() uint64 { return s.counter.Current() }

// Registry exposes the decoder for dispatch.
func (s *Store) Registry() *EventRegistry { return s.registry }

// Serializer exposes the wire codec shared with transport adapters.
func (s *Store) Serializer() Serializer { return s.serializer }

// Factory exposes aggregate construction for dispatch.
func (s *Store) Factory() Factory { return s.factory }

// Append persists the aggregate's pending events caused by incomingEvent as
// one atomic unit: inbox entry, events with commit-time collection versions,
// snapshot upsert and the denormalization hook. Re-delivery of an already
// processed incoming event is a successful no-op. A nil aggregate records the
// incoming event in the inbox only ("ignored, but never again").
func (s *Store) Append(ctx context.Context, agg Aggregate, incomingEvent Event) (uint64, error) {
	defer s.metrics.AppendDuration(s.streamType).ObserveDuration()

	dup, _, err := s.storage.InboxContains(ctx, s.streamType, incomingEvent.EventID)
	if err != nil {
		return 0, fmt.Errorf("inbox lookup failed: %w", err)
	}
	if dup {
		s.metrics.DuplicateSkipped(s.streamType)
		return s.counter.Current(), nil
	}

	now := s.now()
	tx, err := s.storage.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin unit of work: %w", err)
	}

	if agg == nil {
		if err := tx.InsertInbox(s.inboxRecord(incomingEvent, now)); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return s.counter.Current(), nil
	}

	streamID := agg.GetID()
	if streamID == "" {
		_ = tx.Rollback()
		return 0, errors.New("aggregate has an empty stream id")
	}

	var (
		expect  = agg.GetVersion()
		pending = agg.Pending()
		envs    = make([]Event, 0, len(pending))
	)

	if len(pending) > 0 {
		v := expect
		for _, ev := range pending {
			v++
			data, err := marshalEventData(ev)
			if err != nil {
				_ = tx.Rollback()
				return 0, fmt.Errorf("failed to serialize pending event %T: %w", ev, err)
			}
			envs = append(envs, Event{
				EventID:       gonanoid.Must(),
				TransactionID: incomingEvent.TransactionID,
				CorrelationID: incomingEvent.EventID,
				StreamType:    s.streamType,
				StreamID:      streamID,
				Version:       v,
				Type:          EventTypeOf(ev),
				UtcTime:       now.UTC(),
				LocalTime:     now,
				Data:          data,
			})
		}

		snapData, err := snapshotData(agg)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("failed to snapshot stream %s: %w", streamID, err)
		}
		if err := tx.UpsertSnapshot(storage.SnapshotRecord{
			StreamType: s.streamType,
			StreamID:   streamID,
			Version:    v.Uint64(),
			Payload:    snapData,
			CreatedAt:  now,
			UpdatedAt:  now,
		}); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}

	if err := tx.InsertInbox(s.inboxRecord(incomingEvent, now)); err != nil {
		_ = tx.Rollback()
		return 0, err
	}

	if d, ok := any(agg).(Denormalizer); ok {
		if err := d.Update(tx); err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("denormalization hook failed: %w", err)
		}
	}

	last, err := s.counter.AppendAtomically(len(envs), func(first uint64) error {
		// The version check runs inside the serialization point, so two
		// racing appends to one stream can never both observe the same
		// current version and both commit.
		if len(envs) > 0 {
			current, err := s.storage.MaxStreamVersion(ctx, s.streamType, streamID)
			if err != nil {
				return err
			}
			if current != expect.Uint64() {
				return fmt.Errorf("%w: stream %s at version %d, append expected %d",
					ErrConcurrencyConflict, streamID, current, expect)
			}
		}

		records := make([]storage.EventRecord, 0, len(envs))
		for i := range envs {
			envs[i].CollectionVersion = first + uint64(i)
			payload, err := s.serializer.Serialize(envs[i])
			if err != nil {
				return fmt.Errorf("failed to serialize event %s: %w", envs[i].EventID, err)
			}
			records = append(records, storage.EventRecord{
				StreamType:        envs[i].StreamType,
				StreamID:          envs[i].StreamID,
				Version:           envs[i].Version.Uint64(),
				CollectionVersion: envs[i].CollectionVersion,
				EventID:           envs[i].EventID,
				TransactionID:     envs[i].TransactionID,
				CorrelationID:     envs[i].CorrelationID,
				EventType:         envs[i].Type,
				UtcTime:           envs[i].UtcTime,
				LocalTime:         envs[i].LocalTime,
				Payload:           payload,
			})
		}
		if err := tx.InsertEvents(records); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		_ = tx.Rollback()
		// Do not trust the cached state for this stream anymore.
		s.cache.MarkStale(streamID)
		if errors.Is(err, storage.ErrVersionConflict) {
			// The uniqueness backstop caught a writer this process never
			// saw, e.g. a second node on the same database.
			err = fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			s.metrics.ConcurrencyConflict(s.streamType)
			s.log.Debug(
				"append rejected, stream moved",
				slog.String("stream_id", streamID),
				slog.String("incoming_event_id", incomingEvent.EventID),
				slog.Any("error", err),
			)
			return 0, err
		}
		s.log.Error(
			"append failed, counter rolled back",
			slog.String("stream_id", streamID),
			slog.String("incoming_event_id", incomingEvent.EventID),
			slog.Any("error", err),
		)
		return 0, err
	}

	newVersion := expect + Version(len(envs))
	agg.setVersion(newVersion)
	agg.ClearPending()

	// Refresh the cache only after the durable commit succeeded; caching
	// unpersisted state would poison every reader.
	if len(envs) > 0 {
		snapData, snapErr := snapshotData(agg)
		if snapErr == nil {
			s.cache.Put(streamID, storage.SnapshotRecord{
				StreamType: s.streamType,
				StreamID:   streamID,
				Version:    newVersion.Uint64(),
				Payload:    snapData,
				UpdatedAt:  now,
			})
		}
	}

	s.metrics.EventsAppended(s.streamType, len(envs))
	s.log.Debug(
		"appended",
		slog.String("stream_id", streamID),
		slog.Int("num_events", len(envs)),
		slog.Uint64("collection_version", last),
		newVersion.SlogAttr(),
	)

	return last, nil
}

// Find resolves the aggregate for streamID, or nil when the stream does not
// exist. Cache first, then durable snapshot, then full replay. A corrupt or
// incompatible snapshot degrades to full replay with a logged anomaly, never
// a silent failure.
func (s *Store) Find(ctx context.Context, streamID string) (Aggregate, error) {
	defer s.metrics.FindDuration(s.streamType).ObserveDuration()

	if rec, ok := s.cache.Get(streamID); ok {
		s.metrics.CacheHit(s.streamType)
		agg, err := s.factory.NewFromSnapshot(streamID, Version(rec.Version), rec.Payload)
		if err == nil {
			return agg, nil
		}
		s.metrics.SnapshotFallback(s.streamType)
		s.log.Error(
			"failed to hydrate from cached snapshot, replaying full stream",
			slog.String("stream_id", streamID),
			slog.Any("error", err),
		)
		return s.findFromFullStream(ctx, streamID)
	}
	s.metrics.CacheMiss(s.streamType)

	// Concurrent misses for the same stream share one durable read.
	v, err, _ := s.sf.Do(streamID, func() (any, error) {
		rec, err := s.storage.LoadSnapshot(ctx, s.streamType, streamID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return (*storage.SnapshotRecord)(nil), nil
			}
			return nil, err
		}
		return &rec, nil
	})
	if err != nil {
		return nil, err
	}

	if rec := v.(*storage.SnapshotRecord); rec != nil {
		agg, err := s.factory.NewFromSnapshot(streamID, Version(rec.Version), rec.Payload)
		if err == nil {
			s.cache.Put(streamID, *rec)
			return agg, nil
		}
		s.metrics.SnapshotFallback(s.streamType)
		s.log.Error(
			"failed to hydrate from stored snapshot, replaying full stream",
			slog.String("stream_id", streamID),
			slog.Any("error", err),
		)
	}

	return s.findFromFullStream(ctx, streamID)
}

func (s *Store) findFromFullStream(ctx context.Context, streamID string) (Aggregate, error) {
	records, err := s.storage.LoadStream(ctx, s.streamType, streamID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	events := make([]Event, 0, len(records))
	for _, r := range records {
		e, err := s.serializer.Deserialize(r.Payload)
		if err != nil {
			return nil, fmt.Errorf("corrupt event %s in stream %s: %w", r.EventID, streamID, err)
		}
		events = append(events, e)
	}
	return s.factory.NewFromHistory(streamID, events, s.registry)
}

// Get is Find that fails with ErrStreamNotFound instead of returning nil.
func (s *Store) Get(ctx context.Context, streamID string) (Aggregate, error) {
	agg, err := s.Find(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if agg == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrStreamNotFound, s.streamType, streamID)
	}
	return agg, nil
}

// IsDuplicate distinguishes "already handled" from "genuinely new but
// failing". It returns the transaction id recorded for the duplicate.
func (s *Store) IsDuplicate(ctx context.Context, eventID string) (bool, string, error) {
	return s.storage.InboxContains(ctx, s.streamType, eventID)
}

// EventsForConsumer returns events with from < collectionVersion <= to,
// ascending, capped at quantity, each payload passed through the consumer
// filter.
func (s *Store) EventsForConsumer(ctx context.Context, from, to uint64, quantity int, consumer string) ([]SerializedEvent, error) {
	records, err := s.storage.EventsInRange(ctx, s.streamType, from, to, quantity)
	if err != nil {
		return nil, err
	}
	return s.serializedEvents(records, consumer), nil
}

// StreamEventsForConsumer is EventsForConsumer scoped to one stream id. When
// nothing matches, it returns a single cloaked marker carrying the to
// boundary: "no gap, just nothing new yet for this stream".
func (s *Store) StreamEventsForConsumer(ctx context.Context, from, to uint64, streamID string, quantity int, consumer string) ([]SerializedEvent, error) {
	records, err := s.storage.StreamEventsInRange(ctx, s.streamType, streamID, from, to, quantity)
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return s.serializedEvents(records, consumer), nil
	}

	payload, err := s.serializer.Serialize(NewCloakedEvent(s.streamType, streamID, to, s.now()))
	if err != nil {
		return nil, fmt.Errorf("failed to serialize cloaked marker: %w", err)
	}
	return []SerializedEvent{{CollectionVersion: to, Payload: payload}}, nil
}

// DeleteSnapshot evicts the cached and durable snapshot, forcing the next
// Find through full replay.
func (s *Store) DeleteSnapshot(ctx context.Context, streamID string) error {
	s.cache.Delete(streamID)
	return s.storage.DeleteSnapshot(ctx, s.streamType, streamID)
}

func (s *Store) serializedEvents(records []storage.EventRecord, consumer string) []SerializedEvent {
	out := make([]SerializedEvent, 0, len(records))
	for _, r := range records {
		out = append(out, SerializedEvent{
			CollectionVersion: r.CollectionVersion,
			Payload:           s.consumerFilter(consumer, r.Payload),
		})
	}
	return out
}

func (s *Store) inboxRecord(incoming Event, now time.Time) storage.InboxRecord {
	rec := storage.InboxRecord{
		InboxStreamType: s.streamType,
		EventID:         incoming.EventID,
		TransactionID:   incoming.TransactionID,
		CreatedAt:       now,
	}
	if s.persistIncomingPayloads {
		rec.StreamType = incoming.StreamType
		rec.StreamID = incoming.StreamID
		rec.Version = incoming.Version.Uint64()
		rec.EventType = incoming.Type
		if payload, err := s.serializer.Serialize(incoming); err == nil {
			rec.Payload = payload
		}
	}
	return rec
}
