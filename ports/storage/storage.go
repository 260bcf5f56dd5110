// Package storage defines the durable-storage boundary of the runtime:
// queryable ordered access to events, snapshots, the inbox and subscriptions,
// with atomic multi-row commit for the append unit of work. How rows are
// physically read and written is the adapter's concern.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned by Tx when an event insert collides with
	// an already committed stream version or collection version row. It is
	// the storage-level backstop behind the store's optimistic check.
	ErrVersionConflict = errors.New("stream version conflict")
)

// EventRecord is one persisted event row.
type EventRecord struct {
	StreamType        string
	StreamID          string
	Version           uint64
	CollectionVersion uint64
	EventID           string
	TransactionID     string
	CorrelationID     string
	EventType         string
	UtcTime           time.Time
	LocalTime         time.Time
	Payload           []byte
}

// SnapshotRecord is the materialized aggregate state for one stream.
type SnapshotRecord struct {
	StreamType string
	StreamID   string
	Version    uint64
	Payload    []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InboxRecord is one dedup ledger entry, keyed by the incoming event id.
type InboxRecord struct {
	InboxStreamType string
	EventID         string
	TransactionID   string
	StreamType      string
	StreamID        string
	Version         uint64
	EventType       string
	Payload         []byte
	CreatedAt       time.Time
}

// SubscriptionRecord is one persisted consumer->producer replication edge.
type SubscriptionRecord struct {
	SubscriberStreamType string
	StreamType           string
	URL                  string
	Token                string
	ConsumerPosition     uint64
	ProducerPosition     uint64
	ConsistencyPct       float64
	IsPoisoned           bool
	WasCanceled          bool
	PoisonedVersion      uint64
	ExceptionMessage     string
	DeadLetterPayload    string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Tx is the atomic unit of work for an append. Either every write in it
// becomes durable or none does.
type Tx interface {
	InsertEvents(events []EventRecord) error
	UpsertSnapshot(s SnapshotRecord) error
	InsertInbox(i InboxRecord) error
	DeleteSnapshot(streamType, streamID string) error
	Commit() error
	Rollback() error
}

// Storage is the durable backing of one node.
type Storage interface {
	Begin(ctx context.Context) (Tx, error)

	// MaxCollectionVersion returns the highest committed collection version
	// for the stream type, or 0 when the log is empty.
	MaxCollectionVersion(ctx context.Context, streamType string) (uint64, error)
	// MaxStreamVersion returns the current version of one stream, or 0.
	MaxStreamVersion(ctx context.Context, streamType, streamID string) (uint64, error)

	// LoadStream returns all events of one stream ordered by version.
	LoadStream(ctx context.Context, streamType, streamID string) ([]EventRecord, error)
	// EventsInRange returns events with from < collectionVersion <= to,
	// ascending, capped at limit.
	EventsInRange(ctx context.Context, streamType string, from, to uint64, limit int) ([]EventRecord, error)
	// StreamEventsInRange is EventsInRange scoped to one stream id.
	StreamEventsInRange(ctx context.Context, streamType, streamID string, from, to uint64, limit int) ([]EventRecord, error)

	LoadSnapshot(ctx context.Context, streamType, streamID string) (SnapshotRecord, error)
	DeleteSnapshot(ctx context.Context, streamType, streamID string) error

	// InboxContains reports whether the incoming event id was already
	// processed and, if so, the transaction id recorded for it.
	InboxContains(ctx context.Context, inboxStreamType, eventID string) (bool, string, error)

	Subscriptions(ctx context.Context, subscriberStreamType string) ([]SubscriptionRecord, error)
	Subscription(ctx context.Context, subscriberStreamType, streamType string) (SubscriptionRecord, error)
	InsertSubscription(ctx context.Context, s SubscriptionRecord) error
	UpdateSubscription(ctx context.Context, s SubscriptionRecord) error
}
