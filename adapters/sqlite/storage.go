// Package sqlite is the durable storage adapter backed by an embedded SQLite
// database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/codewandler/eventcentric-go/ports/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	stream_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	collection_version INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	utc_time_ns INTEGER NOT NULL,
	local_time_ns INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY (stream_type, stream_id, version),
	UNIQUE (stream_type, collection_version),
	UNIQUE (stream_type, event_id)
);

CREATE INDEX IF NOT EXISTS idx_events_collection
	ON events(stream_type, collection_version);

CREATE TABLE IF NOT EXISTS snapshots (
	stream_type TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	version INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created_at_ns INTEGER NOT NULL,
	updated_at_ns INTEGER NOT NULL,
	PRIMARY KEY (stream_type, stream_id)
);

CREATE TABLE IF NOT EXISTS inbox (
	inbox_stream_type TEXT NOT NULL,
	event_id TEXT NOT NULL,
	transaction_id TEXT NOT NULL DEFAULT '',
	stream_type TEXT NOT NULL DEFAULT '',
	stream_id TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	event_type TEXT NOT NULL DEFAULT '',
	payload BLOB,
	created_at_ns INTEGER NOT NULL,
	PRIMARY KEY (inbox_stream_type, event_id)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	subscriber_stream_type TEXT NOT NULL,
	stream_type TEXT NOT NULL,
	url TEXT NOT NULL,
	token TEXT NOT NULL,
	consumer_position INTEGER NOT NULL DEFAULT 0,
	producer_position INTEGER NOT NULL DEFAULT 0,
	consistency_pct REAL NOT NULL DEFAULT 0,
	is_poisoned INTEGER NOT NULL DEFAULT 0,
	was_canceled INTEGER NOT NULL DEFAULT 0,
	poisoned_version INTEGER NOT NULL DEFAULT 0,
	exception_message TEXT NOT NULL DEFAULT '',
	dead_letter_payload TEXT NOT NULL DEFAULT '',
	created_at_ns INTEGER NOT NULL,
	updated_at_ns INTEGER NOT NULL,
	PRIMARY KEY (subscriber_stream_type, stream_type)
);
`

// Storage implements the durable storage boundary on one SQLite database.
type Storage struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*Storage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error { return s.db.Close() }

func (s *Storage) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqlTx{ctx: ctx, tx: tx}, nil
}

func (s *Storage) MaxCollectionVersion(ctx context.Context, streamType string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(collection_version), 0) FROM events WHERE stream_type = ?`,
		streamType,
	).Scan(&v)
	return v, err
}

func (s *Storage) MaxStreamVersion(ctx context.Context, streamType, streamID string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID,
	).Scan(&v)
	return v, err
}

const eventColumns = `stream_type, stream_id, version, collection_version, event_id,
	transaction_id, correlation_id, event_type, utc_time_ns, local_time_ns, payload`

func (s *Storage) LoadStream(ctx context.Context, streamType, streamID string) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND stream_id = ?
		 ORDER BY version ASC`,
		streamType, streamID,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Storage) EventsInRange(ctx context.Context, streamType string, from, to uint64, limit int) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND collection_version > ? AND collection_version <= ?
		 ORDER BY collection_version ASC
		 LIMIT ?`,
		streamType, from, to, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Storage) StreamEventsInRange(ctx context.Context, streamType, streamID string, from, to uint64, limit int) ([]storage.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE stream_type = ? AND stream_id = ? AND collection_version > ? AND collection_version <= ?
		 ORDER BY collection_version ASC
		 LIMIT ?`,
		streamType, streamID, from, to, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (s *Storage) LoadSnapshot(ctx context.Context, streamType, streamID string) (storage.SnapshotRecord, error) {
	var (
		rec                  storage.SnapshotRecord
		createdNS, updatedNS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT stream_type, stream_id, version, payload, created_at_ns, updated_at_ns
		 FROM snapshots WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID,
	).Scan(&rec.StreamType, &rec.StreamID, &rec.Version, &rec.Payload, &createdNS, &updatedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SnapshotRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SnapshotRecord{}, err
	}
	rec.CreatedAt = time.Unix(0, createdNS)
	rec.UpdatedAt = time.Unix(0, updatedNS)
	return rec, nil
}

func (s *Storage) DeleteSnapshot(ctx context.Context, streamType, streamID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID,
	)
	return err
}

func (s *Storage) InboxContains(ctx context.Context, inboxStreamType, eventID string) (bool, string, error) {
	var transactionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT transaction_id FROM inbox WHERE inbox_stream_type = ? AND event_id = ?`,
		inboxStreamType, eventID,
	).Scan(&transactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, transactionID, nil
}

func (s *Storage) Subscriptions(ctx context.Context, subscriberStreamType string) ([]storage.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE subscriber_stream_type = ?
		 ORDER BY stream_type ASC`,
		subscriberStreamType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Storage) Subscription(ctx context.Context, subscriberStreamType, streamType string) (storage.SubscriptionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE subscriber_stream_type = ? AND stream_type = ?`,
		subscriberStreamType, streamType,
	)
	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SubscriptionRecord{}, storage.ErrNotFound
	}
	return rec, err
}

func (s *Storage) InsertSubscription(ctx context.Context, rec storage.SubscriptionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SubscriberStreamType, rec.StreamType, rec.URL, rec.Token,
		rec.ConsumerPosition, rec.ProducerPosition, rec.ConsistencyPct,
		boolInt(rec.IsPoisoned), boolInt(rec.WasCanceled), rec.PoisonedVersion,
		rec.ExceptionMessage, rec.DeadLetterPayload,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *Storage) UpdateSubscription(ctx context.Context, rec storage.SubscriptionRecord) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET
			url = ?, token = ?, consumer_position = ?, producer_position = ?,
			consistency_pct = ?, is_poisoned = ?, was_canceled = ?, poisoned_version = ?,
			exception_message = ?, dead_letter_payload = ?, updated_at_ns = ?
		 WHERE subscriber_stream_type = ? AND stream_type = ?`,
		rec.URL, rec.Token, rec.ConsumerPosition, rec.ProducerPosition,
		rec.ConsistencyPct, boolInt(rec.IsPoisoned), boolInt(rec.WasCanceled), rec.PoisonedVersion,
		rec.ExceptionMessage, rec.DeadLetterPayload, rec.UpdatedAt.UnixNano(),
		rec.SubscriberStreamType, rec.StreamType,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// sqlTx buffers nothing: the database transaction is the unit of work.
type sqlTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqlTx) InsertEvents(events []storage.EventRecord) error {
	for _, e := range events {
		if _, err := t.tx.ExecContext(t.ctx,
			`INSERT INTO events (`+eventColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.StreamType, e.StreamID, e.Version, e.CollectionVersion, e.EventID,
			e.TransactionID, e.CorrelationID, e.EventType,
			e.UtcTime.UnixNano(), e.LocalTime.UnixNano(), e.Payload,
		); err != nil {
			if isConstraintErr(err) {
				return fmt.Errorf("%w: event %s for %s/%s version %d",
					storage.ErrVersionConflict, e.EventID, e.StreamType, e.StreamID, e.Version)
			}
			return fmt.Errorf("failed to insert event %s: %w", e.EventID, err)
		}
	}
	return nil
}

// isConstraintErr reports whether err is any SQLITE_CONSTRAINT violation,
// extended codes included.
func isConstraintErr(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code()&0xff == sqlitelib.SQLITE_CONSTRAINT
}

func (t *sqlTx) UpsertSnapshot(rec storage.SnapshotRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO snapshots (stream_type, stream_id, version, payload, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stream_type, stream_id)
		 DO UPDATE SET version = excluded.version, payload = excluded.payload,
			updated_at_ns = excluded.updated_at_ns`,
		rec.StreamType, rec.StreamID, rec.Version, rec.Payload,
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	return err
}

func (t *sqlTx) InsertInbox(rec storage.InboxRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO inbox (inbox_stream_type, event_id, transaction_id, stream_type,
			stream_id, version, event_type, payload, created_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InboxStreamType, rec.EventID, rec.TransactionID, rec.StreamType,
		rec.StreamID, rec.Version, rec.EventType, rec.Payload, rec.CreatedAt.UnixNano(),
	)
	return err
}

func (t *sqlTx) DeleteSnapshot(streamType, streamID string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM snapshots WHERE stream_type = ? AND stream_id = ?`,
		streamType, streamID,
	)
	return err
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

const subscriptionColumns = `subscriber_stream_type, stream_type, url, token,
	consumer_position, producer_position, consistency_pct, is_poisoned, was_canceled,
	poisoned_version, exception_message, dead_letter_payload, created_at_ns, updated_at_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (storage.SubscriptionRecord, error) {
	var (
		rec                  storage.SubscriptionRecord
		poisoned, canceled   int
		createdNS, updatedNS int64
	)
	err := row.Scan(
		&rec.SubscriberStreamType, &rec.StreamType, &rec.URL, &rec.Token,
		&rec.ConsumerPosition, &rec.ProducerPosition, &rec.ConsistencyPct,
		&poisoned, &canceled, &rec.PoisonedVersion,
		&rec.ExceptionMessage, &rec.DeadLetterPayload, &createdNS, &updatedNS,
	)
	if err != nil {
		return storage.SubscriptionRecord{}, err
	}
	rec.IsPoisoned = poisoned != 0
	rec.WasCanceled = canceled != 0
	rec.CreatedAt = time.Unix(0, createdNS)
	rec.UpdatedAt = time.Unix(0, updatedNS)
	return rec, nil
}

func scanEvents(rows *sql.Rows) ([]storage.EventRecord, error) {
	defer rows.Close()

	var out []storage.EventRecord
	for rows.Next() {
		var (
			rec            storage.EventRecord
			utcNS, localNS int64
		)
		if err := rows.Scan(
			&rec.StreamType, &rec.StreamID, &rec.Version, &rec.CollectionVersion,
			&rec.EventID, &rec.TransactionID, &rec.CorrelationID, &rec.EventType,
			&utcNS, &localNS, &rec.Payload,
		); err != nil {
			return nil, err
		}
		rec.UtcTime = time.Unix(0, utcNS).UTC()
		rec.LocalTime = time.Unix(0, localNS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ storage.Storage = (*Storage)(nil)
