package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Mem is an in-memory Storage for tests and development. A transaction
// buffers its writes and applies them under the store mutex on Commit.
type Mem struct {
	mu     sync.RWMutex
	events []EventRecord
	snaps  map[string]SnapshotRecord
	inbox  map[string]InboxRecord
	subs   map[string]SubscriptionRecord

	// FailCommit forces the next commit to fail; used to exercise the
	// counter-rollback path.
	FailCommit bool
}

func NewMem() *Mem {
	return &Mem{
		snaps: map[string]SnapshotRecord{},
		inbox: map[string]InboxRecord{},
		subs:  map[string]SubscriptionRecord{},
	}
}

func streamKey(streamType, streamID string) string { return streamType + "/" + streamID }
func inboxKey(inboxStreamType, eventID string) string {
	return inboxStreamType + "/" + eventID
}
func subKey(subscriber, producer string) string { return subscriber + "->" + producer }

type memTx struct {
	m        *Mem
	events   []EventRecord
	snaps    []SnapshotRecord
	inbox    []InboxRecord
	snapDels [][2]string
	done     bool
}

func (m *Mem) Begin(_ context.Context) (Tx, error) {
	return &memTx{m: m}, nil
}

func (t *memTx) InsertEvents(events []EventRecord) error {
	t.events = append(t.events, events...)
	return nil
}

func (t *memTx) UpsertSnapshot(s SnapshotRecord) error {
	t.snaps = append(t.snaps, s)
	return nil
}

func (t *memTx) InsertInbox(i InboxRecord) error {
	t.inbox = append(t.inbox, i)
	return nil
}

func (t *memTx) DeleteSnapshot(streamType, streamID string) error {
	t.snapDels = append(t.snapDels, [2]string{streamType, streamID})
	return nil
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	if t.m.FailCommit {
		t.m.FailCommit = false
		return fmt.Errorf("commit failed (forced)")
	}

	// Validate every write before applying any, so a rejected commit leaves
	// the store untouched.
	for _, i := range t.inbox {
		k := inboxKey(i.InboxStreamType, i.EventID)
		if _, exists := t.m.inbox[k]; exists {
			return fmt.Errorf("inbox entry %s already exists", k)
		}
	}
	for _, e := range t.events {
		for _, existing := range t.m.events {
			if existing.StreamType != e.StreamType {
				continue
			}
			if existing.StreamID == e.StreamID && existing.Version == e.Version {
				return fmt.Errorf("%w: %s/%s version %d",
					ErrVersionConflict, e.StreamType, e.StreamID, e.Version)
			}
			if existing.CollectionVersion == e.CollectionVersion {
				return fmt.Errorf("%w: %s collection version %d",
					ErrVersionConflict, e.StreamType, e.CollectionVersion)
			}
		}
	}

	for _, i := range t.inbox {
		t.m.inbox[inboxKey(i.InboxStreamType, i.EventID)] = i
	}
	t.m.events = append(t.m.events, t.events...)
	for _, s := range t.snaps {
		t.m.snaps[streamKey(s.StreamType, s.StreamID)] = s
	}
	for _, d := range t.snapDels {
		delete(t.m.snaps, streamKey(d[0], d[1]))
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}

func (m *Mem) MaxCollectionVersion(_ context.Context, streamType string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for _, e := range m.events {
		if e.StreamType == streamType && e.CollectionVersion > max {
			max = e.CollectionVersion
		}
	}
	return max, nil
}

func (m *Mem) MaxStreamVersion(_ context.Context, streamType, streamID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for _, e := range m.events {
		if e.StreamType == streamType && e.StreamID == streamID && e.Version > max {
			max = e.Version
		}
	}
	return max, nil
}

func (m *Mem) LoadStream(_ context.Context, streamType, streamID string) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]EventRecord, 0)
	for _, e := range m.events {
		if e.StreamType == streamType && e.StreamID == streamID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Mem) EventsInRange(_ context.Context, streamType string, from, to uint64, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeLocked(streamType, "", from, to, limit), nil
}

func (m *Mem) StreamEventsInRange(_ context.Context, streamType, streamID string, from, to uint64, limit int) ([]EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rangeLocked(streamType, streamID, from, to, limit), nil
}

func (m *Mem) rangeLocked(streamType, streamID string, from, to uint64, limit int) []EventRecord {
	out := make([]EventRecord, 0)
	for _, e := range m.events {
		if e.StreamType != streamType {
			continue
		}
		if streamID != "" && e.StreamID != streamID {
			continue
		}
		if e.CollectionVersion > from && e.CollectionVersion <= to {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CollectionVersion < out[j].CollectionVersion })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Mem) LoadSnapshot(_ context.Context, streamType, streamID string) (SnapshotRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.snaps[streamKey(streamType, streamID)]
	if !ok {
		return SnapshotRecord{}, ErrNotFound
	}
	return s, nil
}

func (m *Mem) DeleteSnapshot(_ context.Context, streamType, streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, streamKey(streamType, streamID))
	return nil
}

func (m *Mem) InboxContains(_ context.Context, inboxStreamType, eventID string) (bool, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.inbox[inboxKey(inboxStreamType, eventID)]
	if !ok {
		return false, "", nil
	}
	return true, i.TransactionID, nil
}

func (m *Mem) Subscriptions(_ context.Context, subscriberStreamType string) ([]SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SubscriptionRecord, 0)
	for _, s := range m.subs {
		if s.SubscriberStreamType == subscriberStreamType {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamType < out[j].StreamType })
	return out, nil
}

func (m *Mem) Subscription(_ context.Context, subscriberStreamType, streamType string) (SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subs[subKey(subscriberStreamType, streamType)]
	if !ok {
		return SubscriptionRecord{}, ErrNotFound
	}
	return s, nil
}

func (m *Mem) InsertSubscription(_ context.Context, s SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey(s.SubscriberStreamType, s.StreamType)
	if _, exists := m.subs[k]; exists {
		return fmt.Errorf("subscription %s already exists", k)
	}
	m.subs[k] = s
	return nil
}

func (m *Mem) UpdateSubscription(_ context.Context, s SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey(s.SubscriberStreamType, s.StreamType)
	if _, exists := m.subs[k]; !exists {
		return ErrNotFound
	}
	m.subs[k] = s
	return nil
}

var _ Storage = (*Mem)(nil)
