package es

import (
	"sync"
	"time"

	"github.com/codewandler/eventcentric-go/ports/storage"
)

type cacheState int

const (
	cacheFresh cacheState = iota
	cacheStale
)

// cached is an explicit two-state cache value: Fresh carries usable
// materialized state, Stale means the entry must not be trusted until the
// next durable commit refreshes it.
type cached struct {
	state     cacheState
	rec       storage.SnapshotRecord
	expiresAt time.Time
}

// snapshotCache is the in-memory, time-expiring snapshot cache. The
// authoritative copy lives in the snapshot table; entries here are refreshed
// only after a durable commit succeeds and are flagged stale, not deleted, on
// append failure.
type snapshotCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cached
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &snapshotCache{ttl: ttl, entries: map[string]cached{}}
}

func (c *snapshotCache) Get(streamID string) (storage.SnapshotRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[streamID]
	if !ok || e.state != cacheFresh || time.Now().After(e.expiresAt) {
		return storage.SnapshotRecord{}, false
	}
	return e.rec, true
}

func (c *snapshotCache) Put(streamID string, rec storage.SnapshotRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[streamID] = cached{
		state:     cacheFresh,
		rec:       rec,
		expiresAt: time.Now().Add(c.ttl),
	}
}

// MarkStale invalidates an entry without discarding it, so an operator can
// still inspect what the node believed before the failed append.
func (c *snapshotCache) MarkStale(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[streamID]; ok {
		e.state = cacheStale
		c.entries[streamID] = e
	}
}

func (c *snapshotCache) Delete(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, streamID)
}
