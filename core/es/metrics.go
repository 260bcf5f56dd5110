package es

import "github.com/codewandler/eventcentric-go/core/metrics"

// StoreMetrics defines the instruments the event store records.
// Implementations must be thread-safe.
type StoreMetrics interface {
	AppendDuration(streamType string) metrics.Timer
	EventsAppended(streamType string, count int)
	ConcurrencyConflict(streamType string)
	DuplicateSkipped(streamType string)

	CacheHit(streamType string)
	CacheMiss(streamType string)
	SnapshotFallback(streamType string)

	FindDuration(streamType string) metrics.Timer
}

type nopStoreMetrics struct{}

func (nopStoreMetrics) AppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopStoreMetrics) EventsAppended(string, int)          {}
func (nopStoreMetrics) ConcurrencyConflict(string)          {}
func (nopStoreMetrics) DuplicateSkipped(string)             {}

func (nopStoreMetrics) CacheHit(string)         {}
func (nopStoreMetrics) CacheMiss(string)        {}
func (nopStoreMetrics) SnapshotFallback(string) {}

func (nopStoreMetrics) FindDuration(string) metrics.Timer { return metrics.NopTimer() }

// NopStoreMetrics returns a no-op StoreMetrics implementation.
func NopStoreMetrics() StoreMetrics { return nopStoreMetrics{} }
