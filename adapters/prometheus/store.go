package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/metrics"
)

// storeMetrics implements es.StoreMetrics using Prometheus.
type storeMetrics struct {
	appendDuration       *prometheus.HistogramVec
	findDuration         *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec
	duplicatesSkipped    *prometheus.CounterVec
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	snapshotFallbacks    *prometheus.CounterVec
}

// NewStoreMetrics creates a Prometheus implementation of es.StoreMetrics.
func NewStoreMetrics(reg prometheus.Registerer) es.StoreMetrics {
	m := &storeMetrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcentric_store_append_duration_seconds",
			Help:    "Append unit-of-work latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_type"}),

		findDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcentric_store_find_duration_seconds",
			Help:    "Aggregate resolution latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcentric_store_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"stream_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcentric_store_concurrency_conflicts_total",
			Help: "Total number of optimistic concurrency failures",
		}, []string{"stream_type"}),

		duplicatesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcentric_store_duplicates_skipped_total",
			Help: "Total number of incoming events skipped by inbox dedup",
		}, []string{"stream_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcentric_store_cache_hits_total",
			Help: "Total number of snapshot cache hits",
		}, []string{"stream_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcentric_store_cache_misses_total",
			Help: "Total number of snapshot cache misses",
		}, []string{"stream_type"}),

		snapshotFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcentric_store_snapshot_fallbacks_total",
			Help: "Total number of snapshot hydration failures degraded to full replay",
		}, []string{"stream_type"}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.findDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.duplicatesSkipped,
		m.cacheHits,
		m.cacheMisses,
		m.snapshotFallbacks,
	)

	return m
}

func (m *storeMetrics) AppendDuration(streamType string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(streamType))
}

func (m *storeMetrics) FindDuration(streamType string) metrics.Timer {
	return newTimer(m.findDuration.WithLabelValues(streamType))
}

func (m *storeMetrics) EventsAppended(streamType string, count int) {
	m.eventsAppended.WithLabelValues(streamType).Add(float64(count))
}

func (m *storeMetrics) ConcurrencyConflict(streamType string) {
	m.concurrencyConflicts.WithLabelValues(streamType).Inc()
}

func (m *storeMetrics) DuplicateSkipped(streamType string) {
	m.duplicatesSkipped.WithLabelValues(streamType).Inc()
}

func (m *storeMetrics) CacheHit(streamType string) {
	m.cacheHits.WithLabelValues(streamType).Inc()
}

func (m *storeMetrics) CacheMiss(streamType string) {
	m.cacheMisses.WithLabelValues(streamType).Inc()
}

func (m *storeMetrics) SnapshotFallback(streamType string) {
	m.snapshotFallbacks.WithLabelValues(streamType).Inc()
}

var _ es.StoreMetrics = (*storeMetrics)(nil)
