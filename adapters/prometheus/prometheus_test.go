package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewStoreMetrics(reg)
	require.NotNil(t, m)

	timer := m.AppendDuration("orders")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	timer = m.FindDuration("orders")
	assert.NotNil(t, timer)
	timer.ObserveDuration()

	m.EventsAppended("orders", 3)
	m.ConcurrencyConflict("orders")
	m.DuplicateSkipped("orders")
	m.CacheHit("orders")
	m.CacheMiss("orders")
	m.SnapshotFallback("orders")

	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, mfs)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["eventcentric_store_append_duration_seconds"])
	assert.True(t, names["eventcentric_store_find_duration_seconds"])
	assert.True(t, names["eventcentric_store_events_appended_total"])
	assert.True(t, names["eventcentric_store_cache_hits_total"])
	assert.True(t, names["eventcentric_store_duplicates_skipped_total"])
}
