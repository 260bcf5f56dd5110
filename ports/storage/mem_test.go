package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemTx_VersionConflicts(t *testing.T) {
	event := func(streamID string, version, cv uint64) EventRecord {
		return EventRecord{
			StreamType:        "orders",
			StreamID:          streamID,
			Version:           version,
			CollectionVersion: cv,
			EventID:           "ev-" + streamID,
			EventType:         "test",
		}
	}

	commit := func(m *Mem, e EventRecord) error {
		tx, err := m.Begin(t.Context())
		require.NoError(t, err)
		require.NoError(t, tx.InsertEvents([]EventRecord{e}))
		return tx.Commit()
	}

	t.Run("duplicate stream version is rejected", func(t *testing.T) {
		m := NewMem()
		require.NoError(t, commit(m, event("o-1", 1, 1)))

		err := commit(m, event("o-1", 1, 2))
		require.ErrorIs(t, err, ErrVersionConflict)

		// Nothing from the rejected commit leaked.
		records, lerr := m.LoadStream(t.Context(), "orders", "o-1")
		require.NoError(t, lerr)
		require.Len(t, records, 1)
	})

	t.Run("duplicate collection version is rejected", func(t *testing.T) {
		m := NewMem()
		require.NoError(t, commit(m, event("o-1", 1, 1)))

		err := commit(m, event("o-2", 1, 1))
		require.ErrorIs(t, err, ErrVersionConflict)
	})
}
