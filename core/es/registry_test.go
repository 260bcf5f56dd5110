package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type namedEvent struct{}

func (namedEvent) EventType() string { return "custom.name" }

func TestEventTypeOf(t *testing.T) {
	require.Equal(t, "counterAdded", EventTypeOf(&counterAdded{}))
	require.Equal(t, "custom.name", EventTypeOf(namedEvent{}))
}

func TestEventRegistry_Decode(t *testing.T) {
	r := counterRegistry()

	t.Run("decodes registered types", func(t *testing.T) {
		data, err := json.Marshal(counterAdded{Amount: 3})
		require.NoError(t, err)

		v, err := r.Decode(Event{Type: "counterAdded", Data: data})
		require.NoError(t, err)
		require.Equal(t, &counterAdded{Amount: 3}, v)
	})

	t.Run("unknown type is a sentinel error", func(t *testing.T) {
		_, err := r.Decode(Event{Type: "nope"})
		require.ErrorIs(t, err, ErrUnknownEventType)
	})

	t.Run("cloaked marker is pre-registered", func(t *testing.T) {
		require.True(t, r.Known(CloakedEventType))
	})
}
