package httppoll

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/pull"
	"github.com/codewandler/eventcentric-go/ports/storage"
)

type tallyBumped struct {
	Count int `json:"count"`
}

type tally struct {
	es.BaseAggregate
	Count int `json:"count"`
}

func newTally(id string) *tally {
	a := &tally{}
	a.SetID(id)
	return a
}

func (a *tally) Apply(event any) error {
	e, ok := event.(*tallyBumped)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}
	a.Count += e.Count
	return nil
}

func newTestServer(t *testing.T, token string) (*es.Store, *httptest.Server) {
	t.Helper()

	registry := es.NewRegistry()
	es.RegisterEvents(registry, es.EventOf[tallyBumped]())

	store, err := es.NewStore(t.Context(), es.StoreConfig{
		StreamType: "tallies",
		Storage:    storage.NewMem(),
		Registry:   registry,
		Factory:    es.NewFactory(newTally),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(ServerConfig{Store: store, Token: token}).Handler())
	t.Cleanup(srv.Close)
	return store, srv
}

func appendEvents(t *testing.T, store *es.Store, streamID string, n int) {
	t.Helper()
	a := newTally(streamID)
	for i := 0; i < n; i++ {
		require.NoError(t, es.RaiseAndApply(a, &tallyBumped{Count: 1}))
		_, err := store.Append(t.Context(), a, es.Event{EventID: fmt.Sprintf("%s-in-%d", streamID, i)})
		require.NoError(t, err)
	}
}

func TestPollRoundtrip(t *testing.T) {
	store, srv := newTestServer(t, "secret")
	appendEvents(t, store, "t1", 3)

	client := NewClient(ClientConfig{Quantity: 2})

	t.Run("returns events beyond from, capped", func(t *testing.T) {
		resp, err := client.PollEvents(t.Context(), srv.URL, "secret", "orders", 0)
		require.NoError(t, err)
		require.True(t, resp.NewEventsFound)
		require.Equal(t, uint64(3), resp.ProducerVersion)
		require.Len(t, resp.Events, 2)
		require.Equal(t, uint64(1), resp.Events[0].CollectionVersion)
		require.Equal(t, uint64(2), resp.Events[1].CollectionVersion)

		// Payloads round-trip through the shared serializer.
		e, err := store.Serializer().Deserialize(resp.Events[0].Payload)
		require.NoError(t, err)
		require.Equal(t, "tallyBumped", e.Type)
		require.Equal(t, es.Version(1), e.Version)
	})

	t.Run("caught-up consumer finds nothing", func(t *testing.T) {
		resp, err := client.PollEvents(t.Context(), srv.URL, "secret", "orders", 3)
		require.NoError(t, err)
		require.False(t, resp.NewEventsFound)
		require.Empty(t, resp.Events)
		require.Equal(t, uint64(3), resp.ProducerVersion)
	})

	t.Run("rewound position polls from the beginning", func(t *testing.T) {
		resp, err := client.PollEvents(t.Context(), srv.URL, "secret", "orders", -1)
		require.NoError(t, err)
		require.True(t, resp.NewEventsFound)
		require.Equal(t, uint64(1), resp.Events[0].CollectionVersion)
	})

	t.Run("rejects a wrong token", func(t *testing.T) {
		_, err := client.PollEvents(t.Context(), srv.URL, "wrong", "orders", 0)
		require.ErrorContains(t, err, "401")
	})
}

func TestStreamPoll(t *testing.T) {
	store, srv := newTestServer(t, "")
	appendEvents(t, store, "t1", 2)

	poll := func(t *testing.T, streamID string, from int64) pull.PollResponse {
		t.Helper()
		body, err := json.Marshal(PollRequest{Consumer: "orders", From: from, Quantity: 10})
		require.NoError(t, err)

		resp, err := http.Post(srv.URL+"/events/streams/"+streamID+"/poll", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var out pull.PollResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out
	}

	t.Run("scoped to one stream", func(t *testing.T) {
		resp := poll(t, "t1", 0)
		require.True(t, resp.NewEventsFound)
		require.Len(t, resp.Events, 2)
	})

	t.Run("empty range carries a cloaked marker", func(t *testing.T) {
		resp := poll(t, "other", 0)
		require.True(t, resp.NewEventsFound)
		require.Len(t, resp.Events, 1)
		require.Equal(t, uint64(2), resp.Events[0].CollectionVersion)

		e, err := store.Serializer().Deserialize(resp.Events[0].Payload)
		require.NoError(t, err)
		require.True(t, e.IsCloaked())
	})
}
