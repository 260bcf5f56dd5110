package pull

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/eventcentric-go/core/bus"
	"github.com/codewandler/eventcentric-go/core/es"
	"github.com/codewandler/eventcentric-go/core/subs"
)

type scriptedClient struct {
	responses []PollResponse
	errs      []error
	calls     int
	lastFrom  int64
}

func (c *scriptedClient) PollEvents(_ context.Context, _, _, _ string, from int64) (PollResponse, error) {
	i := c.calls
	c.calls++
	c.lastFrom = from
	if i < len(c.errs) && c.errs[i] != nil {
		return PollResponse{}, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return PollResponse{}, nil
}

func rawEvent(t *testing.T, cv uint64) NewRawEvent {
	t.Helper()
	payload, err := es.NewJSONSerializer().Serialize(es.Event{
		EventID:    "ev",
		StreamType: "payments",
		Type:       "PaymentReceived",
	})
	require.NoError(t, err)
	return NewRawEvent{CollectionVersion: cv, Payload: payload}
}

func newTestPuller(t *testing.T, client Client, buffer *subs.Buffer) (*Puller, <-chan any) {
	t.Helper()
	b := bus.NewInMemory(nil)
	t.Cleanup(b.Close)
	ch := b.Subscribe()
	return NewPuller(PullerConfig{
		Bus:      b,
		Client:   client,
		Buffer:   buffer,
		Consumer: "orders",
	}), ch
}

func TestPuller_PollOnce(t *testing.T) {
	t.Run("enqueues in arrival order and notifies per event", func(t *testing.T) {
		client := &scriptedClient{responses: []PollResponse{{
			NewEventsFound:  true,
			ProducerVersion: 9,
			Events:          []NewRawEvent{rawEvent(t, 4), rawEvent(t, 5)},
		}}}
		buffer := subs.NewBuffer("payments", "http://p1", "tok", 3)
		p, ch := newTestPuller(t, client, buffer)

		require.True(t, p.pollOnce(t.Context()))
		require.Equal(t, int64(3), client.lastFrom)
		require.Equal(t, int64(5), buffer.Version())
		require.Equal(t, uint64(9), buffer.ProducerPosition())

		for _, want := range []uint64{4, 5} {
			n := <-ch
			in, ok := n.(bus.NewIncomingEvent)
			require.True(t, ok)
			require.Equal(t, "payments", in.SubscriptionStreamType)
			require.Equal(t, want, in.Event.CollectionVersion)
		}

		// The polling guard was released.
		require.False(t, buffer.IsPolling())
	})

	t.Run("error means nothing new", func(t *testing.T) {
		client := &scriptedClient{errs: []error{errors.New("timeout")}}
		buffer := subs.NewBuffer("payments", "http://p1", "tok", 0)
		p, _ := newTestPuller(t, client, buffer)

		require.False(t, p.pollOnce(t.Context()))
		require.False(t, buffer.Busy())
		require.False(t, buffer.IsPolling())
	})

	t.Run("skips while a poll is outstanding", func(t *testing.T) {
		client := &scriptedClient{}
		buffer := subs.NewBuffer("payments", "http://p1", "tok", 0)
		p, _ := newTestPuller(t, client, buffer)

		require.True(t, buffer.TrySetPolling())
		require.False(t, p.pollOnce(t.Context()))
		require.Zero(t, client.calls)
	})

	t.Run("skips poisoned subscriptions", func(t *testing.T) {
		client := &scriptedClient{}
		buffer := subs.NewBuffer("payments", "http://p1", "tok", 0)
		buffer.SetPoisoned()
		p, _ := newTestPuller(t, client, buffer)

		require.False(t, p.pollOnce(t.Context()))
		require.Zero(t, client.calls)
	})

	t.Run("drops undecodable events and keeps the rest", func(t *testing.T) {
		client := &scriptedClient{responses: []PollResponse{{
			NewEventsFound:  true,
			ProducerVersion: 2,
			Events: []NewRawEvent{
				{CollectionVersion: 1, Payload: []byte("garbage")},
				rawEvent(t, 2),
			},
		}}}
		buffer := subs.NewBuffer("payments", "http://p1", "tok", 0)
		p, _ := newTestPuller(t, client, buffer)

		require.True(t, p.pollOnce(t.Context()))

		e, ok := buffer.Dequeue()
		require.True(t, ok)
		require.Equal(t, uint64(2), e.CollectionVersion)
		_, ok = buffer.Dequeue()
		require.False(t, ok)
	})
}
