// Package pull implements the consumer side of the replication protocol: one
// background worker per subscription that polls a producer for events beyond
// the consumer's known position and feeds them into the subscription buffer.
package pull

import "context"

// NewRawEvent is one serialized event as received from a producer, carrying
// its absolute position in the producer's log.
type NewRawEvent struct {
	CollectionVersion uint64 `json:"collection_version"`
	Payload           []byte `json:"payload"`
}

// PollResponse is the producer's answer to one poll: either new events were
// found or there is nothing beyond the requested position yet.
type PollResponse struct {
	NewEventsFound  bool          `json:"new_events_found"`
	ProducerVersion uint64        `json:"producer_version"`
	Events          []NewRawEvent `json:"events"`
}

// Client is the transport the puller uses. A transport-level timeout is
// reported as an error and treated exactly like "nothing new" - absence of
// data is the expected steady state, not a failure.
type Client interface {
	PollEvents(ctx context.Context, url, token, consumer string, from int64) (PollResponse, error)
}
