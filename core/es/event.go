package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event wraps a domain event with the metadata needed for persistence,
// replication and deduplication. It is the unit of storage and the unit of
// exchange between nodes.
type Event struct {
	// EventID is the globally unique identifier assigned by the producing store.
	EventID string `json:"event_id"`
	// TransactionID correlates an incoming event with every event it caused.
	TransactionID string `json:"transaction_id"`
	// CorrelationID is the EventID of the incoming event that triggered this one.
	CorrelationID string `json:"correlation_id,omitempty"`
	// StreamType identifies the event collection this event belongs to.
	StreamType string `json:"stream_type"`
	// StreamID identifies the aggregate instance.
	StreamID string `json:"stream_id"`
	// Version is the per-stream position (1, 2, 3, ...).
	Version Version `json:"version"`
	// CollectionVersion is the global position within the stream type's log,
	// assigned at commit time so that version order equals commit order.
	CollectionVersion uint64 `json:"collection_version"`
	// Type is the event type name used for deserialization routing.
	Type string `json:"type"`
	// UtcTime is when the event was committed, in UTC.
	UtcTime time.Time `json:"utc_time"`
	// LocalTime is the producing node's local commit time.
	LocalTime time.Time `json:"local_time"`
	// Data is the JSON-encoded domain event payload.
	Data json.RawMessage `json:"data"`
}

func (e Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event id is empty")
	}
	if e.StreamType == "" {
		return fmt.Errorf("event stream type is empty")
	}
	if e.StreamID == "" {
		return fmt.Errorf("event stream id is empty")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is empty")
	}
	return nil
}

// IsCloaked reports whether this event is the synthetic gap-filler marker a
// producer returns when a stream-scoped range holds no events.
func (e Event) IsCloaked() bool { return e.Type == CloakedEventType }

// Decoder turns a persisted event back into its concrete domain event value.
type Decoder interface {
	Decode(e Event) (any, error)
}
