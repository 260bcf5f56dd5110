package es

import (
	"encoding/json"
	"fmt"
	"time"
)

// CloakedEventType is the reserved type name of the synthetic marker event.
const CloakedEventType = "es.cloaked"

// Cloaked is returned by a producer in place of "no events in range" for a
// stream-scoped poll. It tells the consumer "no gap, just nothing new yet for
// this stream" - distinct from "producer has nothing at all". It carries the
// upper boundary of the queried range so the consumer can advance its buffer.
type Cloaked struct {
	UpTo       uint64 `json:"up_to"`
	StreamType string `json:"stream_type"`
}

// NewCloakedEvent builds the marker envelope for the given range boundary.
func NewCloakedEvent(streamType, streamID string, upTo uint64, now time.Time) Event {
	data, _ := json.Marshal(Cloaked{UpTo: upTo, StreamType: streamType})
	return Event{
		EventID:           cloakedEventID(streamType, streamID, upTo),
		StreamType:        streamType,
		StreamID:          streamID,
		CollectionVersion: upTo,
		Type:              CloakedEventType,
		UtcTime:           now.UTC(),
		LocalTime:         now,
		Data:              data,
	}
}

// Cloaked markers are deterministic so redelivery dedups naturally.
func cloakedEventID(streamType, streamID string, upTo uint64) string {
	return fmt.Sprintf("cloaked-%s-%s-%d", streamType, streamID, upTo)
}
