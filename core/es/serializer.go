package es

import "encoding/json"

// Serializer converts event envelopes to and from the opaque payloads the
// transport and the durable log carry. It must round-trip every event,
// including the reserved Cloaked marker.
type Serializer interface {
	Serialize(e Event) ([]byte, error)
	Deserialize(data []byte) (Event, error)
}

type jsonSerializer struct{}

// NewJSONSerializer returns the canonical JSON serializer.
func NewJSONSerializer() Serializer { return jsonSerializer{} }

func (jsonSerializer) Serialize(e Event) ([]byte, error) { return json.Marshal(e) }

func (jsonSerializer) Deserialize(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
