package dispatch

import "github.com/codewandler/eventcentric-go/core/es"

type resolveMode int

const (
	resolveNone resolveMode = iota
	resolveExisting
	resolveNew
	resolveNewIfAbsent
)

// Handling is a handler's decision for one incoming event: which local stream
// it targets, how that stream is resolved and what to do with the aggregate.
// The decision is explicit data, so the dispatcher needs no runtime inspection
// of the handler to know whether a stream gets created.
type Handling struct {
	ignored  bool
	mode     resolveMode
	streamID string
	apply    func(agg es.Aggregate) error
}

func (h Handling) Ignored() bool    { return h.ignored }
func (h Handling) StreamID() string { return h.streamID }

// IgnoreEvent records the event in the inbox without touching any stream.
// Ignored is still processed: the event is never delivered again.
func IgnoreEvent() Handling {
	return Handling{ignored: true}
}

// InExistingStream applies to a stream that must already exist. A missing
// stream is logged and ignored, not an error.
func InExistingStream(streamID string, apply func(agg es.Aggregate) error) Handling {
	return Handling{mode: resolveExisting, streamID: streamID, apply: apply}
}

// InNewStream opens a brand new stream. If the stream already exists the
// append hits a concurrency conflict and the event poisons.
func InNewStream(streamID string, apply func(agg es.Aggregate) error) Handling {
	return Handling{mode: resolveNew, streamID: streamID, apply: apply}
}

// InNewStreamIfAbsent opens the stream when missing, otherwise applies to the
// existing one.
func InNewStreamIfAbsent(streamID string, apply func(agg es.Aggregate) error) Handling {
	return Handling{mode: resolveNewIfAbsent, streamID: streamID, apply: apply}
}

// Handler maps one decoded incoming event to a handling decision. The decoded
// payload is the registered event type; handlers type-switch on it.
type Handler interface {
	Handle(e es.Event, payload any) Handling
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(e es.Event, payload any) Handling

func (f HandlerFunc) Handle(e es.Event, payload any) Handling { return f(e, payload) }
