package es

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict signals an optimistic concurrency violation:
	// the first pending event's version did not continue the stream. The
	// caller must re-read and recompute; the store never retries implicitly.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrStreamNotFound signals that Get found no aggregate for the stream id.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrUnknownEventType signals a decode attempt for an unregistered type.
	ErrUnknownEventType = errors.New("unknown event type")
)

// PoisonedError wraps any failure that escaped event handling for a stream.
// It marks the stream (and eventually the subscription) as poisoned; delivery
// halts until an operator clears the flag.
type PoisonedError struct {
	StreamType string
	StreamID   string
	Event      Event
	Cause      error
}

func (e *PoisonedError) Error() string {
	return fmt.Sprintf("poisoned stream %s/%s while handling event %s: %v",
		e.StreamType, e.StreamID, e.Event.EventID, e.Cause)
}

func (e *PoisonedError) Unwrap() error { return e.Cause }
