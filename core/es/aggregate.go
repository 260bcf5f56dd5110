package es

import (
	"encoding/json"
	"fmt"
)

// Aggregate is the contract for event-sourced domain objects.
//
// An aggregate maintains:
//   - Identity: the stream id that names its event stream
//   - Version: the current stream version for optimistic concurrency control
//   - Pending events: events raised but not yet persisted
//
// Lifecycle: a Factory constructs the aggregate (empty, from history, or from
// a snapshot), domain logic calls Raise+Apply to record changes, and the
// Store persists the pending events and assigns collection versions.
type Aggregate interface {
	// GetID returns the stream id of this aggregate instance.
	GetID() string
	// SetID sets the stream id. Called during construction.
	SetID(string)

	// GetVersion returns the current stream version (number of events applied).
	GetVersion() Version
	setVersion(Version)

	// Apply updates the aggregate state from a domain event.
	Apply(event any) error
	// Raise records an event as pending without applying it.
	Raise(event any)
	// Pending returns a copy of events raised but not yet persisted.
	Pending() []any
	// ClearPending removes all pending events after a successful append.
	ClearPending()
}

// Snapshottable lets an aggregate control its own snapshot encoding.
// Aggregates without it are snapshotted as plain JSON.
type Snapshottable interface {
	Snapshot() (data []byte, err error)
	RestoreSnapshot(data []byte) error
}

// Denormalizer is the optional read-model hook. When an aggregate implements
// it, the store invokes it inside the same transaction as the event append.
type Denormalizer interface {
	Update(tx any) error
}

// BaseAggregate is an embeddable helper tracking id, version and pending events.
type BaseAggregate struct {
	id      string
	version Version
	pending []any
}

func (b *BaseAggregate) GetID() string        { return b.id }
func (b *BaseAggregate) SetID(id string)      { b.id = id }
func (b *BaseAggregate) GetVersion() Version  { return b.version }
func (b *BaseAggregate) setVersion(v Version) { b.version = v }

func (b *BaseAggregate) Raise(event any) { b.pending = append(b.pending, event) }
func (b *BaseAggregate) ClearPending()   { b.pending = nil }
func (b *BaseAggregate) Pending() []any {
	out := make([]any, len(b.pending))
	copy(out, b.pending)
	return out
}

type raiseApplier interface {
	Raise(event any)
	Apply(event any) error
}

// RaiseAndApply records each event as pending and applies it to mutate state.
func RaiseAndApply(a raiseApplier, events ...any) (err error) {
	if len(events) == 0 {
		return
	}

	for _, e := range events {
		if ev, ok := e.(interface{ Validate() error }); ok {
			if err = ev.Validate(); err != nil {
				return fmt.Errorf("invalid event %T: %w", ev, err)
			}
		}
	}

	for _, e := range events {
		a.Raise(e)
		if err = a.Apply(e); err != nil {
			return
		}
	}
	return
}

func marshalEventData(ev any) (json.RawMessage, error) { return json.Marshal(ev) }

func snapshotData(agg Aggregate) ([]byte, error) {
	if s, ok := any(agg).(Snapshottable); ok {
		return s.Snapshot()
	}
	return json.Marshal(agg)
}

func restoreSnapshotData(agg Aggregate, data []byte) error {
	if s, ok := any(agg).(Snapshottable); ok {
		return s.RestoreSnapshot(data)
	}
	return json.Unmarshal(data, agg)
}
