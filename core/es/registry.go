package es

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/codewandler/eventcentric-go/internal/reflector"
)

// EventRegistry maps event type names to constructors so persisted payloads
// can be decoded into concrete domain events.
type EventRegistry struct {
	mu   sync.RWMutex
	news map[string]func() any
}

func NewRegistry() *EventRegistry {
	r := &EventRegistry{news: map[string]func() any{}}
	r.Register(CloakedEventType, func() any { return new(Cloaked) })
	return r
}

func (r *EventRegistry) Register(eventType string, ctor func() any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news[eventType] = ctor
}

func (r *EventRegistry) Decode(env Event) (any, error) {
	r.mu.RLock()
	ctor, ok := r.news[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, env.Type)
	}
	ev := ctor()
	if env.Data != nil {
		if err := json.Unmarshal(env.Data, ev); err != nil {
			return nil, err
		}
	}
	return ev, nil
}

// Known reports whether a type name has a registered constructor. Dispatch
// treats unknown types as "ignored", not as errors: a node may legitimately
// receive events on a stream type it only partially cares about.
func (r *EventRegistry) Known(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.news[eventType]
	return ok
}

type Registrar interface {
	Register(eventType string, ctor func() any)
}

// RegisterEvents registers event constructors without reflection at decode
// time. Each constructor is called once to derive the type name, then kept so
// future decodes produce fresh instances per call.
func RegisterEvents(r Registrar, ctors ...func() any) {
	for _, ctor := range ctors {
		sample := ctor()
		r.Register(EventTypeOf(sample), ctor)
	}
}

// Event returns a reflection-free constructor for an event of type T.
func EventOf[T any]() func() any { return func() any { return new(T) } }

// EventTypeOf derives the wire type name of a domain event. Events can pin
// their name by implementing EventType() string; otherwise the short struct
// name is used so both sides of a subscription agree independent of package
// layout.
func EventTypeOf(ev any) string {
	if t, ok := ev.(interface{ EventType() string }); ok {
		return t.EventType()
	}
	return reflector.TypeInfoOf(ev).Name
}
