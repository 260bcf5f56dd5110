// Package bus is the in-process publish/subscribe channel the workers use to
// communicate. Notifications are typed values, publishing is fire-and-forget,
// and no ack or response is ever expected.
package bus

import (
	"github.com/codewandler/eventcentric-go/core/es"
)

// Notifications published by the runtime.
type (
	// ProcessorStarted is published when the dispatch worker loop starts.
	ProcessorStarted struct{}
	// ProcessorStopped is published when the dispatch worker loop stops.
	ProcessorStopped struct{}

	// StoreUpdated is published after a successful append.
	StoreUpdated struct {
		StreamID          string
		Version           es.Version
		CollectionVersion uint64
	}

	// NewIncomingEvent is published by a puller for every event it enqueued.
	NewIncomingEvent struct {
		SubscriptionStreamType string
		Event                  es.Event
	}

	// IncomingEventProcessed is published when an incoming event has been
	// fully handled, including the ignored and duplicate outcomes.
	IncomingEventProcessed struct {
		SubscriptionStreamType string
		EventID                string
		CollectionVersion      uint64
	}

	// IncomingEventPoisoned is published when handling failed unrecoverably.
	IncomingEventPoisoned struct {
		SubscriptionStreamType string
		Event                  es.Event
		Err                    *es.PoisonedError
	}

	// SubscriptionAcquired is published when a handler opened a brand new
	// stream for an incoming event.
	SubscriptionAcquired struct {
		StreamType string
		StreamID   string
	}
)

// Bus carries typed notifications between workers. Publish never blocks the
// caller; a slow subscriber loses notifications rather than stalling the node.
type Bus interface {
	Publish(notification any)
	Subscribe() <-chan any
	Close()
}
