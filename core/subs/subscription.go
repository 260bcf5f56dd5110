// Package subs owns the persisted producer->consumer replication edges and
// their runtime buffers: position tracking, the consistency metric and the
// poison circuit breaker.
package subs

import (
	"time"
)

// LoopbackSuffix names the self-subscription every node gets at bootstrap,
// so the subscription table always carries at least the node's own stream.
const LoopbackSuffix = "_app"

// Subscription is a directed edge consumerStreamType -> producerStreamType.
type Subscription struct {
	SubscriberStreamType string
	StreamType           string
	URL                  string
	Token                string
	ConsumerPosition     uint64
	ProducerPosition     uint64
	ConsistencyPct       float64
	IsPoisoned           bool
	WasCanceled          bool
	PoisonedVersion      uint64
	ExceptionMessage     string
	DeadLetterPayload    string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// ConsistencyPercentage is purely observational and never gates correctness.
// A producer that has produced nothing is by definition fully consumed, so
// producerPosition == 0 yields 100.
func ConsistencyPercentage(consumerPosition, producerPosition uint64) float64 {
	if producerPosition == 0 {
		return 100
	}
	return float64(consumerPosition) / float64(producerPosition) * 100
}
