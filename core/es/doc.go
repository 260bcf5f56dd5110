// Package es implements the event-sourcing core: the event envelope,
// aggregates with optimistic concurrency, the event store with snapshot
// caching and inbox-based deduplication, and the per-stream-type collection
// version counter that gives every committed event a global position.
package es
