package es

import "sync"

// collectionCounter owns the collection version counter for one stream type.
// AppendAtomically is the single cross-stream serialization point of the
// runtime: no two appends may interleave their counter increments, so the
// critical section covers exactly counter-read, assignment and the durable
// commit, nothing more.
type collectionCounter struct {
	mu      sync.Mutex
	current uint64
}

func newCollectionCounter(start uint64) *collectionCounter {
	return &collectionCounter{current: start}
}

func (c *collectionCounter) Current() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AppendAtomically reserves n consecutive collection versions and invokes
// commit with the first reserved value. If commit fails the counter is rolled
// back to its pre-attempt value and the error propagates.
func (c *collectionCounter) AppendAtomically(n int, commit func(first uint64) error) (last uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	before := c.current
	c.current = before + uint64(n)

	if err = commit(before + 1); err != nil {
		c.current = before
		return 0, err
	}
	return c.current, nil
}
