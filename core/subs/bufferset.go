package subs

import "sync"

// BufferSet is the live collection of subscription buffers, keyed by producer
// stream type. Subscriptions can be added while the node runs, so lookups and
// additions are synchronized.
type BufferSet struct {
	mu sync.RWMutex
	m  map[string]*Buffer
}

func NewBufferSet(buffers ...*Buffer) *BufferSet {
	s := &BufferSet{m: make(map[string]*Buffer, len(buffers))}
	for _, b := range buffers {
		s.m[b.StreamType()] = b
	}
	return s
}

func (s *BufferSet) Get(streamType string) (*Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.m[streamType]
	return b, ok
}

func (s *BufferSet) Add(b *Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[b.StreamType()] = b
}

func (s *BufferSet) All() []*Buffer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Buffer, 0, len(s.m))
	for _, b := range s.m {
		out = append(out, b)
	}
	return out
}

// Busy reports whether any buffer still has queued or in-flight events.
func (s *BufferSet) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.m {
		if b.Busy() {
			return true
		}
	}
	return false
}
