package relay

import (
	"sync"
)

// HistoryConfig represents the config of the retained reading history
type HistoryConfig struct {
	Capacity   int `yaml:"capacity"`
	QueryLimit int `yaml:"query_limit"`
}

// StateStore holds the latest reading and a bounded history of recent ones.
// A single lock covers both so no reader observes the current reading and the
// history out of step.
type StateStore struct {
	mu      sync.RWMutex
	current Reading
	ring    []Reading
	head    int
	size    int
}

// NewStateStore creates a store retaining up to capacity readings. The
// current reading starts out as the placeholder until the first update.
func NewStateStore(capacity int) *StateStore {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}

	return &StateStore{
		current: PlaceholderReading(),
		ring:    make([]Reading, capacity),
	}
}

// Update replaces the current reading and appends it to the history, evicting
// the oldest entry once capacity is reached
func (s *StateStore) Update(r Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current = r
	s.ring[(s.head+s.size)%len(s.ring)] = r
	if s.size < len(s.ring) {
		s.size++
	} else {
		s.head = (s.head + 1) % len(s.ring)
	}
}

// Current returns the latest accepted reading
func (s *StateStore) Current() Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.current
}

// Recent returns up to n retained readings in arrival order, oldest first
func (s *StateStore) Recent(n int) []Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || s.size == 0 {
		return nil
	}
	if n > s.size {
		n = s.size
	}

	out := make([]Reading, n)
	first := s.head + s.size - n
	for i := 0; i < n; i++ {
		out[i] = s.ring[(first+i)%len(s.ring)]
	}

	return out
}

// Len returns the number of retained readings
func (s *StateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.size
}
