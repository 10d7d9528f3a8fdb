package timeline

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultCapacity is used when a Store is created with a non-positive capacity.
const DefaultCapacity = 100

// Entry is one broadcast event as seen by late joiners.
type Entry struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Store keeps the most recent broadcast events in a fixed-size ring.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
}

func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		entries: make([]Entry, capacity),
	}
}

// Record appends e, overwriting the oldest entry once the ring is full.
func (s *Store) Record(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	s.entries[s.next] = e
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
}

// Recent returns a copy of the retained entries, oldest first.
func (s *Store) Recent() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.full {
		c := make([]Entry, s.next)
		copy(c, s.entries[:s.next])
		return c
	}
	c := make([]Entry, 0, len(s.entries))
	c = append(c, s.entries[s.next:]...)
	c = append(c, s.entries[:s.next]...)
	return c
}

// Len returns how many entries are retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.full {
		return len(s.entries)
	}
	return s.next
}
