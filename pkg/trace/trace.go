// Package trace keeps a bounded in-memory log of agent execution traces
// for the operator console. Process-lifetime only; missions themselves
// are the durable record.
package trace

import (
	"sync"
	"time"
)

// Entry is one reported trace event.
type Entry struct {
	MissionID string         `json:"missionId,omitempty"`
	AgentName string         `json:"agentName,omitempty"`
	Step      string         `json:"step"`
	Detail    map[string]any `json:"detail,omitempty"`
	At        time.Time      `json:"at"`
}

// DefaultCapacity bounds how many entries the store retains.
const DefaultCapacity = 2000

// Store is a thread-safe ring of recent trace entries.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	cap     int
}

// NewStore creates a store with the given capacity; zero means default.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{cap: capacity}
}

// Append records an entry, evicting the oldest past capacity.
func (s *Store) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	if len(s.entries) > s.cap {
		s.entries = s.entries[len(s.entries)-s.cap:]
	}
}

// List returns the most recent entries, newest last, up to limit.
func (s *Store) List(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, n)
	copy(out, s.entries[len(s.entries)-n:])
	return out
}

// ByMission returns entries for one mission in report order.
func (s *Store) ByMission(missionID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, e := range s.entries {
		if e.MissionID == missionID {
			out = append(out, e)
		}
	}
	return out
}
