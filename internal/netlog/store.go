// internal/netlog/store.go
package netlog

import (
	"sync"
	"time"

	"github.com/xkilldash9x/netlogger/api/schemas"
)

// Resolution carries the outcome of a request: either a response or a failure.
type Resolution struct {
	Status     int
	StatusText string
	Headers    map[string]string

	// Failed marks the request as failed; Failure holds the engine's error text.
	Failed  bool
	Failure string

	// At is when the outcome was observed. Used to compute the entry's duration.
	At time.Time
}

// Store is the in-memory, ordered log of the current session. Entries are kept in
// request-start order and indexed by request ID for the resolution path.
type Store struct {
	mu      sync.RWMutex
	entries []*schemas.LogEntry
	index   map[string]int
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		entries: make([]*schemas.LogEntry, 0, 64),
		index:   make(map[string]int),
	}
}

// Append publishes a fully built entry. It reports true when a new entry was
// created. A second append for an ID already present is treated as an update: the
// incoming outcome fields are carried over only if the stored entry is still pending.
func (s *Store) Append(entry schemas.LogEntry) (schemas.LogEntry, bool) {
	stored := entry.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.index[entry.RequestID]; ok {
		existing := s.entries[i]
		if !existing.Resolved() && stored.Resolved() {
			existing.Status = stored.Status
			existing.StatusText = stored.StatusText
			existing.ResponseHeaders = stored.ResponseHeaders
			existing.Failure = stored.Failure
			existing.DurationMS = stored.DurationMS
		}
		return existing.Clone(), false
	}

	s.index[stored.RequestID] = len(s.entries)
	s.entries = append(s.entries, &stored)
	return stored.Clone(), true
}

// Resolve fills in the outcome of the entry with the given ID. It is a no-op
// (returning false) if the ID is unknown, e.g. after a Clear, or if the entry was
// already resolved.
func (s *Store) Resolve(id string, r Resolution) (schemas.LogEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return schemas.LogEntry{}, false
	}
	e := s.entries[i]
	if e.Resolved() {
		return schemas.LogEntry{}, false
	}

	if r.Failed {
		failure := r.Failure
		e.Failure = &failure
	} else {
		status, text := r.Status, r.StatusText
		e.Status = &status
		e.StatusText = &text
		e.ResponseHeaders = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			e.ResponseHeaders[k] = v
		}
	}
	if !r.At.IsZero() && r.At.After(e.Timestamp) {
		e.DurationMS = float64(r.At.Sub(e.Timestamp).Microseconds()) / 1000
	}
	return e.Clone(), true
}

// SetSize records the encoded size of a response. Only a responded entry without a
// size takes it; anything else is a no-op returning false.
func (s *Store) SetSize(id string, size int64) (schemas.LogEntry, bool) {
	if size < 0 {
		return schemas.LogEntry{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return schemas.LogEntry{}, false
	}
	e := s.entries[i]
	if e.Outcome() != schemas.OutcomeResponded || e.SizeBytes != nil {
		return schemas.LogEntry{}, false
	}
	e.SizeBytes = &size
	return e.Clone(), true
}

// Get returns a copy of the entry with the given ID.
func (s *Store) Get(id string) (schemas.LogEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.index[id]
	if !ok {
		return schemas.LogEntry{}, false
	}
	return s.entries[i].Clone(), true
}

// Snapshot returns a consistent point-in-time copy of every entry, in insertion order.
func (s *Store) Snapshot() []schemas.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]schemas.LogEntry, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Clone()
	}
	return out
}

// Len is the number of entries currently held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Clear drops every entry. Safe to call at any time, including mid-session.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make([]*schemas.LogEntry, 0, 64)
	s.index = make(map[string]int)
}
