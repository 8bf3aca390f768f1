package eventbus

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory. It is the default backend and
// the one used by the test suite; single-instance deployments can run on it
// as long as they accept losing history on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*EventRecord
	order  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*EventRecord),
	}
}

func (s *MemoryStore) Save(_ context.Context, rec *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[rec.EventID]; !ok {
		s.order = append(s.order, rec.EventID)
	}
	s.events[rec.EventID] = rec.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*EventRecord, 0, len(s.order))
	for _, id := range s.order {
		rec := s.events[id]
		if rec == nil || !f.matches(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Len reports the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
