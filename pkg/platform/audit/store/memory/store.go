package memory

import (
	"context"
	"sync"

	id "vetting/pkg/domain"
	audit "vetting/pkg/platform/audit"
)

// InMemoryStore keeps entries per record in insertion order.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries map[id.RecordID][]audit.Entry
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[id.RecordID][]audit.Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, entry audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.RecordID] = append(s.entries[entry.RecordID], entry)
	return nil
}

func (s *InMemoryStore) ListByRecord(_ context.Context, recordID id.RecordID) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry{}, s.entries[recordID]...), nil
}

// Clear drops every entry.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[id.RecordID][]audit.Entry)
}
