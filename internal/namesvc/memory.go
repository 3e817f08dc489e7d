package namesvc

import (
	"context"
	"sync"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Revision
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Revision)}
}

func (m *MemoryStore) Get(_ context.Context, name string) (*Revision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rev, ok := m.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &rev, nil
}

func (m *MemoryStore) Put(_ context.Context, rev *Revision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.records[rev.Name]; ok && rev.Sequence <= cur.Sequence {
		return ErrStaleSequence
	}
	m.records[rev.Name] = *rev
	return nil
}
