package state

import (
	"context"
	"sync"
)

// MemoryStore keeps the directory in process.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]SessionRecord)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Announce(rec SessionRecord) {
	m.mu.Lock()
	m.sessions[rec.ID] = rec
	m.mu.Unlock()
}

func (m *MemoryStore) Withdraw(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions), nil
}

func (m *MemoryStore) Lookup(ctx context.Context, id string) (SessionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[id]
	return rec, ok, nil
}

func (m *MemoryStore) Close() error { return nil }
