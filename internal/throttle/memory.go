package throttle

import (
	"context"
	"sync"
)

// MemoryStore is the per-process store used when no redis is configured.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]State)}
}

func (m *MemoryStore) Get(_ context.Context, email string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[email], nil
}

func (m *MemoryStore) Put(_ context.Context, email string, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[email] = st
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, email)
	return nil
}
