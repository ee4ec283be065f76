package store

import (
	"context"
	"sync"

	"github.com/chaz8081/badgelink/internal/badge"
)

// MemoryStore keeps identities in memory. It is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	saved []*badge.Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LoadLast(_ context.Context) (*badge.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return nil, ErrNotFound
	}
	return clone(m.saved[len(m.saved)-1]), nil
}

func (m *MemoryStore) Save(_ context.Context, id *badge.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, clone(id))
	return nil
}

// Count returns the number of identities ever saved.
func (m *MemoryStore) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved), nil
}

func clone(id *badge.Identity) *badge.Identity {
	c := *id
	c.Characteristics = append([]badge.Binding(nil), id.Characteristics...)
	return &c
}
