package store

import (
	"context"
	"sync"

	"github.com/Tyrowin/floorsync/internal/presence"
)

// MemoryStore keeps connection rows in process memory. It is the default
// backend for a single instance and the backend used by tests.
type MemoryStore struct {
	mu    sync.RWMutex
	conns map[string]presence.Connection
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{conns: make(map[string]presence.Connection)}
}

// Put implements presence.ConnectionStore.
func (s *MemoryStore) Put(ctx context.Context, c presence.Connection) error {
	if err := ctx.Err(); err != nil {
		return presence.StorageError("put", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c.ID] = c
	return nil
}

// Get implements presence.ConnectionStore.
func (s *MemoryStore) Get(ctx context.Context, id string) (presence.Connection, error) {
	if err := ctx.Err(); err != nil {
		return presence.Connection{}, presence.StorageError("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[id]
	if !ok {
		return presence.Connection{}, presence.ErrNotFound
	}
	return c, nil
}

// Delete implements presence.ConnectionStore.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return presence.StorageError("delete", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
	return nil
}

// UpdateFloor implements presence.ConnectionStore.
func (s *MemoryStore) UpdateFloor(ctx context.Context, id, newFloor string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", presence.StorageError("update floor", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return "", presence.ErrNotFound
	}
	old := c.Floor
	c.Floor = newFloor
	s.conns[id] = c
	return old, nil
}

// ScanByFloor implements presence.ConnectionStore.
func (s *MemoryStore) ScanByFloor(ctx context.Context, floor string) ([]presence.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, presence.StorageError("scan", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var members []presence.Connection
	for _, c := range s.conns {
		if c.Floor == floor {
			members = append(members, c)
		}
	}
	return members, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
