package people

import (
	"context"
	"sync"
)

type pair struct{ from, to int64 }

// MemoryStore is the in-memory Directory and Relationships used in dev mode and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	names map[int64]string
	rels  map[pair]int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		names: make(map[int64]string),
		rels:  make(map[pair]int),
	}
}

// SetDisplayName registers or renames a user.
func (s *MemoryStore) SetDisplayName(userID int64, name string) {
	s.mu.Lock()
	s.names[userID] = name
	s.mu.Unlock()
}

// SetRelationship records from's relationship towards to; negative values block.
func (s *MemoryStore) SetRelationship(from, to int64, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == 0 {
		delete(s.rels, pair{from, to})
		return
	}
	s.rels[pair{from, to}] = value
}

// GetDisplayName implements Directory.
func (s *MemoryStore) GetDisplayName(ctx context.Context, userID int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, ok := s.names[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return name, nil
}

// IsBlocked implements Relationships.
func (s *MemoryStore) IsBlocked(ctx context.Context, a, b int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rels[pair{a, b}] < 0 || s.rels[pair{b, a}] < 0, nil
}
