package store

import (
	"context"
	"sync"

	apperrors "github.com/agentcom/agentcom/internal/common/errors"
)

// MemoryStore is an in-memory Store used in tests. It honors the Store
// contract but provides no durability across process restarts.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte

	// SyncCount tracks Sync calls per table, so tests can assert the
	// sync-before-publish ordering.
	syncCount map[string]int
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: map[string]map[string][]byte{
			TableActive: {},
			TableDead:   {},
		},
		syncCount: make(map[string]int),
	}
}

// Put writes value under key, replacing any previous value.
func (s *MemoryStore) Put(ctx context.Context, table, key string, value []byte) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), value...)
	s.tables[table][key] = cp
	return nil
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if !validTables[table] {
		return nil, apperrors.InvalidArgs("table", table)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.tables[table][key]
	if !ok {
		return nil, apperrors.NotFound("task", key)
	}
	return append([]byte(nil), value...), nil
}

// Delete removes key from the table.
func (s *MemoryStore) Delete(ctx context.Context, table, key string) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], key)
	return nil
}

// Sync records the call so tests can observe ordering.
func (s *MemoryStore) Sync(ctx context.Context, table string) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncCount[table]++
	return nil
}

// SyncCount returns the number of Sync calls seen for the table.
func (s *MemoryStore) SyncCount(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncCount[table]
}

// Len returns the number of keys in the table.
func (s *MemoryStore) Len(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tables[table])
}

// Fold iterates every key/value pair in the table.
func (s *MemoryStore) Fold(ctx context.Context, table string, fn func(key string, value []byte) error) error {
	if !validTables[table] {
		return apperrors.InvalidArgs("table", table)
	}
	s.mu.RLock()
	snapshot := make(map[string][]byte, len(s.tables[table]))
	for k, v := range s.tables[table] {
		snapshot[k] = v
	}
	s.mu.RUnlock()

	for k, v := range snapshot {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
