// Package memory provides the long-term memory collaborator tubes use to
// persist learned adaptation adjustments. The core treats the store as an
// opaque key-value collaborator and does not define its storage format;
// durability across restarts is an implementation property of the chosen
// store, not a contract of the runtime.
package memory

import (
	"context"
	"sync"
)

// Store is the key-value collaborator contract.
type Store interface {
	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
}

// InMemoryStore is a process-local Store. Values do not survive restarts.
type InMemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{values: make(map[string][]byte)}
}

// Put stores a copy of value under key.
func (s *InMemoryStore) Put(_ context.Context, key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = buf
	return nil
}

// Get returns a copy of the value for key.
func (s *InMemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, true, nil
}

// Len returns the number of stored keys.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
