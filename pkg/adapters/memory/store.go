package memory

import (
	"context"
	"sync"

	"github.com/aretw0/databench/pkg/domain"
)

// Store implements ports.DataBackend in memory.
// Safe for concurrent use.
type Store struct {
	data map[string]map[string][]byte
	mu   sync.RWMutex
}

// NewStore creates a new in-memory store.
func NewStore() *Store {
	return &Store{
		data: make(map[string]map[string][]byte),
	}
}

// Put stores a copy of the encoded value.
func (s *Store) Put(ctx context.Context, dom, key string, value []byte) error {
	// Copy so the caller can reuse its buffer
	copied := append([]byte(nil), value...)

	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.data[dom]
	if !ok {
		keys = make(map[string][]byte)
		s.data[dom] = keys
	}
	keys[key] = copied
	return nil
}

// Get retrieves the encoded value.
func (s *Store) Get(ctx context.Context, dom, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[dom][key]
	if !ok {
		return nil, domain.ErrKeyNotFound
	}
	return append([]byte(nil), val...), nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, dom, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := s.data[dom]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.data, dom)
		}
	}
	return nil
}

// Keys lists the keys of a domain.
func (s *Store) Keys(ctx context.Context, dom string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data[dom]))
	for k := range s.data[dom] {
		keys = append(keys, k)
	}
	return keys, nil
}

// Drop removes a whole domain.
func (s *Store) Drop(ctx context.Context, dom string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, dom)
	return nil
}

// Domains returns the number of domains currently holding keys.
func (s *Store) Domains() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
