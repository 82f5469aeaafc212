// Package memory archives raw payloads in-memory for development.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Store keeps raw payloads in a map and returns pseudo URIs.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates an in-memory raw store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// PutRaw persists the payload and returns a memory:// URI.
func (s *Store) PutRaw(_ context.Context, path string, data []byte) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return fmt.Sprintf("memory://%s", path), nil
}

// Get returns a stored payload (testing convenience).
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	return data, ok
}

// Len reports the number of archived payloads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
