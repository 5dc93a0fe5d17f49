package secrets

import (
	"fmt"
	"sync"

	"commitpal/internal/pal"
)

// MemoryStore keeps secrets in memory. Safe for concurrent use.
type MemoryStore struct {
	mu      sync.Mutex
	secrets map[string]string
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]string)}
}

func (s *MemoryStore) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.secrets[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) Lookup(mode pal.AuthMode) (string, error) {
	return lookup(s.Get, mode)
}
