package kv

import (
	"context"
	"path"
	"sync"
)

// MemoryStore is an in-process Store used by tests and single-binary
// development mode.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return val, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
	return nil
}

func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.data {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *MemoryStore) CheckAndSet(_ context.Context, valueKey, lockKey, expectedLock, newLock, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[lockKey]
	if expectedLock == "" {
		if exists {
			return false, nil
		}
	} else if !exists || current != expectedLock {
		return false, nil
	}

	s.data[valueKey] = value
	s.data[lockKey] = newLock
	return true, nil
}
