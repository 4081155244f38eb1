package storage

import (
	"sync"
	"time"
)

// memoryStore is an in-process Store used by tests and dry runs.
type memoryStore struct {
	mu      sync.RWMutex
	values  map[string][]byte
	expires map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		values:  make(map[string][]byte),
		expires: make(map[string]time.Time),
	}
}

func (s *memoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	value, ok := s.values[key]
	deadline, hasDeadline := s.expires[key]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	if hasDeadline && time.Now().After(deadline) {
		_ = s.Delete(key)
		return nil, ErrNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (s *memoryStore) Set(key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	s.mu.Lock()
	s.values[key] = stored
	if ttl > 0 {
		s.expires[key] = time.Now().Add(ttl)
	} else {
		delete(s.expires, key)
	}
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) GetOrSet(key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	if value, err := s.Get(key); err == nil {
		return value, nil
	}

	value, err := fn()
	if err != nil {
		return nil, err
	}
	if err := s.Set(key, value, ttl); err != nil {
		return nil, err
	}
	return value, nil
}

func (s *memoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.values, key)
	delete(s.expires, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error {
	return nil
}
