package device

import "sync"

// LocalStore is per-device key/value storage that survives reloads.
type LocalStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
}

// MapStore is an in-memory LocalStore.
type MapStore struct {
	mu sync.Mutex
	m  map[string]string
}

func NewMapStore() *MapStore {
	return &MapStore{m: make(map[string]string)}
}

func (s *MapStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	return v, ok
}

func (s *MapStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func (s *MapStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}
