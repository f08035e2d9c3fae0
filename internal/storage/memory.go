package storage

import (
	"encoding/json"
	"sync"
)

// MemStore is an in-memory Store used in tests and for components that run
// without a configured file path.
type MemStore struct {
	data []byte
	mu   sync.Mutex
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{}
}

// Load unmarshals the held document into v, reporting absence when empty.
func (s *MemStore) Load(v interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return false, nil
	}
	if err := json.Unmarshal(s.data, v); err != nil {
		return false, err
	}
	return true, nil
}

// Save replaces the held document with the JSON encoding of v.
func (s *MemStore) Save(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// Reset clears the held document.
func (s *MemStore) Reset() error {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
	return nil
}
