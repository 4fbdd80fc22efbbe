package storage

import (
	"errors"
	"sync"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store defines the interface for key-value storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a value with the given key
	// Overwrites any existing value for the key
	Put(key string, value []byte) error

	// Delete removes a key-value pair
	// No error if key doesn't exist
	Delete(key string) error

	// List returns all keys in the store, sorted
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

// MemoryStore shares one Map between goroutines behind a single
// sync.RWMutex. It is the baseline replicated stores are measured against.
type MemoryStore struct {
	mu sync.RWMutex
	m  *Map
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: NewMap()}
}

// Get retrieves a copy of the value stored under key
func (s *MemoryStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	res := s.m.Dispatch(Get(key))
	s.mu.RUnlock()
	if !res.Found {
		return nil, ErrKeyNotFound
	}
	return res.Value, nil
}

// Put stores a copy of value under key
func (s *MemoryStore) Put(key string, value []byte) error {
	op := Put(key, value)
	s.mu.Lock()
	s.m.DispatchMut(op)
	s.mu.Unlock()
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	s.m.DispatchMut(Delete(key))
	s.mu.Unlock()
	return nil
}

// DeleteRange removes every key in [start, end) and returns how many
func (s *MemoryStore) DeleteRange(start, end string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.DispatchMut(DeleteRange(start, end)).Count
}

// List returns all keys in the store, sorted
func (s *MemoryStore) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Dispatch(List()).Keys
}

// ListRange returns the sorted keys in [start, end)
func (s *MemoryStore) ListRange(start, end string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Dispatch(ListRange(start, end)).Keys
}

// Stats returns storage statistics
func (s *MemoryStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Dispatch(Stat()).Stats
}

// Fingerprint returns a hash of the store's content
func (s *MemoryStore) Fingerprint() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m.Dispatch(Fingerprint()).Fingerprint
}
