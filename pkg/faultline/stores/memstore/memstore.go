// Package memstore provides an in-memory Store, used in tests and as the
// degraded fallback when no durable storage is available. An optional
// byte quota simulates constrained media.
package memstore

import (
	"sync"

	"github.com/faultline-io/faultline-go/pkg/faultline"
)

// Option configures the store.
type Option func(*Store)

// WithQuota caps the total stored bytes (keys plus values). Writes past
// the cap return faultline.ErrQuotaExceeded.
func WithQuota(bytes int) Option {
	return func(s *Store) { s.quota = bytes }
}

// Store is a mutex-guarded map implementing faultline.Store.
type Store struct {
	mu    sync.Mutex
	data  map[string]string
	quota int
}

// New creates an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{data: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get implements faultline.Store.
func (s *Store) Get(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	value, ok := s.data[key]
	if !ok {
		return "", faultline.ErrNotFound
	}
	return value, nil
}

// Set implements faultline.Store.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.quota > 0 {
		total := len(key) + len(value)
		for k, v := range s.data {
			if k == key {
				continue
			}
			total += len(k) + len(v)
		}
		if total > s.quota {
			return faultline.ErrQuotaExceeded
		}
	}
	s.data[key] = value
	return nil
}

// Delete implements faultline.Store.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
