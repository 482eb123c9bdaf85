// Package memory keeps object and schedule state in process memory for
// development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/fnscraper/internal/storage"
)

// BlobStore stores objects in-memory and returns memory:// URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
	meta map[string]storage.PutOptions
	puts int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
		meta: make(map[string]storage.PutOptions),
	}
}

// Put stores a copy of body.
func (s *BlobStore) Put(_ context.Context, key string, body []byte, opts storage.PutOptions) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte{}, body...)
	s.meta[key] = opts
	s.puts++
	return s.URL(key), nil
}

// Exists reports whether key was stored.
func (s *BlobStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// URL returns the memory:// URI for key.
func (s *BlobStore) URL(key string) string {
	return fmt.Sprintf("memory://%s", key)
}

// Get returns the stored bytes and options.
func (s *BlobStore) Get(key string) ([]byte, storage.PutOptions, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.data[key]
	return append([]byte(nil), body...), s.meta[key], ok
}

// Puts counts successful Put calls.
func (s *BlobStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}
