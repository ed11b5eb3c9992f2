// Package memory provides the shared request/result stores. The backing
// implementation is selected at startup: an in-process map for a single
// instance, or Redis when state must be shared or survive across workers.
package memory

import (
	"context"
	"sync"
)

// Store is a key-value store shared by all pipeline workers. Get reports
// absence through its second return value rather than an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
	Close() error
}

// RequestKey constructs the request-store key for a request id.
func RequestKey(requestID string) string {
	return "request_store:" + requestID
}

// ResultKey constructs the response-store key for a request id.
func ResultKey(requestID string) string {
	return "response_store:" + requestID
}

// MemoryStore implements Store with an in-process map.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, data []byte) error {
	val := make([]byte, len(data))
	copy(val, data)
	s.mu.Lock()
	s.data[key] = val
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
