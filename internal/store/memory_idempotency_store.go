package store

import (
	"context"
	"sync"
	"time"
)

// MemoryIdempotencyStore is an in-process IdempotencyStore for tests and
// deployments without Redis.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]memoryIdemEntry
}

type memoryIdemEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{entries: make(map[string]memoryIdemEntry)}
}

// Get retrieves a cached response if it has not expired.
func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", ErrNotFound
	}
	return entry.value, nil
}

// Set caches a response with a TTL.
func (s *MemoryIdempotencyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryIdemEntry{value: value, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Delete removes a cached response.
func (s *MemoryIdempotencyStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryIdempotencyStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryIdempotencyStore) Close() error { return nil }
