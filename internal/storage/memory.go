package storage

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

const lockKeyPrefix = "lock:"

// MemoryStore is an in-process backend for single-instance deployments and tests.
type MemoryStore struct {
	cache *gocache.Cache
}

// NewMemoryStore creates an in-memory backend; expired items are evicted every cleanupInterval.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	return &MemoryStore{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Get returns the live value for key.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(b), true, nil
}

// Put replaces the value for key.
func (m *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.Set(key, bytes.Clone(value), memoryTTL(ttl))
	return nil
}

// PutIfAbsent writes only when the key has no live value.
func (m *MemoryStore) PutIfAbsent(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := m.cache.Add(key, bytes.Clone(value), memoryTTL(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// Delete removes key.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}

// TryLock takes a lease that expires after ttl unless released first.
func (m *MemoryStore) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := lockKeyPrefix + key
	token := uuid.NewString()
	if err := m.cache.Add(lockKey, token, memoryTTL(ttl)); err != nil {
		return nil, false, nil
	}
	unlock := func() {
		if held, ok := m.cache.Get(lockKey); ok && held == token {
			m.cache.Delete(lockKey)
		}
	}
	return unlock, true, nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() {}

func memoryTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

var _ Backend = (*MemoryStore)(nil)
