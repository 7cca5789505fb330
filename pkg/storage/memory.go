package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory store implementation. It is the default and
// suitable for single-server deployments and tests; state does not survive
// the process. For durable deployments use RedisStore, S3Store, or
// SQLiteStore.
type MemoryStore struct {
	mu     sync.RWMutex
	blobs  map[string][]byte
	closed bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

// Load retrieves the blob for a room, or (nil, nil) if never saved.
func (m *MemoryStore) Load(ctx context.Context, room string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStoreClosed{}
	}

	blob, ok := m.blobs[room]
	if !ok {
		return nil, nil
	}

	// Return a copy to prevent mutations
	cp := make([]byte, len(blob))
	copy(cp, blob)
	return cp, nil
}

// Save stores the blob for a room, overwriting any prior value.
func (m *MemoryStore) Save(ctx context.Context, room string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStoreClosed{}
	}

	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.blobs[room] = cp
	return nil
}

// Close marks the store closed. Subsequent operations fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.blobs = nil
	return nil
}
