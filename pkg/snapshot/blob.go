package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// BlobStore is content-addressed storage for snapshot payloads too large
// to keep inline on the record.
type BlobStore interface {
	// Store persists data and returns its content hash key.
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash key.
	Get(ctx context.Context, key string) ([]byte, error)
}

// MemoryBlobStore keeps blobs in process memory. Suitable for tests and
// single-node development runs.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Store(_ context.Context, data []byte) (string, error) {
	h := sha256.Sum256(data)
	key := "sha256:" + hex.EncodeToString(h[:])

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.blobs[key]; !exists {
		m.blobs[key] = append([]byte(nil), data...)
	}
	return key, nil
}

func (m *MemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("blob %q not found", key)
	}
	return append([]byte(nil), data...), nil
}
