package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store implementation for testing.
// ETags come from a store-wide monotonic counter, so conditional-write
// semantics match a real object store and a witness can never match again
// once its blob is overwritten, deleted, or deleted and recreated.
// Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu      sync.Mutex
	version uint64
	blobs   map[string]*memoryEntry
}

type memoryEntry struct {
	data    []byte
	version uint64
}

func (e *memoryEntry) etag() ETag {
	return ETag(fmt.Sprintf("v%d", e.version))
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string]*memoryEntry),
	}
}

// Get reads a blob and its current ETag.
func (m *MemoryStore) Get(_ context.Context, name string) ([]byte, ETag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobs[name]
	if !ok {
		return nil, "", ErrNotFound
	}

	// Return a copy to prevent external mutation
	copied := make([]byte, len(e.data))
	copy(copied, e.data)
	return copied, e.etag(), nil
}

// Put writes a blob unconditionally.
func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(name, data)
	return nil
}

// PutIfAbsent writes a blob only if it does not exist.
func (m *MemoryStore) PutIfAbsent(_ context.Context, name string, data []byte) (ETag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.blobs[name]; ok {
		return "", ErrPreconditionFailed
	}
	return m.put(name, data), nil
}

// PutIfMatch overwrites a blob only if its ETag still matches.
func (m *MemoryStore) PutIfMatch(_ context.Context, name string, data []byte, etag ETag) (ETag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobs[name]
	if !ok || e.etag() != etag {
		return "", ErrPreconditionFailed
	}
	return m.put(name, data), nil
}

// List returns all blob names matching the prefix, sorted.
func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.blobs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Copy duplicates a blob.
func (m *MemoryStore) Copy(_ context.Context, src, dst string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobs[src]
	if !ok {
		return ErrNotFound
	}
	copied := make([]byte, len(e.data))
	copy(copied, e.data)
	m.put(dst, copied)
	return nil
}

// Delete removes a blob.
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.blobs, name)
	return nil
}

// Corrupt flips a byte of a stored blob without changing its ETag.
// Test hook for scrub coverage.
func (m *MemoryStore) Corrupt(name string, offset int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobs[name]
	if !ok {
		return ErrNotFound
	}
	if offset < 0 || offset >= len(e.data) {
		return fmt.Errorf("blobstore: corrupt offset %d out of range", offset)
	}
	e.data[offset] ^= 0xff
	return nil
}

// put stores a copy of data and returns the new ETag. Caller holds m.mu.
func (m *MemoryStore) put(name string, data []byte) ETag {
	copied := make([]byte, len(data))
	copy(copied, data)

	e, ok := m.blobs[name]
	if !ok {
		e = &memoryEntry{}
		m.blobs[name] = e
	}
	m.version++
	e.data = copied
	e.version = m.version
	return e.etag()
}
