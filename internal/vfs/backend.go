package vfs

import (
	"context"
	"io/fs"
	"sort"
	"strings"
	"sync"
)

// Backend is the interface for durable byte-stores. Keys are
// taxonomy paths without the leading slash. Implementations
// must make Put atomic: after a failed Put the previous value
// (or its absence) is still what Get returns.
type Backend interface {
	// Get returns the value stored at key, or an error
	// wrapping fs.ErrNotExist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores data at key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Delete removes key. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every key beginning with prefix, in any
	// order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Type returns the backend type identifier.
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// Memory is an in-process Backend. A single Memory may be
// shared by every session in the process.
type Memory struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{files: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.files[key]
	if !ok {
		return nil, &fs.PathError{Op: "get", Path: key, Err: fs.ErrNotExist}
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Put(_ context.Context, key string, data []byte) error {
	b := append(make([]byte, 0, len(data)), data...)

	m.mu.Lock()
	m.files[key] = b
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.files, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	_, ok := m.files[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0)
	for k := range m.files {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Type returns "memory".
func (m *Memory) Type() string { return "memory" }

// Close is a no-op for memory backends.
func (m *Memory) Close() error { return nil }
