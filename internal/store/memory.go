// ABOUTME: In-memory KV implementation for tests and the memory driver
// ABOUTME: Allows running the relay without SQLite or PostgreSQL

package store

import (
	"context"
	"errors"
	"sync"
)

var errMemoryClosed = errors.New("memory store closed")

// MemoryStore is an in-memory KV implementation.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[Namespace]map[string][]byte
	err    error // returned by every operation when set
	closed bool
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	data := make(map[Namespace]map[string][]byte, len(Namespaces))
	for _, ns := range Namespaces {
		data[ns] = make(map[string][]byte)
	}
	return &MemoryStore{data: data}
}

// SetError makes every subsequent operation fail with err. Pass nil to recover.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Get retrieves a value.
func (m *MemoryStore) Get(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[ns][key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(v), nil
}

// Put creates or replaces a value.
func (m *MemoryStore) Put(ctx context.Context, ns Namespace, key string, value []byte) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.data[ns][key] = cloneBytes(value)
	return nil
}

// Delete removes a value.
func (m *MemoryStore) Delete(ctx context.Context, ns Namespace, key string) error {
	if err := checkNamespace(ns); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	delete(m.data[ns], key)
	return nil
}

// Take removes a value and returns it.
func (m *MemoryStore) Take(ctx context.Context, ns Namespace, key string) ([]byte, error) {
	if err := checkNamespace(ns); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.data[ns][key]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.data[ns], key)
	return v, nil
}

// Ping reports the injected error, if any, or an error once closed.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errMemoryClosed
	}
	return m.err
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (m *MemoryStore) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
