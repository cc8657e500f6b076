package kv

import (
	"context"
	"fmt"
	"sync"
)

// Memory is a fully in-memory Store. Safe for concurrent access. Intended
// for unit testing and development.
type Memory struct {
	mu    sync.RWMutex
	data  map[string][]byte
	used  int64
	quota int64
}

// NewMemory returns an empty in-memory store with the given quota.
// A non-positive quota falls back to DefaultQuotaBytes.
func NewMemory(quota int64) *Memory {
	if quota <= 0 {
		quota = DefaultQuotaBytes
	}
	return &Memory{
		data:  make(map[string][]byte),
		quota: quota,
	}
}

// Get returns the value stored under key, or ErrNotFound.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, key)
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set writes value under key, enforcing the hard quota.
func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	projected := m.used + EntrySize(key, value)
	if existing, ok := m.data[key]; ok {
		projected -= EntrySize(key, existing)
	}
	if projected > m.quota {
		return fmt.Errorf("%w: %d of %d bytes", ErrQuotaExceeded, projected, m.quota)
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.used = projected
	return nil
}

// Remove deletes key. Removing a missing key is a no-op.
func (m *Memory) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.data[key]; ok {
		m.used -= EntrySize(key, existing)
		delete(m.data, key)
	}
	return nil
}

// Keys lists every key currently present.
func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// BytesInUse reports the current total size of all stored entries.
func (m *Memory) BytesInUse(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used, nil
}

// Quota returns the hard capacity ceiling in bytes.
func (m *Memory) Quota() int64 {
	return m.quota
}
