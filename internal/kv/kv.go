// Package kv abstracts the capacity-bounded persistent key/value store that
// all durable state flows through. Implementations report their byte usage
// and hard quota so the storage manager can keep the store under its
// ceiling.
package kv

import (
	"context"
	"errors"
)

// DefaultQuotaBytes is assumed when a backend cannot report its own
// capacity ceiling.
const DefaultQuotaBytes int64 = 10 * 1024 * 1024

// Errors returned by store implementations.
var (
	// ErrNotFound is returned by Get for a missing key.
	ErrNotFound = errors.New("kv: key not found")

	// ErrQuotaExceeded is returned by Set when a write would push usage
	// past the store's hard capacity ceiling.
	ErrQuotaExceeded = errors.New("kv: quota exceeded")
)

// Store is a capacity-bounded key/value mapping. The store is assumed
// single-writer (one process instance); no cross-process transaction
// discipline is provided.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set writes value under key, replacing any existing value. Returns
	// ErrQuotaExceeded when the write would exceed the hard quota.
	Set(ctx context.Context, key string, value []byte) error

	// Remove deletes key. Removing a missing key is a no-op.
	Remove(ctx context.Context, key string) error

	// Keys lists every key currently present.
	Keys(ctx context.Context) ([]string, error)

	// BytesInUse reports the current total size of all stored entries.
	BytesInUse(ctx context.Context) (int64, error)

	// Quota returns the hard capacity ceiling in bytes.
	Quota() int64
}

// EntrySize is the byte accounting rule shared by implementations: the key
// and its serialized value both count against the quota.
func EntrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}
