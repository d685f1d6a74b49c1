// Package kv abstracts the key-value primitive backing the blueprint,
// component and run stores. The production implementation is Redis; an
// in-memory implementation backs tests.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("kv: key not found")

// Store is a flat string-keyed store with an atomic lock-guarded write.
// Values are UTF-8 JSON by convention.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes the value unconditionally.
	Set(ctx context.Context, key, value string) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Scan returns all keys matching a glob-style pattern.
	Scan(ctx context.Context, pattern string) ([]string, error)

	// CheckAndSet writes value under valueKey and newLock under lockKey
	// iff the stored lock equals expectedLock. An empty expectedLock
	// means "create": the write succeeds only when lockKey is absent.
	// Returns false on lock mismatch.
	CheckAndSet(ctx context.Context, valueKey, lockKey, expectedLock, newLock, value string) (bool, error)
}
