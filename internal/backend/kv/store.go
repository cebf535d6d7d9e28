package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: key not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// Store is a flat key-value handle. Values are opaque bytes; encoding is
// left to the caller. All operations are safe for concurrent use.
type Store interface {
	// Get retrieves the value associated with key.
	// Returns ErrNotFound if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Returns ErrNotFound if there was nothing to
	// remove.
	Delete(ctx context.Context, key string) error

	// Keys lists every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies connectivity to the underlying backend.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// BatchSetter is implemented by stores that can write several keys in one
// round trip.
type BatchSetter interface {
	SetMany(ctx context.Context, values map[string][]byte) error
}

// BatchDeleter is implemented by stores that can remove several keys in one
// round trip. Missing keys are ignored.
type BatchDeleter interface {
	DeleteMany(ctx context.Context, keys []string) error
}

// BatchStore is a Store with both batch paths.
type BatchStore interface {
	Store
	BatchSetter
	BatchDeleter
}
