// Package kv is the key-value backing store for short-lived records such as
// sessions and metrics subscriptions. Every record carries its own expiry.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store defines the backing store operations. No multi-key transactions are
// assumed; each operation is independent.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key. A ttl of zero means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*BadgerStore)(nil)
)
