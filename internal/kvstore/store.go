// Package kvstore is the durable key-value layer every persistent component
// writes through. Values are opaque bytes; callers own their encoding.
package kvstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a durable key-value store with prefix enumeration
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Scan returns every entry whose key starts with prefix
	Scan(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}
