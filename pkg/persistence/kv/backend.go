// Package kv implements the persistence repositories on top of any ordered
// key/value backend. Documents are stored as JSON.
package kv

import (
	"context"
	"errors"
)

var ErrKeyNotFound = errors.New("key not found")

// Backend is the minimal storage contract the repositories need.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns the values of every key starting with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([][]byte, error)
	// Update atomically replaces the value of key with the result of fn.
	// current is nil when the key does not exist. An error from fn aborts
	// the update and is returned unchanged.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}
