// Package memory keeps everything in process memory. Used by the CLI runner
// and tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/opsflow/pkg/persistence/kv"
)

type Backend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewBackend() *Backend {
	return &Backend{values: make(map[string][]byte)}
}

// NewPersistence returns an empty in-memory store.
func NewPersistence() *kv.Persistence {
	return kv.New(NewBackend())
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, ok := b.values[key]
	if !ok {
		return nil, kv.ErrKeyNotFound
	}

	return append([]byte(nil), value...), nil
}

func (b *Backend) List(_ context.Context, prefix string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0)
	for key := range b.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		values = append(values, append([]byte(nil), b.values[key]...))
	}

	return values, nil
}

func (b *Backend) Update(_ context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, ok := b.values[key]
	if ok {
		current = append([]byte(nil), current...)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	b.values[key] = next

	return nil
}

func (b *Backend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		delete(b.values, key)
	}

	return nil
}

func (b *Backend) Ping(context.Context) error {
	return nil
}

func (b *Backend) Close() error {
	return nil
}
