// Package file provides file-based persistence: one JSON document per entity
// under a root directory.
package file

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/opsflow/pkg/persistence/kv"
)

// Backend maps keys to <root>/<key>.json.
type Backend struct {
	root string
	mu   sync.RWMutex
}

// NewPersistence creates a file persistence rooted at root. A file:// prefix
// is accepted.
func NewPersistence(root string) *kv.Persistence {
	return kv.New(NewBackend(root))
}

func NewBackend(root string) *Backend {
	return &Backend{root: strings.Replace(root, "file://", "", 1)}
}

func (b *Backend) path(key string) string {
	return filepath.Clean(filepath.Join(b.root, filepath.FromSlash(key)+".json"))
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.read(key)
}

func (b *Backend) read(key string) ([]byte, error) {
	body, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, kv.ErrKeyNotFound
		}

		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return body, nil
}

func (b *Backend) List(_ context.Context, prefix string) ([][]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	dir := filepath.Join(b.root, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return [][]byte{}, nil
		}

		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}

	sort.Strings(names)

	values := make([][]byte, 0, len(names))

	for _, name := range names {
		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		values = append(values, body)
	}

	return values, nil
}

func (b *Backend) Update(_ context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	current, err := b.read(key)
	if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
		return err
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	target := b.path(key)

	err = os.MkdirAll(filepath.Dir(target), 0o750)
	if err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}

	// write then rename so readers never see a partial document
	tmp := target + ".tmp"

	err = os.WriteFile(tmp, next, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	err = os.Rename(tmp, target)
	if err != nil {
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}

	return nil
}

func (b *Backend) Delete(_ context.Context, keys ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		err := os.Remove(b.path(key))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete %s: %w", key, err)
		}
	}

	return nil
}

// Ping checks the root directory exists.
func (b *Backend) Ping(context.Context) error {
	if _, err := os.Stat(b.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

func (b *Backend) Close() error {
	return nil
}
