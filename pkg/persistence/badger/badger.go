// Package badger stores documents in an embedded Badger database.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/dukex/opsflow/pkg/persistence/kv"
)

const maxConflictRetries = 16

type Backend struct {
	db *badgerdb.DB
}

// NewPersistence opens (or creates) a database in dir. An empty dir or
// "badger://memory" keeps it in memory.
func NewPersistence(dir string, logger *slog.Logger) (*kv.Persistence, error) {
	backend, err := Open(dir, logger)
	if err != nil {
		return nil, err
	}

	return kv.New(backend), nil
}

func Open(dir string, logger *slog.Logger) (*Backend, error) {
	dir = strings.TrimPrefix(dir, "badger://")

	opts := badgerdb.DefaultOptions(dir).WithLogger(&slogLogger{logger: logger.With("module", "badger")})
	if dir == "" || dir == "memory" {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &Backend{db: db}, nil
}

func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte

	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)

		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, kv.ErrKeyNotFound
	}

	return value, err
}

func (b *Backend) List(_ context.Context, prefix string) ([][]byte, error) {
	values := make([][]byte, 0)

	err := b.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}

			values = append(values, value)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return values, nil
}

// Update retries on transaction conflicts; fn may therefore run more than once.
func (b *Backend) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	for range maxConflictRetries {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.db.Update(func(txn *badgerdb.Txn) error {
			var current []byte

			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badgerdb.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				current, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			}

			next, err := fn(current)
			if err != nil {
				return err
			}

			return txn.Set([]byte(key), next)
		})
		if errors.Is(err, badgerdb.ErrConflict) {
			continue
		}

		return err
	}

	return fmt.Errorf("update of %s: %w", key, badgerdb.ErrConflict)
}

func (b *Backend) Delete(_ context.Context, keys ...string) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		for _, key := range keys {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}

		return nil
	})
}

func (b *Backend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errors.New("badger database is closed")
	}

	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// slogLogger routes badger's logger to slog.
type slogLogger struct {
	logger *slog.Logger
}

func (l *slogLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *slogLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
