// Package redis stores documents in Redis under a key namespace.
package redis

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/dukex/opsflow/pkg/persistence/kv"
	goredis "github.com/redis/go-redis/v9"
)

const (
	namespace          = "opsflow:"
	scanBatch          = 200
	maxConflictRetries = 16
)

type Backend struct {
	client *goredis.Client
}

// NewPersistence connects to the redis:// URL and checks the connection.
func NewPersistence(ctx context.Context, url string) (*kv.Persistence, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := goredis.NewClient(opts)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return kv.New(&Backend{client: client}), nil
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := b.client.Get(ctx, namespace+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, kv.ErrKeyNotFound
	}

	return value, err
}

func (b *Backend) List(ctx context.Context, prefix string) ([][]byte, error) {
	keys := make([]string, 0)

	iter := b.client.Scan(ctx, 0, namespace+prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", prefix, err)
	}

	values := make([][]byte, 0, len(keys))
	if len(keys) == 0 {
		return values, nil
	}

	slices.Sort(keys)

	raw, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", prefix, err)
	}

	for _, value := range raw {
		// keys deleted between SCAN and MGET come back as nil
		if s, ok := value.(string); ok {
			values = append(values, []byte(s))
		}
	}

	return values, nil
}

// Update runs fn inside WATCH/MULTI and retries when another writer won.
func (b *Backend) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	full := namespace + key

	txf := func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
			current = nil
		case err != nil:
			return err
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, full, next, 0)

			return nil
		})

		return err
	}

	for range maxConflictRetries {
		err := b.client.Watch(ctx, txf, full)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}

		return err
	}

	return fmt.Errorf("update of %s: %w", key, goredis.TxFailedErr)
}

func (b *Backend) Delete(ctx context.Context, keys ...string) error {
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = namespace + key
	}

	return b.client.Del(ctx, full...).Err()
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Backend) Close() error {
	return b.client.Close()
}
