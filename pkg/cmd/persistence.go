package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/badger"
	"github.com/dukex/opsflow/pkg/persistence/file"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/dukex/opsflow/pkg/persistence/postgresql"
	"github.com/dukex/opsflow/pkg/persistence/redis"
)

var ErrUnsupportedPersistence = errors.New("unsupported persistence provider")

var supportedPersistenceProviders = []string{"memory", "file", "postgres", "postgresql", "redis", "rediss", "badger"}

// NewPersistence opens the store named by the scheme of databaseURL.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	provider, location := parsePersistenceProvider(databaseURL)

	logger.Info("opening persistence", "provider", provider)

	switch provider {
	case "memory":
		return memory.NewPersistence(), nil
	case "file":
		if location == "" {
			return nil, fmt.Errorf("%w: file:// needs a directory", ErrUnsupportedPersistence)
		}

		return file.NewPersistence(location), nil
	case "badger":
		return badger.NewPersistence(location, logger)
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case "redis", "rediss":
		return redis.NewPersistence(ctx, databaseURL)
	default:
		return nil, fmt.Errorf("%w: %q (supported: %s)",
			ErrUnsupportedPersistence, provider, strings.Join(supportedPersistenceProviders, ", "))
	}
}

// parsePersistenceProvider splits "scheme://rest". A bare path means file.
func parsePersistenceProvider(databaseURL string) (string, string) {
	provider, location, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file", databaseURL
	}

	return provider, location
}
