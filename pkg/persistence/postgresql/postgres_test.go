package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/persistencetest"
	"github.com/dukex/opsflow/pkg/persistence/postgresql"
	"github.com/dukex/opsflow/pkg/testutil"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"node_execution_history", "process_instances", "process_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres container tests skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("opsflow_test"),
			postgres.WithUsername("opsflow"),
			postgres.WithPassword("opsflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	store, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = store.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return store, ctx, databaseURL
}

func TestPersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		store, _, _ := setupTestDB(t)

		return store
	})
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	for _, table := range []string{"process_definitions", "process_instances", "node_execution_history"} {
		var exists bool

		err := db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestHistory_CascadesWithInstance(t *testing.T) {
	store, ctx, databaseURL := setupTestDB(t)

	def := testutil.SequentialDefinition("show version")
	def.ID = ""
	require.NoError(t, store.DefinitionRepository().Create(ctx, def))

	instance := testutil.CreateTestInstance(def)
	require.NoError(t, store.InstanceRepository().Create(ctx, instance))

	record := testutil.CreateTestRecord(instance.ID, "run")
	require.NoError(t, store.HistoryRepository().Begin(ctx, record))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	_, err = db.ExecContext(ctx, "DELETE FROM process_instances WHERE id = $1", instance.ID)
	require.NoError(t, err)

	_, err = store.HistoryRepository().GetByID(ctx, record.ID)
	require.ErrorIs(t, err, persistence.ErrRecordNotFound)
}
