package badger_test

import (
	"context"
	"testing"

	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/badger"
	"github.com/dukex/opsflow/pkg/persistence/persistencetest"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/require"
)

func TestPersistence(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		store, err := badger.NewPersistence("badger://"+t.TempDir(), log.Discard())
		require.NoError(t, err)

		t.Cleanup(func() { _ = store.Close(context.Background()) })

		return store
	})
}

func TestPersistence_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := badger.NewPersistence(dir, log.Discard())
	require.NoError(t, err)

	def := testutil.SequentialDefinition("show version")
	require.NoError(t, store.DefinitionRepository().Create(ctx, def))
	require.NoError(t, store.Close(ctx))

	store, err = badger.NewPersistence(dir, log.Discard())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(ctx) })

	got, err := store.DefinitionRepository().GetByID(ctx, def.ID)
	require.NoError(t, err)
	require.Equal(t, def.Name, got.Name)
}

func TestPersistence_InMemory(t *testing.T) {
	t.Parallel()

	store, err := badger.NewPersistence("badger://memory", log.Discard())
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(context.Background()) })

	require.NoError(t, store.HealthCheck(context.Background()))
}
