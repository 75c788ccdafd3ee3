package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/file"
	"github.com/dukex/opsflow/pkg/persistence/persistencetest"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersistence(t *testing.T) {
	t.Parallel()

	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		return file.NewPersistence("file://" + t.TempDir())
	})
}

func TestPersistence_Layout(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store := file.NewPersistence(root)
	ctx := context.Background()

	def := testutil.SequentialDefinition("show version")
	require.NoError(t, store.DefinitionRepository().Create(ctx, def))

	_, err := os.Stat(filepath.Join(root, "definition", def.ID+".json"))
	require.NoError(t, err)

	_, err = store.DefinitionRepository().GetByID(ctx, "../escape")
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func TestPersistence_HealthCheck(t *testing.T) {
	t.Parallel()

	store := file.NewPersistence(filepath.Join(t.TempDir(), "missing"))

	assert.Error(t, store.HealthCheck(context.Background()))
}
