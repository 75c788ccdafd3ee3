package engine_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_FinishIsFinal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := engine.NewRecorder(store.HistoryRepository(), log.Discard())

	node := testutil.ActionNode("backup", "show configuration")

	id, err := recorder.Begin(ctx, "inst-1", node, map[string]any{"command": "show configuration"}, 1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	records, err := recorder.List(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.HistoryStatusRunning, records[0].Status)
	assert.Equal(t, "Action backup", records[0].NodeName)
	assert.Equal(t, models.NodeTypeAction, records[0].NodeType)
	assert.Nil(t, records[0].EndedAt)

	require.NoError(t, recorder.Finish(ctx, id, models.HistoryStatusCompleted, map[string]any{"output": "saved"}, nil))

	err = recorder.Finish(ctx, id, models.HistoryStatusFailed, nil, errors.New("late failure"))
	require.ErrorIs(t, err, persistence.ErrRecordAlreadyFinished)

	records, err = recorder.ListByNode(ctx, "inst-1", "backup")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.HistoryStatusCompleted, records[0].Status)
	assert.Equal(t, "saved", records[0].OutputData["output"])
	assert.Empty(t, records[0].ErrorMessage)
	assert.NotNil(t, records[0].EndedAt)
}

func TestRecorder_FinishWithError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPersistence()
	recorder := engine.NewRecorder(store.HistoryRepository(), log.Discard())

	id, err := recorder.Begin(ctx, "inst-1", testutil.ActionNode("commit", "commit"), nil, 2, 0)
	require.NoError(t, err)

	require.NoError(t, recorder.Finish(ctx, id, models.HistoryStatusFailed, nil, errors.New("gateway timeout")))

	records, err := recorder.List(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Attempt)
	assert.Equal(t, "gateway timeout", records[0].ErrorMessage)

	err = recorder.Finish(ctx, "missing", models.HistoryStatusCompleted, nil, nil)
	assert.True(t, persistence.IsNotFound(err))
}
