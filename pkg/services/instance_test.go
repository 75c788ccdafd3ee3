package services

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInstanceService(t *testing.T) (*Instance, persistence.Persistence) {
	t.Helper()

	store := memory.NewPersistence()

	profiles, err := device.NewProfiles([]device.Profile{{Name: "lab", Host: "10.0.0.1"}})
	require.NoError(t, err)

	registry := executors.NewDefaultRegistry(executors.Dependencies{
		Devices:  device.NewDryRunExecutor(log.Discard()),
		Profiles: profiles,
		Logger:   log.Discard(),
	})

	eng := engine.New(store, registry, engine.Options{Logger: log.Discard()})
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	return NewInstance(store, eng, log.Discard()), store
}

func publishDefinition(t *testing.T, store persistence.Persistence, def *models.ProcessDefinition) *models.ProcessDefinition {
	t.Helper()

	def.Status = models.DefinitionStatusPublished
	require.NoError(t, store.DefinitionRepository().Create(t.Context(), def))

	return def
}

func waitFor(t *testing.T, service *Instance, id string) *models.ProcessInstance {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	instance, err := service.Wait(ctx, id)
	require.NoError(t, err)

	return instance
}

func TestInstance_StartAndHistory(t *testing.T) {
	t.Parallel()

	service, store := newInstanceService(t)
	def := publishDefinition(t, store, testutil.SequentialDefinition("show version"))

	started, err := service.Start(t.Context(), StartInstanceRequest{DefinitionID: def.ID, StartedBy: "alice"})
	require.NoError(t, err)
	assert.Equal(t, def.ID, started.DefinitionID)
	assert.Equal(t, def.Version, started.DefinitionVersion)

	instance := waitFor(t, service, started.ID)
	assert.Equal(t, models.InstanceStatusCompleted, instance.Status)

	got, err := service.Get(t.Context(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, got.Status)

	history, err := service.History(t.Context(), started.ID, "")
	require.NoError(t, err)
	assert.Len(t, history, 3)

	history, err = service.History(t.Context(), started.ID, "run")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "show version", history[0].InputData["command"])

	_, err = service.History(t.Context(), "missing", "")
	assert.True(t, IsNotFoundError(err))
}

func TestInstance_StartValidation(t *testing.T) {
	t.Parallel()

	service, store := newInstanceService(t)

	_, err := service.Start(t.Context(), StartInstanceRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.True(t, IsValidationError(err))

	draft := testutil.SequentialDefinition("show version")
	require.NoError(t, store.DefinitionRepository().Create(t.Context(), draft))

	_, err = service.Start(t.Context(), StartInstanceRequest{DefinitionID: draft.ID})
	require.ErrorIs(t, err, engine.ErrDefinitionNotPublished)
	assert.True(t, IsConflictError(err))

	_, err = service.Start(t.Context(), StartInstanceRequest{DefinitionID: "missing"})
	assert.True(t, IsNotFoundError(err))
}

func TestInstance_StartPublished(t *testing.T) {
	t.Parallel()

	service, store := newInstanceService(t)
	def := publishDefinition(t, store, testutil.SequentialDefinition("show version"))

	started, err := service.StartPublished(t.Context(), def.GroupID, map[string]any{"site": "ams"}, "scheduler")
	require.NoError(t, err)
	assert.Equal(t, "scheduler", started.StartedBy)
	assert.Equal(t, "ams", started.Variables["site"])

	_, err = service.StartPublished(t.Context(), "unknown-group", nil, "scheduler")
	assert.True(t, IsNotFoundError(err))
}

func TestInstance_ResumeTerminateAndVariables(t *testing.T) {
	t.Parallel()

	service, store := newInstanceService(t)

	def := publishDefinition(t, store, testutil.CreateTestDefinition(
		testutil.WithNodes(testutil.HumanTaskNode("approve", nil), testutil.ActionNode("apply", "apply")),
		testutil.WithChain("start", "approve", "apply"),
	))

	first, err := service.Start(t.Context(), StartInstanceRequest{DefinitionID: def.ID})
	require.NoError(t, err)

	suspended := waitFor(t, service, first.ID)
	require.Equal(t, models.InstanceStatusSuspended, suspended.Status)

	_, err = service.Resume(t.Context(), first.ID, "", nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = service.Resume(t.Context(), first.ID, "nope", nil)
	assert.True(t, IsNotFoundError(err))

	_, err = service.UpdateVariables(t.Context(), first.ID, nil)
	require.ErrorIs(t, err, ErrInvalidRequest)

	updated, err := service.UpdateVariables(t.Context(), first.ID, map[string]any{"ticket": "CHG-1"})
	require.NoError(t, err)
	assert.Equal(t, "CHG-1", updated.Variables["ticket"])

	_, err = service.Resume(t.Context(), first.ID, suspended.Slots["approve"].ResumeToken, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, waitFor(t, service, first.ID).Status)

	second, err := service.Start(t.Context(), StartInstanceRequest{DefinitionID: def.ID})
	require.NoError(t, err)
	waitFor(t, service, second.ID)

	terminated, err := service.Terminate(t.Context(), second.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusTerminated, terminated.Status)

	_, err = service.Terminate(t.Context(), second.ID, "")
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
	assert.True(t, IsConflictError(err))

	completed, err := service.List(t.Context(), models.InstanceStatusCompleted)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, first.ID, completed[0].ID)

	all, err := service.List(t.Context())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = service.List(t.Context(), "paused")
	require.ErrorIs(t, err, ErrInvalidStatus)
}
