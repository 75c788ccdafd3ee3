package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/mocks"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/dukex/opsflow/pkg/scheduler"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type startCall struct {
	groupID   string
	variables map[string]any
	startedBy string
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

func (f *fakeStarter) StartPublished(_ context.Context, groupID string, variables map[string]any, startedBy string) (*models.ProcessInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	f.calls = append(f.calls, startCall{groupID: groupID, variables: variables, startedBy: startedBy})

	return &models.ProcessInstance{ID: "inst-" + groupID, DefinitionID: groupID + "-v1"}, nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func TestScheduler_Fire(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s := scheduler.New(starter, memory.NewPersistence(), log.Discard())

	schedule := config.Schedule{
		Name:              "nightly-audit",
		Cron:              "@daily",
		DefinitionGroupID: "audit",
		Variables:         map[string]any{"scope": "core"},
	}

	instance, err := s.Fire(t.Context(), schedule)
	require.NoError(t, err)
	assert.Equal(t, "inst-audit", instance.ID)

	require.Len(t, starter.calls, 1)
	call := starter.calls[0]
	assert.Equal(t, "audit", call.groupID)
	assert.Equal(t, "schedule:nightly-audit", call.startedBy)
	assert.Equal(t, "core", call.variables["scope"])
	assert.NotEmpty(t, call.variables["scheduled_at"])
	assert.NotContains(t, schedule.Variables, "scheduled_at")

	starter.err = persistence.ErrPublishedDefinitionNotFound
	_, err = s.Fire(t.Context(), schedule)
	require.ErrorIs(t, err, persistence.ErrPublishedDefinitionNotFound)
}

func TestScheduler_CronStartsInstances(t *testing.T) {
	t.Parallel()

	starter := &fakeStarter{}
	s := scheduler.New(starter, memory.NewPersistence(), log.Discard())

	require.NoError(t, s.AddSchedule(config.Schedule{Name: "tick", Cron: "@every 1s", DefinitionGroupID: "probe"}))
	require.Error(t, s.AddSchedule(config.Schedule{Name: "broken", Cron: "whenever", DefinitionGroupID: "probe"}))

	s.Start()
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Eventually(t, func() bool { return starter.count() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_Sweep(t *testing.T) {
	t.Parallel()

	store := memory.NewPersistence()
	ctx := t.Context()
	def := testutil.SequentialDefinition("show version")

	ended := func(status models.InstanceStatus, ago time.Duration) func(*models.ProcessInstance) {
		return func(i *models.ProcessInstance) {
			endedAt := time.Now().UTC().Add(-ago)
			i.Status = status
			i.EndedAt = &endedAt
			i.Slots = map[string]*models.NodeSlot{}
		}
	}

	old := testutil.CreateTestInstance(def, ended(models.InstanceStatusCompleted, 48*time.Hour))
	oldFailed := testutil.CreateTestInstance(def, ended(models.InstanceStatusFailed, 72*time.Hour))
	recent := testutil.CreateTestInstance(def, ended(models.InstanceStatusTerminated, time.Minute))
	running := testutil.CreateTestInstance(def)

	for _, instance := range []*models.ProcessInstance{old, oldFailed, recent, running} {
		require.NoError(t, store.InstanceRepository().Create(ctx, instance))
		require.NoError(t, store.HistoryRepository().Begin(ctx, testutil.CreateTestRecord(instance.ID, "run")))
	}

	s := scheduler.New(&fakeStarter{}, store, log.Discard())

	removed, err := s.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, id := range []string{old.ID, oldFailed.ID} {
		_, err := store.InstanceRepository().GetByID(ctx, id)
		require.ErrorIs(t, err, persistence.ErrInstanceNotFound)

		records, err := store.HistoryRepository().ListByInstance(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, records)
	}

	for _, id := range []string{recent.ID, running.ID} {
		_, err := store.InstanceRepository().GetByID(ctx, id)
		require.NoError(t, err)

		records, err := store.HistoryRepository().ListByInstance(ctx, id)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	}

	removed, err = s.Sweep(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestScheduler_AddRetention(t *testing.T) {
	t.Parallel()

	s := scheduler.New(&fakeStarter{}, memory.NewPersistence(), log.Discard())

	require.NoError(t, s.AddRetention(config.RetentionConfig{}))
	require.NoError(t, s.AddRetention(config.RetentionConfig{MaxAge: time.Hour, Schedule: "@hourly"}))

	err := s.AddRetention(config.RetentionConfig{MaxAge: time.Hour, Schedule: "sometimes"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}

func TestScheduler_SweepStorageErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("storage offline")

	t.Run("list fails", func(t *testing.T) {
		t.Parallel()

		instances := &mocks.MockInstanceRepository{}
		instances.On("ListEndedBefore", mock.Anything, mock.Anything).Return(nil, boom)

		store := &mocks.MockPersistence{Instances: instances, History: &mocks.MockHistoryRepository{}}

		removed, err := scheduler.New(&fakeStarter{}, store, log.Discard()).Sweep(t.Context(), time.Hour)
		require.ErrorIs(t, err, boom)
		assert.Zero(t, removed)
	})

	t.Run("history delete fails", func(t *testing.T) {
		t.Parallel()

		instances := &mocks.MockInstanceRepository{}
		instances.On("ListEndedBefore", mock.Anything, mock.Anything).
			Return([]*models.ProcessInstance{{ID: "a"}, {ID: "b"}}, nil)
		instances.On("Delete", mock.Anything, "a").Return(nil)

		history := &mocks.MockHistoryRepository{}
		history.On("DeleteByInstance", mock.Anything, "a").Return(nil)
		history.On("DeleteByInstance", mock.Anything, "b").Return(boom)

		store := &mocks.MockPersistence{Instances: instances, History: history}

		removed, err := scheduler.New(&fakeStarter{}, store, log.Discard()).Sweep(t.Context(), time.Hour)
		require.ErrorIs(t, err, boom)
		assert.Equal(t, 1, removed)
		instances.AssertNotCalled(t, "Delete", mock.Anything, "b")
	})

	t.Run("instance already gone", func(t *testing.T) {
		t.Parallel()

		instances := &mocks.MockInstanceRepository{}
		instances.On("ListEndedBefore", mock.Anything, mock.Anything).
			Return([]*models.ProcessInstance{{ID: "a"}}, nil)
		instances.On("Delete", mock.Anything, "a").
			Return(persistence.NewInstanceError("Delete", "a", persistence.ErrInstanceNotFound))

		history := &mocks.MockHistoryRepository{}
		history.On("DeleteByInstance", mock.Anything, "a").Return(nil)

		store := &mocks.MockPersistence{Instances: instances, History: history}

		removed, err := scheduler.New(&fakeStarter{}, store, log.Discard()).Sweep(t.Context(), time.Hour)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})
}
