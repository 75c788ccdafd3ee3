// Package persistencetest holds the behaviour every persistence provider
// must share. Provider packages run it from their own tests.
package persistencetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) persistence.Persistence

func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("definitions", func(t *testing.T) { testDefinitions(t, factory(t)) })
	t.Run("definition listing", func(t *testing.T) { testDefinitionListing(t, factory(t)) })
	t.Run("instances", func(t *testing.T) { testInstances(t, factory(t)) })
	t.Run("history", func(t *testing.T) { testHistory(t, factory(t)) })
	t.Run("history finish race", func(t *testing.T) { testFinishRace(t, factory(t)) })
	t.Run("health", func(t *testing.T) {
		require.NoError(t, factory(t).HealthCheck(context.Background()))
	})
}

func newDefinition(groupID string, version int, status models.DefinitionStatus) *models.ProcessDefinition {
	def := testutil.SequentialDefinition("show version")
	def.ID = ""
	def.GroupID = groupID
	def.Version = version
	def.Status = status

	return def
}

func testDefinitions(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.DefinitionRepository()

	v1 := newDefinition("group-a", 1, models.DefinitionStatusDraft)
	require.NoError(t, repo.Create(ctx, v1))
	assert.NotEmpty(t, v1.ID)
	assert.Equal(t, int64(1), v1.Revision)

	err := repo.Create(ctx, v1)
	require.ErrorIs(t, err, persistence.ErrDefinitionAlreadyExists)

	got, err := repo.GetByID(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.Name, got.Name)
	assert.Len(t, got.Nodes, 3)
	assert.Equal(t, "show version", got.Node("run").Action.Command)
	assert.Equal(t, time.Second, got.Node("run").Action.Timeout.Std())

	stale := got.Clone()

	got.Status = models.DefinitionStatusPublished
	now := time.Now().UTC()
	got.PublishedAt = &now
	require.NoError(t, repo.Update(ctx, got))
	assert.Equal(t, int64(2), got.Revision)

	stale.Description = "lost update"
	err = repo.Update(ctx, stale)
	require.ErrorIs(t, err, persistence.ErrRevisionConflict)

	published, err := repo.GetPublished(ctx, "group-a")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, published.ID)
	assert.NotNil(t, published.PublishedAt)

	v2 := newDefinition("group-a", 2, models.DefinitionStatusDraft)
	require.NoError(t, repo.Create(ctx, v2))

	versions, err := repo.Versions(ctx, "group-a")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, 1, versions[0].Version)
	assert.Equal(t, 2, versions[1].Version)

	_, err = repo.GetPublished(ctx, "group-b")
	require.ErrorIs(t, err, persistence.ErrPublishedDefinitionNotFound)

	require.NoError(t, repo.Delete(ctx, v2.ID))

	_, err = repo.GetByID(ctx, v2.ID)
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
	require.ErrorIs(t, repo.Delete(ctx, v2.ID), persistence.ErrDefinitionNotFound)

	versions, err = repo.Versions(ctx, "group-a")
	require.NoError(t, err)
	assert.Len(t, versions, 1)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrDefinitionNotFound)
}

func testDefinitionListing(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.DefinitionRepository()

	for i := 1; i <= 5; i++ {
		status := models.DefinitionStatusDraft
		if i%2 == 0 {
			status = models.DefinitionStatusPublished
		}

		def := newDefinition("group-list", i, status)
		def.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Create(ctx, def))
	}

	require.NoError(t, repo.Create(ctx, newDefinition("group-other", 1, models.DefinitionStatusDraft)))

	result, err := repo.List(ctx, persistence.ListDefinitionsOptions{GroupID: "group-list", Limit: 2, SortBy: "version", SortOrder: "asc"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), result.TotalCount)
	assert.True(t, result.HasNextPage)
	require.Len(t, result.Definitions, 2)
	assert.Equal(t, 1, result.Definitions[0].Version)

	result, err = repo.List(ctx, persistence.ListDefinitionsOptions{GroupID: "group-list", Limit: 2, Offset: 4, SortBy: "version", SortOrder: "asc"})
	require.NoError(t, err)
	assert.False(t, result.HasNextPage)
	require.Len(t, result.Definitions, 1)
	assert.Equal(t, 5, result.Definitions[0].Version)

	published := models.DefinitionStatusPublished
	result, err = repo.List(ctx, persistence.ListDefinitionsOptions{Status: &published})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.TotalCount)

	result, err = repo.List(ctx, persistence.ListDefinitionsOptions{GroupID: "group-list"})
	require.NoError(t, err)
	require.Len(t, result.Definitions, 5)
	assert.Equal(t, 5, result.Definitions[0].Version, "newest first by default")

	_, err = repo.List(ctx, persistence.ListDefinitionsOptions{SortBy: "owner"})
	require.ErrorIs(t, err, persistence.ErrInvalidListOptions)
}

func newInstance(t *testing.T, store persistence.Persistence) *models.ProcessInstance {
	t.Helper()

	ctx := context.Background()

	def := newDefinition("group-instances", 1, models.DefinitionStatusPublished)
	require.NoError(t, store.DefinitionRepository().Create(ctx, def))

	instance := &models.ProcessInstance{
		DefinitionID:      def.ID,
		DefinitionGroupID: def.GroupID,
		DefinitionVersion: def.Version,
		Name:              def.Name,
		Status:            models.InstanceStatusRunning,
		Definition:        def,
		Variables:         map[string]any{"site": "ams"},
		Slots:             map[string]*models.NodeSlot{"run": {NodeID: "run", State: models.SlotStateRunning}},
		StartedBy:         "noc",
		StartedAt:         time.Now().UTC(),
	}
	instance.SyncCurrentNodes()

	require.NoError(t, store.InstanceRepository().Create(ctx, instance))

	return instance
}

func testInstances(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.InstanceRepository()

	instance := newInstance(t, store)
	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, int64(1), instance.Revision)

	got, err := repo.GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"run"}, got.CurrentNodes)
	assert.Equal(t, "ams", got.Variables["site"])
	assert.Equal(t, models.SlotStateRunning, got.Slots["run"].State)
	require.NotNil(t, got.Definition)
	assert.Len(t, got.Definition.Nodes, 3)

	stale := got.Clone()

	ended := time.Now().UTC().Add(-2 * time.Hour)
	got.Status = models.InstanceStatusCompleted
	got.EndedAt = &ended
	got.Slots = map[string]*models.NodeSlot{}
	got.SyncCurrentNodes()
	require.NoError(t, repo.Update(ctx, got))
	assert.Equal(t, int64(2), got.Revision)

	require.ErrorIs(t, repo.Update(ctx, stale), persistence.ErrRevisionConflict)

	other := newInstance(t, store)

	running, err := repo.ListByStatus(ctx, models.InstanceStatusRunning, models.InstanceStatusSuspended)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, other.ID, running[0].ID)

	all, err := repo.ListByStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	old, err := repo.ListEndedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, instance.ID, old[0].ID)

	require.NoError(t, repo.Delete(ctx, instance.ID))

	_, err = repo.GetByID(ctx, instance.ID)
	require.ErrorIs(t, err, persistence.ErrInstanceNotFound)

	old, err = repo.ListEndedBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, old)
}

func begin(t *testing.T, repo persistence.HistoryRepository, instanceID, nodeID string, startedAt time.Time) *models.NodeExecutionHistory {
	t.Helper()

	record := &models.NodeExecutionHistory{
		InstanceID: instanceID,
		NodeID:     nodeID,
		NodeName:   "Node " + nodeID,
		NodeType:   models.NodeTypeAction,
		Attempt:    1,
		InputData:  map[string]any{"command": "show version"},
		StartedAt:  startedAt,
	}
	require.NoError(t, repo.Begin(context.Background(), record))

	return record
}

func testHistory(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.HistoryRepository()
	instance := newInstance(t, store)

	base := time.Now().UTC().Truncate(time.Millisecond)
	second := begin(t, repo, instance.ID, "b", base.Add(time.Second))
	first := begin(t, repo, instance.ID, "a", base)
	third := begin(t, repo, instance.ID, "a", base.Add(2*time.Second))

	assert.Equal(t, models.HistoryStatusRunning, first.Status)

	require.NoError(t, repo.Finish(ctx, first.ID, persistence.FinishUpdate{
		Status:     models.HistoryStatusCompleted,
		OutputData: map[string]any{"output": "ok"},
		EndedAt:    base.Add(500 * time.Millisecond),
	}))

	err := repo.Finish(ctx, first.ID, persistence.FinishUpdate{
		Status:       models.HistoryStatusFailed,
		ErrorMessage: "overwrite",
		EndedAt:      base.Add(time.Minute),
	})
	require.ErrorIs(t, err, persistence.ErrRecordAlreadyFinished)

	got, err := repo.GetByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.HistoryStatusCompleted, got.Status)
	assert.Equal(t, "ok", got.OutputData["output"])
	assert.Empty(t, got.ErrorMessage)
	require.NotNil(t, got.EndedAt)
	assert.WithinDuration(t, base.Add(500*time.Millisecond), *got.EndedAt, time.Millisecond)

	records, err := repo.ListByInstance(ctx, instance.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, []string{records[0].ID, records[1].ID, records[2].ID})

	byNode, err := repo.ListByNode(ctx, instance.ID, "a")
	require.NoError(t, err)
	require.Len(t, byNode, 2)
	assert.Equal(t, first.ID, byNode[0].ID)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, persistence.ErrRecordNotFound)
	require.ErrorIs(t, repo.Finish(ctx, "missing", persistence.FinishUpdate{Status: models.HistoryStatusFailed, EndedAt: base}), persistence.ErrRecordNotFound)

	require.NoError(t, repo.DeleteByInstance(ctx, instance.ID))

	records, err = repo.ListByInstance(ctx, instance.ID)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func testFinishRace(t *testing.T, store persistence.Persistence) {
	ctx := context.Background()
	repo := store.HistoryRepository()
	instance := newInstance(t, store)
	record := begin(t, repo, instance.ID, "a", time.Now().UTC())

	const finishers = 8

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := range finishers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			status := models.HistoryStatusCompleted
			if i%2 == 0 {
				status = models.HistoryStatusTerminated
			}

			err := repo.Finish(ctx, record.ID, persistence.FinishUpdate{Status: status, EndedAt: time.Now().UTC()})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()

				return
			}

			assert.ErrorIs(t, err, persistence.ErrRecordAlreadyFinished)
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, wins)
}
