package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePersistenceProvider(t *testing.T) {
	t.Parallel()

	tests := []struct {
		url      string
		provider string
		location string
	}{
		{url: "memory://", provider: "memory", location: ""},
		{url: "file://./data", provider: "file", location: "./data"},
		{url: "./data", provider: "file", location: "./data"},
		{url: "badger:///var/lib/opsflow", provider: "badger", location: "/var/lib/opsflow"},
		{url: "postgres://u:p@db:5432/opsflow", provider: "postgres", location: "u:p@db:5432/opsflow"},
		{url: "redis://cache:6379/0", provider: "redis", location: "cache:6379/0"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			t.Parallel()

			provider, location := parsePersistenceProvider(tt.url)
			assert.Equal(t, tt.provider, provider)
			assert.Equal(t, tt.location, location)
		})
	}
}

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	ctx := t.Context()

	store, err := NewPersistence(ctx, log.Discard(), "memory://")
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(ctx))

	store, err = NewPersistence(ctx, log.Discard(), "file://"+t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(ctx))

	store, err = NewPersistence(ctx, log.Discard(), "badger://"+filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	require.NoError(t, store.HealthCheck(ctx))
	require.NoError(t, store.Close(ctx))

	_, err = NewPersistence(ctx, log.Discard(), "mongodb://localhost")
	require.ErrorIs(t, err, ErrUnsupportedPersistence)

	_, err = NewPersistence(ctx, log.Discard(), "file://")
	require.ErrorIs(t, err, ErrUnsupportedPersistence)
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	bus, err := NewEventBus("none", log.Discard())
	require.NoError(t, err)
	assert.Nil(t, bus)

	bus, err = NewEventBus("gochannel", log.Discard())
	require.NoError(t, err)
	require.NotNil(t, bus)
	assert.NotEmpty(t, bus.GenerateID())
	require.NoError(t, bus.Close())

	_, err = NewEventBus("carrier-pigeon", log.Discard())
	require.ErrorIs(t, err, ErrUnsupportedEventBus)
}

func TestNewDeviceExecutor(t *testing.T) {
	t.Parallel()

	assert.IsType(t, &device.DryRunExecutor{}, NewDeviceExecutor(config.GatewayConfig{}, false, log.Discard()))
	assert.IsType(t, &device.DryRunExecutor{}, NewDeviceExecutor(config.GatewayConfig{URL: "http://gw"}, true, log.Discard()))
	assert.IsType(t, &device.HTTPExecutor{}, NewDeviceExecutor(config.GatewayConfig{URL: "http://gw"}, false, log.Discard()))
}

func TestNewEngine_RunsDefinition(t *testing.T) {
	t.Parallel()

	store, err := NewPersistence(t.Context(), log.Discard(), "memory://")
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Profiles = []device.Profile{{Name: "lab", Host: "10.0.0.1"}}

	eng, err := NewEngine(store, cfg, EngineOptions{Logger: log.Discard(), DryRun: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	def := testutil.SequentialDefinition("show version")
	def.Status = models.DefinitionStatusPublished
	require.NoError(t, store.DefinitionRepository().Create(t.Context(), def))

	started, err := eng.Start(t.Context(), engine.StartRequest{DefinitionID: def.ID, StartedBy: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	finished, err := eng.Wait(ctx, started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, finished.Status)
}

func TestNewEngine_RejectsDuplicateProfiles(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Profiles = []device.Profile{{Name: "lab", Host: "a"}, {Name: "lab", Host: "b"}}

	_, err := NewEngine(nil, cfg, EngineOptions{Logger: log.Discard()})
	require.Error(t, err)
}
