package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dukex/opsflow/pkg/cmd"
	"github.com/dukex/opsflow/pkg/config"
	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/metrics"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	store := memory.NewPersistence()
	m := metrics.New(prometheus.NewRegistry())

	cfg := config.Default()
	cfg.Profiles = []device.Profile{{Name: "lab", Host: "10.0.0.1"}}

	eng, err := cmd.NewEngine(store, cfg, cmd.EngineOptions{Logger: log.Discard(), Observer: m, DryRun: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	return NewAPI(log.Discard(), store, eng, eventbus.Discard{}, m).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	t.Parallel()

	status, body := get(t, setupTestApp(t), "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "opsflow API", body)
}

func TestAPI_Probes(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	for _, path := range []string{"/livez", "/readyz", "/health"} {
		status, _ := get(t, app, path)
		assert.Equal(t, http.StatusOK, status, path)
	}
}

func TestAPI_Metrics(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/definitions", strings.NewReader(`{"name":"probe","nodes":[{"id":"start","type":"start"}]}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	status, body := get(t, app, "/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "opsflow_instances_active")
}

func TestAPI_DefinitionRoutesMounted(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := get(t, app, "/definitions")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"definitions"`)

	status, _ = get(t, app, "/instances/unknown")
	assert.Equal(t, http.StatusNotFound, status)
}
