package device_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/xjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfiles(t *testing.T) {
	t.Parallel()

	profiles, err := device.NewProfiles([]device.Profile{
		{Name: "lab", Host: "10.0.0.1"},
		{Name: "core", Host: "10.0.0.2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, profiles.Len())

	profile, err := profiles.Lookup("core")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", profile.Host)

	_, err = profiles.Lookup("edge")
	require.ErrorIs(t, err, device.ErrProfileNotFound)

	_, err = device.NewProfiles([]device.Profile{{Name: "lab"}, {Name: "lab"}})
	require.Error(t, err)
}

func TestDryRunExecutor(t *testing.T) {
	t.Parallel()

	executor := device.NewDryRunExecutor(log.Discard())

	result, err := executor.Run(context.Background(), &device.Profile{Name: "lab"}, device.Command{Text: "show version"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "show version", result.Output)
	assert.Equal(t, true, result.Data["dry_run"])
}

func TestHTTPExecutor(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/commands", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]any
		assert.NoError(t, xjsonDecode(r, &body))

		w.Header().Set("Content-Type", "application/json")

		switch body["command"] {
		case "show version":
			_, _ = w.Write([]byte(`{"output":"JUNOS 23.4","exit_code":0,"data":{"version":"23.4"}}`))
		case "bad":
			_, _ = w.Write([]byte(`{"output":"syntax error","exit_code":1}`))
		case "reject":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"unknown profile"}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	t.Cleanup(server.Close)

	executor := device.NewHTTPExecutor(server.URL+"/", "secret", log.Discard())
	profile := &device.Profile{Name: "lab", Host: "10.0.0.1"}
	ctx := context.Background()

	result, err := executor.Run(ctx, profile, device.Command{Text: "show version"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "JUNOS 23.4", result.Output)
	assert.Equal(t, "23.4", result.AsMap(profile)["data"].(map[string]any)["version"])

	_, err = executor.Run(ctx, profile, device.Command{Text: "bad"}, time.Second)
	require.ErrorIs(t, err, device.ErrCommandFailed)

	_, err = executor.Run(ctx, profile, device.Command{Text: "reject"}, time.Second)
	require.ErrorIs(t, err, device.ErrCommandRejected)

	_, err = executor.Run(ctx, profile, device.Command{Text: "other"}, time.Second)
	require.ErrorIs(t, err, device.ErrGatewayUnavailable)
}

func TestHTTPExecutor_ContextDeadline(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	executor := device.NewHTTPExecutor(server.URL, "", log.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := executor.Run(ctx, &device.Profile{Name: "lab"}, device.Command{Text: "slow"}, time.Second)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func xjsonDecode(r *http.Request, v any) error {
	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}

	return xjson.Unmarshal(buf, v)
}
