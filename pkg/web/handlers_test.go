package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/opsflow/pkg/device"
	"github.com/dukex/opsflow/pkg/engine"
	"github.com/dukex/opsflow/pkg/eventbus"
	"github.com/dukex/opsflow/pkg/executors"
	"github.com/dukex/opsflow/pkg/graph"
	"github.com/dukex/opsflow/pkg/log"
	"github.com/dukex/opsflow/pkg/models"
	"github.com/dukex/opsflow/pkg/persistence/memory"
	"github.com/dukex/opsflow/pkg/services"
	"github.com/dukex/opsflow/pkg/testutil"
	"github.com/dukex/opsflow/pkg/variables"
	"github.com/dukex/opsflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	app       *fiber.App
	instances *services.Instance
}

func setupTestApp(t *testing.T) *testAPI {
	t.Helper()

	store := memory.NewPersistence()
	evaluator := variables.NewEvaluator()

	profiles, err := device.NewProfiles([]device.Profile{{Name: "lab", Host: "10.0.0.1"}})
	require.NoError(t, err)

	registry := executors.NewDefaultRegistry(executors.Dependencies{
		Devices:  device.NewDryRunExecutor(log.Discard()),
		Profiles: profiles,
		Logger:   log.Discard(),
	})

	eng := engine.New(store, registry, engine.Options{Logger: log.Discard(), Evaluator: evaluator})
	t.Cleanup(func() { _ = eng.Shutdown(context.Background()) })

	instances := services.NewInstance(store, eng, log.Discard())
	handlers := web.NewAPIHandlers(
		services.NewDefinition(store, log.Discard()),
		services.NewPublishing(store, graph.NewValidator(evaluator), eventbus.Discard{}, log.Discard()),
		instances,
		validator.New(validator.WithRequiredStructEnabled()),
	)

	app := fiber.New()
	handlers.Register(app)

	return &testAPI{app: app, instances: instances}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)

		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(web.ActorHeader, "noc-operator")

	resp, err := a.app.Test(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, out
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(body, &out))

	return out
}

func definitionRequest(def *models.ProcessDefinition) web.DefinitionRequest {
	return web.DefinitionRequest{
		Name:        def.Name,
		Description: def.Description,
		Nodes:       def.Nodes,
		Edges:       def.Edges,
		Variables:   def.Variables,
	}
}

// publish creates and publishes def through the API and returns the published version.
func (a *testAPI) publish(t *testing.T, def *models.ProcessDefinition) models.ProcessDefinition {
	t.Helper()

	status, body := a.do(t, http.MethodPost, "/definitions", definitionRequest(def))
	require.Equal(t, http.StatusCreated, status, string(body))

	created := decode[models.ProcessDefinition](t, body)

	status, body = a.do(t, http.MethodPost, "/definitions/"+created.ID+"/publish", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	return decode[models.ProcessDefinition](t, body)
}

func (a *testAPI) settle(t *testing.T, id string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	_, err := a.instances.Wait(ctx, id)
	require.NoError(t, err)
}

func TestAPIHandlers_CreateDefinition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{
			name:           "successful creation",
			body:           definitionRequest(testutil.SequentialDefinition("show version")),
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "invalid json",
			body:           "{not json",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing name",
			body:           web.DefinitionRequest{Nodes: testutil.SequentialDefinition("x").Nodes},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "no nodes",
			body:           web.DefinitionRequest{Name: "empty process"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "unknown node type",
			body: web.DefinitionRequest{
				Name:  "bad node",
				Nodes: []*models.Node{{ID: "start", Type: "teleport"}},
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := setupTestApp(t)

			status, body := api.do(t, http.MethodPost, "/definitions", tt.body)
			require.Equal(t, tt.expectedStatus, status, string(body))

			if status == http.StatusCreated {
				def := decode[models.ProcessDefinition](t, body)
				assert.NotEmpty(t, def.ID)
				assert.NotEmpty(t, def.GroupID)
				assert.Equal(t, models.DefinitionStatusDraft, def.Status)
				assert.Equal(t, 1, def.Version)
				assert.Equal(t, "noc-operator", def.CreatedBy)
			}
		})
	}
}

func TestAPIHandlers_PublishRejectsInvalidGraph(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)

	def := testutil.CreateTestDefinition(
		testutil.WithNodes(testutil.ActionNode("run", "show version")),
		testutil.WithChain("start", "run"),
		testutil.WithEdge("run", "ghost"),
	)

	status, body := api.do(t, http.MethodPost, "/definitions", definitionRequest(def))
	require.Equal(t, http.StatusCreated, status, string(body))

	created := decode[models.ProcessDefinition](t, body)

	status, body = api.do(t, http.MethodPost, "/definitions/"+created.ID+"/publish", nil)
	require.Equal(t, http.StatusBadRequest, status)

	problem := decode[map[string]any](t, body)
	assert.Equal(t, "invalid_graph", problem["type"])
	assert.Equal(t, graph.CodeDanglingEdge, problem["code"])
	assert.NotEmpty(t, problem["edge_id"])

	status, body = api.do(t, http.MethodGet, "/definitions/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.DefinitionStatusDraft, decode[models.ProcessDefinition](t, body).Status)
}

func TestAPIHandlers_DefinitionLifecycle(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	published := api.publish(t, testutil.SequentialDefinition("show version"))

	assert.Equal(t, models.DefinitionStatusPublished, published.Status)

	status, _ := api.do(t, http.MethodPost, "/definitions/"+published.ID+"/publish", nil)
	assert.Equal(t, http.StatusConflict, status)

	update := definitionRequest(testutil.SequentialDefinition("show interfaces"))
	update.Name = "Interface audit"

	status, body := api.do(t, http.MethodPatch, "/definitions/"+published.ID, update)
	require.Equal(t, http.StatusCreated, status, string(body))

	draft := decode[models.ProcessDefinition](t, body)
	assert.NotEqual(t, published.ID, draft.ID)
	assert.Equal(t, published.GroupID, draft.GroupID)
	assert.Equal(t, 2, draft.Version)

	update.Description = "second pass"
	status, body = api.do(t, http.MethodPatch, "/definitions/"+draft.ID, update)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "second pass", decode[models.ProcessDefinition](t, body).Description)

	update.Revision = 99
	status, _ = api.do(t, http.MethodPatch, "/definitions/"+draft.ID, update)
	assert.Equal(t, http.StatusConflict, status)

	status, body = api.do(t, http.MethodGet, "/definitions/groups/"+published.GroupID+"/versions", nil)
	require.Equal(t, http.StatusOK, status)

	versions := decode[struct {
		Versions []models.ProcessDefinition `json:"versions"`
	}](t, body)
	require.Len(t, versions.Versions, 2)
	assert.Equal(t, 1, versions.Versions[0].Version)
	assert.Equal(t, 2, versions.Versions[1].Version)

	status, body = api.do(t, http.MethodPost, "/definitions/"+draft.ID+"/publish", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, body = api.do(t, http.MethodGet, "/definitions/"+published.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.DefinitionStatusDisabled, decode[models.ProcessDefinition](t, body).Status)

	status, _ = api.do(t, http.MethodPost, "/definitions/"+published.ID+"/disable", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, _ = api.do(t, http.MethodDelete, "/definitions/"+published.ID, nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = api.do(t, http.MethodGet, "/definitions/"+published.ID, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodGet, "/definitions/groups/unknown-group/versions", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_ListDefinitions(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	api.publish(t, testutil.SequentialDefinition("show version"))

	status, body := api.do(t, http.MethodPost, "/definitions", definitionRequest(testutil.SequentialDefinition("show clock")))
	require.Equal(t, http.StatusCreated, status, string(body))

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedCount  int
	}{
		{name: "all", query: "", expectedStatus: http.StatusOK, expectedCount: 2},
		{name: "published only", query: "?status=published", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "paged", query: "?limit=1&sort_by=created_at&sort_order=asc", expectedStatus: http.StatusOK, expectedCount: 1},
		{name: "bad limit", query: "?limit=abc", expectedStatus: http.StatusBadRequest},
		{name: "bad sort", query: "?sort_by=owner", expectedStatus: http.StatusBadRequest},
		{name: "bad status", query: "?status=archived", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, http.MethodGet, "/definitions"+tt.query, nil)
			require.Equal(t, tt.expectedStatus, status, string(body))

			if status != http.StatusOK {
				return
			}

			result := decode[struct {
				Definitions []models.ProcessDefinition `json:"definitions"`
			}](t, body)
			assert.Len(t, result.Definitions, tt.expectedCount)
		})
	}
}

func TestAPIHandlers_StartInstanceAndHistory(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	def := api.publish(t, testutil.SequentialDefinition("show version"))

	status, body := api.do(t, http.MethodPost, "/instances", web.StartInstanceRequest{
		DefinitionID: def.ID,
		Variables:    map[string]any{"site": "ams1"},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	started := decode[web.InstanceStateResponse](t, body)
	assert.Equal(t, def.ID, started.DefinitionID)
	assert.Equal(t, "noc-operator", started.StartedBy)

	api.settle(t, started.ID)

	status, body = api.do(t, http.MethodGet, "/instances/"+started.ID, nil)
	require.Equal(t, http.StatusOK, status)

	state := decode[web.InstanceStateResponse](t, body)
	assert.Equal(t, models.InstanceStatusCompleted, state.Status)
	assert.Empty(t, state.CurrentNodes)
	assert.Equal(t, "ams1", state.Variables["site"])
	assert.NotNil(t, state.EndedAt)

	status, body = api.do(t, http.MethodGet, "/instances/"+started.ID+"/history", nil)
	require.Equal(t, http.StatusOK, status)

	all := decode[struct {
		History []models.NodeExecutionHistory `json:"history"`
	}](t, body)
	assert.Len(t, all.History, 3)

	status, body = api.do(t, http.MethodGet, "/instances/"+started.ID+"/history?node_id=run", nil)
	require.Equal(t, http.StatusOK, status)

	filtered := decode[struct {
		History []models.NodeExecutionHistory `json:"history"`
	}](t, body)
	require.Len(t, filtered.History, 1)
	assert.Equal(t, "run", filtered.History[0].NodeID)
	assert.Equal(t, models.HistoryStatusCompleted, filtered.History[0].Status)

	status, body = api.do(t, http.MethodPost, "/instances", web.StartInstanceRequest{GroupID: def.GroupID})
	require.Equal(t, http.StatusCreated, status, string(body))
	api.settle(t, decode[web.InstanceStateResponse](t, body).ID)

	status, body = api.do(t, http.MethodGet, "/instances?status=completed", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[struct {
		Instances []web.InstanceStateResponse `json:"instances"`
	}](t, body).Instances, 2)
}

func TestAPIHandlers_StartInstanceErrors(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)

	status, body := api.do(t, http.MethodPost, "/definitions", definitionRequest(testutil.SequentialDefinition("show version")))
	require.Equal(t, http.StatusCreated, status)

	draft := decode[models.ProcessDefinition](t, body)

	tests := []struct {
		name           string
		body           any
		expectedStatus int
	}{
		{name: "missing definition", body: web.StartInstanceRequest{}, expectedStatus: http.StatusBadRequest},
		{name: "unknown definition", body: web.StartInstanceRequest{DefinitionID: "nope"}, expectedStatus: http.StatusNotFound},
		{name: "draft definition", body: web.StartInstanceRequest{DefinitionID: draft.ID}, expectedStatus: http.StatusConflict},
		{name: "group without published version", body: web.StartInstanceRequest{GroupID: draft.GroupID}, expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := api.do(t, http.MethodPost, "/instances", tt.body)
			assert.Equal(t, tt.expectedStatus, status, string(body))
		})
	}

	status, _ = api.do(t, http.MethodGet, "/instances/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodGet, "/instances/nope/history", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = api.do(t, http.MethodGet, "/instances?status=paused", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_HumanTaskControl(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	def := api.publish(t, testutil.CreateTestDefinition(
		testutil.WithNodes(
			testutil.HumanTaskNode("approve", nil),
			testutil.ActionNode("apply", "apply"),
			testutil.SimpleNode("end", models.NodeTypeEnd),
		),
		testutil.WithChain("start", "approve", "apply", "end"),
	))

	status, body := api.do(t, http.MethodPost, "/instances", web.StartInstanceRequest{DefinitionID: def.ID})
	require.Equal(t, http.StatusCreated, status, string(body))

	id := decode[web.InstanceStateResponse](t, body).ID
	api.settle(t, id)

	status, body = api.do(t, http.MethodGet, "/instances/"+id, nil)
	require.Equal(t, http.StatusOK, status)

	state := decode[web.InstanceStateResponse](t, body)
	require.Equal(t, models.InstanceStatusSuspended, state.Status)
	assert.Equal(t, []string{"approve"}, state.CurrentNodes)

	token := state.ResumeTokens["approve"]
	require.NotEmpty(t, token)

	status, _ = api.do(t, http.MethodPatch, "/instances/"+id+"/variables", web.UpdateVariablesRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body = api.do(t, http.MethodPatch, "/instances/"+id+"/variables", web.UpdateVariablesRequest{
		Variables: map[string]any{"ticket": "CHG-7"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, "CHG-7", decode[web.InstanceStateResponse](t, body).Variables["ticket"])

	status, _ = api.do(t, http.MethodPost, "/instances/"+id+"/resume", web.ResumeInstanceRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/instances/"+id+"/resume", web.ResumeInstanceRequest{ResumeToken: "wrong"})
	assert.Equal(t, http.StatusNotFound, status)

	status, body = api.do(t, http.MethodPost, "/instances/"+id+"/resume", web.ResumeInstanceRequest{
		ResumeToken: token,
		Payload:     map[string]any{"approved": true},
	})
	require.Equal(t, http.StatusOK, status, string(body))

	api.settle(t, id)

	status, body = api.do(t, http.MethodPost, "/instances/"+id+"/terminate", nil)
	assert.Equal(t, http.StatusConflict, status)

	problem := decode[map[string]any](t, body)
	assert.Equal(t, "invalid_transition", problem["type"])
}

func TestAPIHandlers_TerminateSuspended(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)
	def := api.publish(t, testutil.CreateTestDefinition(
		testutil.WithNodes(testutil.HumanTaskNode("approve", nil)),
		testutil.WithChain("start", "approve"),
	))

	status, body := api.do(t, http.MethodPost, "/instances", web.StartInstanceRequest{DefinitionID: def.ID})
	require.Equal(t, http.StatusCreated, status, string(body))

	id := decode[web.InstanceStateResponse](t, body).ID
	api.settle(t, id)

	status, body = api.do(t, http.MethodGet, "/instances/"+id, nil)
	require.Equal(t, http.StatusOK, status)

	token := decode[web.InstanceStateResponse](t, body).ResumeTokens["approve"]

	status, body = api.do(t, http.MethodPost, "/instances/"+id+"/terminate", web.TerminateInstanceRequest{Reason: "change window closed"})
	require.Equal(t, http.StatusOK, status, string(body))

	state := decode[web.InstanceStateResponse](t, body)
	assert.Equal(t, models.InstanceStatusTerminated, state.Status)
	assert.Empty(t, state.CurrentNodes)

	status, _ = api.do(t, http.MethodPost, "/instances/"+id+"/resume", web.ResumeInstanceRequest{ResumeToken: token})
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	api := setupTestApp(t)

	status, body := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, status)

	health := decode[map[string]any](t, body)
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health, "checkers")
}
