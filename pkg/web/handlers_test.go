package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukex/conductor/pkg/admission"
	"github.com/dukex/conductor/pkg/counter"
	"github.com/dukex/conductor/pkg/engine"
	"github.com/dukex/conductor/pkg/eventbus"
	"github.com/dukex/conductor/pkg/lock"
	"github.com/dukex/conductor/pkg/log"
	"github.com/dukex/conductor/pkg/manifest"
	"github.com/dukex/conductor/pkg/models"
	"github.com/dukex/conductor/pkg/nodes/approval"
	"github.com/dukex/conductor/pkg/persistence"
	"github.com/dukex/conductor/pkg/persistence/memory"
	"github.com/dukex/conductor/pkg/protocol"
	"github.com/dukex/conductor/pkg/registry"
	"github.com/dukex/conductor/pkg/retry"
	"github.com/dukex/conductor/pkg/scheduler"
	"github.com/dukex/conductor/pkg/testutil"
	"github.com/dukex/conductor/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const failingType = "test.failing"

type failingFactory struct{}

func (failingFactory) Create(_ context.Context, id string, _ map[string]any) (protocol.Node, error) {
	return failingNode{id: id}, nil
}

func (failingFactory) ID() string             { return failingType }
func (failingFactory) Name() string           { return "Failing" }
func (failingFactory) Description() string    { return "always fails" }
func (failingFactory) Schema() map[string]any { return nil }

type failingNode struct{ id string }

func (n failingNode) ID() string   { return n.id }
func (n failingNode) Type() string { return failingType }

func (n failingNode) Execute(context.Context, protocol.NodeInput) (protocol.NodeResult, error) {
	return protocol.NodeResult{}, errors.New("upstream refused the call")
}

func intPtr(v int) *int { return &v }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, eventbus.Event) error { return nil }

type testServer struct {
	app    *fiber.App
	engine *engine.Engine
	plans  *manifest.Plans
}

func setupTestHandlers(t *testing.T) (*web.APIHandlers, *engine.Engine, *manifest.Plans) {
	t.Helper()

	store := memory.NewPersistence()
	clock := clockwork.NewFakeClock()
	plans := manifest.NewPlans(models.OrganizationLimits{})
	quotas := persistence.Some[persistence.QuotaRepository](store)

	controller := admission.NewController(log.Discard(), admission.ControllerOptions{
		Quota: admission.NewQuotaLimiter(log.Discard(), admission.QuotaOptions{Repository: quotas, Clock: clock}),
		Connectors: admission.NewConnectorLimiter(log.Discard(), admission.ConnectorOptions{
			Store: counter.NewMemoryStore(),
			Manifest: manifest.NewConnectors(map[string]models.ConnectorLimits{
				"crm": {Global: intPtr(1)},
			}),
		}),
		Plans: plans,
		Audit: quotas,
		Clock: clock,
	})

	registryInstance := registry.NewRegistry(log.Discard())
	registryInstance.RegisterDefaultNodes(clock)
	registryInstance.RegisterNode(failingFactory{})

	eng := engine.New(log.Discard(), engine.Options{
		Scheduler:  scheduler.New(log.Discard(), persistence.Some[persistence.StepRepository](store), clock),
		Executions: store,
		Admission:  controller,
		Locks:      lock.NewServiceWithStrategy(log.Discard(), lock.NewMemoryStrategy(clock), clock),
		Retry: retry.NewManager(log.Discard(), retry.ManagerOptions{
			Idempotency: persistence.Some[persistence.IdempotencyRepository](store),
			DeadLetters: persistence.Some[persistence.DeadLetterRepository](store),
			Clock:       clock,
		}),
		Registry:  registryInstance,
		Publisher: nopPublisher{},
		Clock:     clock,
		Backoff:   &retry.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
	})

	handlers := web.NewAPIHandlers(eng, validator.New(validator.WithRequiredStructEnabled()), registryInstance, store)

	return handlers, eng, plans
}

func setupTestApp(t *testing.T) *testServer {
	t.Helper()

	handlers, eng, plans := setupTestHandlers(t)
	app := web.NewServer(log.Discard(), handlers).App()

	return &testServer{app: app, engine: eng, plans: plans}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewBuffer(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}

	return resp.StatusCode, decoded
}

func enqueueBody(graph *models.Graph) map[string]any {
	return map[string]any{
		"workflow_id":     "wf-1",
		"organization_id": "org-1",
		"graph":           graph,
	}
}

func TestAPIHandlers_EnqueueExecution(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		requestBody    any
		expectedStatus int
		expectedType   string
	}{
		{
			name:           "valid linear graph",
			requestBody:    enqueueBody(testutil.LinearGraph("a", "b")),
			expectedStatus: http.StatusAccepted,
		},
		{
			name:           "missing organization",
			requestBody:    map[string]any{"workflow_id": "wf-1", "graph": testutil.LinearGraph("a")},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "cyclic graph",
			requestBody: enqueueBody(&models.Graph{
				Nodes: []*models.Node{testutil.CreateTestNode("a"), testutil.CreateTestNode("b")},
				Edges: []*models.Edge{testutil.Edge("a", "b"), testutil.Edge("b", "a")},
			}),
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name: "unknown node type",
			requestBody: enqueueBody(&models.Graph{
				Nodes: []*models.Node{testutil.CreateTestNode("a", testutil.WithType("nope"))},
			}),
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "max attempts out of range",
			requestBody:    map[string]any{"workflow_id": "wf-1", "organization_id": "org-1", "graph": testutil.LinearGraph("a"), "max_attempts": 0},
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := setupTestApp(t)

			status, body := server.do(t, http.MethodPost, "/executions", tt.requestBody)
			assert.Equal(t, tt.expectedStatus, status)

			if tt.expectedType != "" {
				assert.Equal(t, tt.expectedType, body["type"])

				return
			}

			assert.Equal(t, string(models.ExecutionStatusQueued), body["status"])
			assert.NotEmpty(t, body["id"])
			assert.NotContains(t, body, "graph")
		})
	}
}

func TestAPIHandlers_EnqueueRejectedByQuota(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)
	server.plans.Set("org-1", models.OrganizationLimits{MaxConcurrentExecutions: 1})

	status, _ := server.do(t, http.MethodPost, "/executions", enqueueBody(testutil.LinearGraph("a")))
	require.Equal(t, http.StatusAccepted, status)

	status, body := server.do(t, http.MethodPost, "/executions", enqueueBody(testutil.LinearGraph("a")))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, web.ProblemQuotaExceeded, body["type"])
	assert.Equal(t, http.StatusText(http.StatusTooManyRequests), body["title"])
	assert.EqualValues(t, http.StatusTooManyRequests, body["status"])
	assert.Equal(t, "/executions", body["instance"])
	assert.NotEmpty(t, body["detail"])
	assert.Equal(t, admission.ReasonConcurrency, body["reason"])
	assert.Equal(t, "org-1", body["organization_id"])
	assert.EqualValues(t, 1, body["limit"])
	assert.EqualValues(t, 1, body["current"])
	require.NotEmpty(t, body["execution_id"])

	status, execution := server.do(t, http.MethodGet, "/executions/"+body["execution_id"].(string), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.ExecutionStatusFailed), execution["status"])
}

func TestAPIHandlers_EnqueueRejectedByConnectorCapacity(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)

	graph := &models.Graph{
		Nodes: []*models.Node{testutil.CreateTestNode("sync", testutil.WithConnector("crm"))},
	}

	status, _ := server.do(t, http.MethodPost, "/executions", enqueueBody(graph))
	require.Equal(t, http.StatusAccepted, status)

	status, body := server.do(t, http.MethodPost, "/executions", enqueueBody(graph))
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, web.ProblemConnectorCapacity, body["type"])
	assert.Equal(t, "crm", body["connector_id"])

	status, state := server.do(t, http.MethodGet, "/organizations/org-1/quota?connectors=crm", nil)
	assert.Equal(t, http.StatusOK, status)

	connectors, ok := state["connectors"].(map[string]any)
	require.True(t, ok)

	crm, ok := connectors["crm"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 1, crm["global"])
}

func TestAPIHandlers_GetExecutionSteps(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)
	ctx := context.Background()

	status, body := server.do(t, http.MethodPost, "/executions", enqueueBody(testutil.LinearGraph("a", "b")))
	require.Equal(t, http.StatusAccepted, status)

	id := body["id"].(string)
	require.NoError(t, server.engine.Start(ctx, id))

	status, steps := server.do(t, http.MethodGet, "/executions/"+id+"/steps", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, steps["execution_id"])
	assert.Len(t, steps["steps"], 2)

	counts, ok := steps["counts"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2, counts[string(models.StepStatusCompleted)])

	status, list := server.do(t, http.MethodGet, "/executions?organization_id=org-1&status=completed", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, list["total_count"])

	status, problem := server.do(t, http.MethodGet, "/executions/missing/steps", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", problem["type"])

	status, problem = server.do(t, http.MethodGet, "/executions?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", problem["type"])
}

func TestAPIHandlers_PreviewGraph(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)

	graph := &models.Graph{
		Nodes: []*models.Node{testutil.CreateTestNode("a"), testutil.CreateTestNode("b"), testutil.CreateTestNode("c")},
		Edges: []*models.Edge{testutil.Edge("a", "c"), testutil.Edge("b", "c"), testutil.Edge("c", "ghost")},
	}

	status, plan := server.do(t, http.MethodPost, "/graphs/preview", map[string]any{"graph": graph})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, plan["complete"])
	assert.Equal(t, []any{"a", "b", "c"}, plan["order"])
	assert.NotEmpty(t, plan["warnings"])

	status, _ = server.do(t, http.MethodPost, "/graphs/preview", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_ResumeStep(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)
	ctx := context.Background()

	graph := &models.Graph{
		Nodes: []*models.Node{
			testutil.CreateTestNode("approve", testutil.WithType(approval.NodeType), testutil.WithConfig(map[string]any{
				"message":   "ship it?",
				"approvers": []any{"ops"},
			})),
			testutil.CreateTestNode("deploy"),
		},
		Edges: []*models.Edge{testutil.Edge("approve", "deploy")},
	}

	status, body := server.do(t, http.MethodPost, "/executions", enqueueBody(graph))
	require.Equal(t, http.StatusAccepted, status)

	id := body["id"].(string)
	require.NoError(t, server.engine.Start(ctx, id))

	steps, err := server.engine.Steps(ctx, id)
	require.NoError(t, err)

	var waiting *models.ExecutionStep
	for _, step := range steps {
		if step.NodeID == "approve" {
			waiting = step
		}
	}

	require.NotNil(t, waiting)
	require.Equal(t, models.StepStatusWaiting, waiting.Status)

	status, problem := server.do(t, http.MethodPost, "/steps/"+waiting.ID+"/resume", map[string]any{
		"payload": map[string]any{"token": "wrong", "approved": true},
	})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "resume_state_mismatch", problem["type"])

	status, _ = server.do(t, http.MethodPost, "/steps/"+waiting.ID+"/resume", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, resumed := server.do(t, http.MethodPost, "/steps/"+waiting.ID+"/resume", map[string]any{
		"payload": map[string]any{"token": waiting.ResumeState["token"], "approved": true},
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, string(models.StepStatusPending), resumed["status"])

	status, problem = server.do(t, http.MethodPost, "/steps/missing/resume", map[string]any{
		"payload": map[string]any{"token": "x"},
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", problem["type"])
}

func TestAPIHandlers_DeadLetters(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)
	ctx := context.Background()

	graph := &models.Graph{
		Nodes: []*models.Node{testutil.CreateTestNode("call", testutil.WithType(failingType), testutil.WithRetries(0))},
	}

	status, body := server.do(t, http.MethodPost, "/executions", enqueueBody(graph))
	require.Equal(t, http.StatusAccepted, status)

	id := body["id"].(string)
	require.NoError(t, server.engine.Start(ctx, id))

	status, list := server.do(t, http.MethodGet, "/dead-letters?execution_id="+id, nil)
	assert.Equal(t, http.StatusOK, status)
	require.EqualValues(t, 1, list["total_count"])

	items, ok := list["dead_letters"].([]any)
	require.True(t, ok)

	item, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "call", item["node_id"])

	letterID := item["id"].(string)

	status, letter := server.do(t, http.MethodGet, "/dead-letters/"+letterID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, id, letter["execution_id"])

	status, replayed := server.do(t, http.MethodPost, "/dead-letters/"+letterID+"/replay", nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, replayed["replayed"])

	status, execution := server.do(t, http.MethodGet, "/executions/"+id, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, string(models.ExecutionStatusRunning), execution["status"])

	status, problem := server.do(t, http.MethodGet, "/dead-letters/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", problem["type"])

	status, stats := server.do(t, http.MethodGet, "/telemetry/retry", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, stats)
}

func TestAPIHandlers_HealthAndTelemetry(t *testing.T) {
	t.Parallel()

	server := setupTestApp(t)

	status, health := server.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", health["status"])

	status, locks := server.do(t, http.MethodGet, "/telemetry/locks", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.NotNil(t, locks)

	req := httptest.NewRequest(http.MethodGet, "/nodes", nil)
	resp, err := server.app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	var nodes []web.NodeTypeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&nodes))

	ids := make([]string, 0, len(nodes))
	for _, node := range nodes {
		ids = append(ids, node.ID)
	}

	assert.Contains(t, ids, approval.NodeType)
	assert.Contains(t, ids, failingType)
}
