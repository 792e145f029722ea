package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/governance"
	"github.com/agentmesh/controlplane/internal/orchestrator"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/ratelimit"
	"github.com/agentmesh/controlplane/internal/registry"
	"github.com/agentmesh/controlplane/internal/store"
)

const testPolicy = `
enabled: true
default_decision: deny
resources:
  tools:
    restrictions:
      echo:
        forbidden_parameters: [admin_access]
roles:
  agent_user:
    agents: ["*"]
    tools: [echo, ghost]
rate_limits:
  per_tool:
    requests: 3
    window: 60
`

type fixture struct {
	server   *httptest.Server
	registry *registry.Registry
	engine   *policy.Engine
	clk      *clock.Virtual
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Token != "good-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"user_id": "alice",
			"roles":   []string{"agent_user"},
		})
	}))
	t.Cleanup(proxy.Close)

	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	s := store.NewMemoryStore(clk)
	t.Cleanup(func() { _ = s.Close() })

	policyPath := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o644))

	limiter := ratelimit.New(s, clk, nil, zap.NewNop())
	engine := policy.NewEngine(context.Background(),
		policy.NewLoader(nil, policyPath, zap.NewNop()), limiter, clk, zap.NewNop())

	reg := registry.New(s, clk, 300*time.Second, zap.NewNop())
	validator := auth.NewValidator(auth.Config{ProxyURL: proxy.URL}, clk, zap.NewNop())

	cat := catalog.New(zap.NewNop())
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name:     "echo",
		Category: "utility",
		Params: map[string]catalog.ParamSpec{
			"query": {Type: "string", Required: true},
		},
	}, func(_ context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
		return args["query"], nil
	}))

	orch := orchestrator.New(reg, nil, engine, orchestrator.Config{
		DispatchTimeout: 2 * time.Second,
		RetryDelay:      time.Millisecond,
	}, clk, zap.NewNop())

	pipeline := governance.NewPipeline(validator, engine, cat, clk, zap.NewNop())

	mux := http.NewServeMux()
	NewOrchestratorHandler(orch, reg, validator, engine, zap.NewNop()).RegisterRoutes(mux)
	toolMux := http.NewServeMux()
	NewToolHandler(pipeline, cat, zap.NewNop()).RegisterRoutes(toolMux)
	mux.Handle("/tool/", toolMux)
	mux.Handle("/tools", toolMux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &fixture{server: srv, registry: reg, engine: engine, clk: clk}
}

// agentStub runs a worker agent endpoint and registers it.
func (f *fixture) agentStub(t *testing.T, id, capability string, handler http.HandlerFunc) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/process_request", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	require.NoError(t, f.registry.Register(context.Background(), registry.AgentRecord{
		AgentID:       id,
		Name:          id,
		EndpointURL:   srv.URL,
		Capabilities:  []registry.Capability{{Name: capability, ComplexityScore: 1}},
		MaxConcurrent: 10,
		Priority:      3,
	}))
}

func okAgent(result interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success":        true,
			"result":         result,
			"transaction_id": "txn_agent",
		})
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestToolInvokeHappyPath(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tool/echo", "good-token",
		map[string]interface{}{"query": "hello"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "echo", body["tool"])
	assert.Equal(t, "hello", body["result"])
	assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestToolInvokeUnauthenticated(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tool/echo", "",
		map[string]interface{}{"query": "hello"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["error"])

	resp, body = f.do(t, http.MethodPost, "/tool/echo", "bad-token",
		map[string]interface{}{"query": "hello"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestToolInvokeAccessDenied(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tool/secret_tool", "good-token", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "access_denied", body["error"])
	assert.Equal(t, "Access denied by policy", body["message"])
}

func TestToolInvokeRateLimited(t *testing.T) {
	f := newFixture(t)
	args := map[string]interface{}{"query": "q"}

	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, http.MethodPost, "/tool/echo", "good-token", args)
		require.Equal(t, http.StatusOK, resp.StatusCode, "call %d within budget", i+1)
	}
	resp, body := f.do(t, http.MethodPost, "/tool/echo", "good-token", args)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
	assert.EqualValues(t, 60, body["retry_after"])

	trail := f.engine.AuditTrail(1)
	require.Len(t, trail, 1)
	assert.Equal(t, policy.ViolationRateLimitExceeded, trail[0].ViolationType)
}

func TestToolInvokeParameterViolation(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/tool/echo", "good-token",
		map[string]interface{}{"query": "q", "admin_access": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "parameter_violation", body["error"])
}

func TestToolInvokeUnknownTool(t *testing.T) {
	f := newFixture(t)

	// Granted by policy but absent from the catalog.
	resp, body := f.do(t, http.MethodPost, "/tool/ghost", "good-token", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["error"])
}

func TestToolInvokeRejectsGet(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/tool/echo", "good-token", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestToolList(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/tools", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, body = f.do(t, http.MethodGet, "/tools?category=nope", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["count"])
}

func TestHealthReportsAvailableAgents(t *testing.T) {
	f := newFixture(t)
	f.agentStub(t, "data_agent", "data_search", okAgent("ok"))

	resp, body := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 1, body["agents_available"])
}

func TestProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	f.agentStub(t, "data_agent", "data_search", okAgent("forty-two"))

	resp, body := f.do(t, http.MethodPost, "/process", "good-token",
		map[string]interface{}{"query": "find the data"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["transaction_id"], "txn_")

	result := body["result"].(map[string]interface{})
	assert.Equal(t, "data_agent", result["selected_agent"])
	assert.Equal(t, []interface{}{"data_agent"}, result["selected_agents"])
	assert.Equal(t, "simple", result["pattern"])
	assert.Equal(t, "forty-two", result["response"])
}

func TestProcessUnauthenticated(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/process", "",
		map[string]interface{}{"query": "anything"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthenticated", body["error"])
}

func TestProcessRequiresQuery(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/process", "good-token",
		map[string]interface{}{"context": map[string]interface{}{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestProcessNoAgentAvailable(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/process", "good-token",
		map[string]interface{}{"query": "find the data"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "no_agent_available", body["error"])
}

func TestProcessParallelPartialFailure(t *testing.T) {
	f := newFixture(t)
	f.agentStub(t, "a", "data_search", okAgent("a-result"))
	f.agentStub(t, "b", "reporting", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	})

	resp, body := f.do(t, http.MethodPost, "/process", "good-token",
		map[string]interface{}{
			"query": "fan out",
			"overrides": map[string]interface{}{
				"pattern": "parallel",
				"agents":  []string{"a", "b"},
			},
		})
	require.Equal(t, http.StatusOK, resp.StatusCode, "partial failure must not fail the batch")

	result := body["result"].(map[string]interface{})
	results := result["response"].(map[string]interface{})
	assert.Equal(t, true, results["a"].(map[string]interface{})["success"])
	assert.Equal(t, false, results["b"].(map[string]interface{})["success"])
}

func TestAgentsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.agentStub(t, "data_agent", "data_search", okAgent("ok"))
	f.agentStub(t, "report_agent", "reporting", okAgent("ok"))

	resp, body := f.do(t, http.MethodGet, "/agents", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])
	assert.ElementsMatch(t, []interface{}{"data_agent", "report_agent"}, body["agents"])
}

func TestPatternsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/patterns", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t,
		[]interface{}{"loop", "parallel", "sequential", "simple"},
		body["patterns"])
}

func TestCapabilitiesEndpoint(t *testing.T) {
	f := newFixture(t)
	f.agentStub(t, "data_agent", "data_search", okAgent("ok"))

	resp, body := f.do(t, http.MethodGet, "/capabilities", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	caps := body["capabilities"].(map[string]interface{})
	assert.Equal(t, []interface{}{"data_agent"}, caps["data_search"])
}

func TestAuditAndComplianceEndpoints(t *testing.T) {
	f := newFixture(t)

	// One allowed call, one denied: the trail records the denial.
	resp, _ := f.do(t, http.MethodPost, "/tool/echo", "good-token",
		map[string]interface{}{"query": "q"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/tool/secret_tool", "good-token", nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/audit?limit=10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]interface{})
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "access_denied", entry["violation_type"])
	assert.Equal(t, "alice", entry["subject_id"])

	resp, body = f.do(t, http.MethodGet, "/compliance", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["total_requests"])
	assert.EqualValues(t, 1, body["denied_requests"])
}
