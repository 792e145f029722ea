package governance

import (
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
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/ratelimit"
	"github.com/agentmesh/controlplane/internal/store"
)

const testPolicy = `
enabled: true
default_decision: deny
resources:
  tools:
    restrictions:
      echo:
        max_execution_time: 30
        forbidden_parameters: [admin_access]
      slow:
        max_execution_time: 30
roles:
  agent_user:
    tools: [echo, slow, boom, ghost]
rate_limits:
  per_tool:
    requests: 3
    window: 60
`

type fixture struct {
	pipeline *Pipeline
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

	cat := catalog.New(zap.NewNop())
	require.NoError(t, cat.Register(catalog.Descriptor{
		Name: "echo",
		Params: map[string]catalog.ParamSpec{
			"query": {Type: "string", Required: true},
		},
	}, func(_ context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
		return args["query"], nil
	}))
	require.NoError(t, cat.Register(catalog.Descriptor{Name: "slow"},
		func(context.Context, map[string]interface{}, *auth.Subject) (interface{}, error) {
			clk.Advance(45 * time.Second)
			return "done", nil
		}))
	require.NoError(t, cat.Register(catalog.Descriptor{Name: "boom"},
		func(context.Context, map[string]interface{}, *auth.Subject) (interface{}, error) {
			panic("tool exploded")
		}))

	validator := auth.NewValidator(auth.Config{ProxyURL: proxy.URL}, clk, zap.NewNop())
	return &fixture{
		pipeline: NewPipeline(validator, engine, cat, clk, zap.NewNop()),
		engine:   engine,
		clk:      clk,
	}
}

func TestGateHappyPath(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "echo", "execute",
		map[string]interface{}{"query": "hello"})
	require.True(t, out.OK())
	assert.Equal(t, "hello", out.Result)
	assert.Equal(t, "alice", out.Subject.ID)
}

func TestGateUnauthenticatedSkipsPolicy(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "bad-token", "tool", "echo", "execute", nil)
	assert.Equal(t, KindUnauthenticated, out.Kind)

	out = f.pipeline.Gate(context.Background(), "", "tool", "echo", "execute", nil)
	assert.Equal(t, KindUnauthenticated, out.Kind)

	assert.EqualValues(t, 0, f.engine.Compliance().TotalRequests,
		"the policy engine must not be consulted for invalid tokens")
}

func TestGateAccessDenied(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "forbidden_tool", "execute", nil)
	assert.Equal(t, KindAccessDenied, out.Kind)
	assert.Equal(t, "Access denied by policy", out.Reason)
}

func TestGateRateLimitedFourthCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	args := map[string]interface{}{"query": "q"}

	for i := 0; i < 3; i++ {
		out := f.pipeline.Gate(ctx, "good-token", "tool", "echo", "execute", args)
		require.True(t, out.OK(), "call %d within budget", i+1)
	}
	out := f.pipeline.Gate(ctx, "good-token", "tool", "echo", "execute", args)
	assert.Equal(t, KindRateLimited, out.Kind)
	assert.Equal(t, 60, out.RetryAfter)

	trail := f.engine.AuditTrail(1)
	require.Len(t, trail, 1)
	assert.Equal(t, policy.ViolationRateLimitExceeded, trail[0].ViolationType)
	assert.Equal(t, "alice", trail[0].SubjectID)
}

func TestGateParameterViolation(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "echo", "execute",
		map[string]interface{}{"query": "q", "admin_access": true})
	assert.Equal(t, KindParameterViolation, out.Kind)
	assert.Contains(t, out.Reason, "parameter")
}

func TestGateMissingRequiredParameter(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "echo", "execute", nil)
	assert.Equal(t, KindParameterViolation, out.Kind)
}

func TestGateUnknownTool(t *testing.T) {
	f := newFixture(t)

	// Granted by policy but absent from the catalog.
	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "ghost", "execute", nil)
	assert.Equal(t, KindNotFound, out.Kind)
	assert.Contains(t, out.Reason, "ghost")
}

func TestGatePanickingToolIsContained(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "boom", "execute", nil)
	assert.Equal(t, KindInternal, out.Kind)
	assert.Equal(t, "Tool execution failed", out.Reason)
	assert.NotContains(t, out.Reason, "exploded", "panic detail must not leak")
}

func TestGateRecordsExecutionTimeViolation(t *testing.T) {
	f := newFixture(t)

	// slow advances the virtual clock 45s against a 30s cap. The call still
	// succeeds; the breach is recorded after the fact.
	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "slow", "execute", nil)
	require.True(t, out.OK())
	assert.Equal(t, "done", out.Result)

	trail := f.engine.AuditTrail(1)
	require.Len(t, trail, 1)
	assert.Equal(t, policy.ViolationExecutionTime, trail[0].ViolationType)
	assert.EqualValues(t, 1, f.engine.Compliance().ExecutionTimeViolations)
}

func TestGateSuccessCarriesRateInfo(t *testing.T) {
	f := newFixture(t)

	out := f.pipeline.Gate(context.Background(), "good-token", "tool", "echo", "execute",
		map[string]interface{}{"query": "q"})
	require.True(t, out.OK())
	require.NotNil(t, out.RateInfo)
	assert.Equal(t, 3, out.RateInfo.Limit)
	assert.Equal(t, 2, out.RateInfo.Remaining)
}
