package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/llm"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/registry"
	"github.com/agentmesh/controlplane/internal/store"
)

const testPolicy = `
enabled: true
roles:
  agent_user:
    agents: ["*"]
`

type fixture struct {
	orch     *Orchestrator
	registry *registry.Registry
	clk      *clock.Virtual
	subject  *auth.Subject
}

func newFixture(t *testing.T, llmClient *llm.Client) *fixture {
	t.Helper()
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	s := store.NewMemoryStore(clk)
	t.Cleanup(func() { _ = s.Close() })

	reg := registry.New(s, clk, 300*time.Second, zap.NewNop())

	policyPath := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicy), 0o644))
	engine := policy.NewEngine(context.Background(),
		policy.NewLoader(nil, policyPath, zap.NewNop()), nil, clk, zap.NewNop())

	cfg := Config{
		DispatchTimeout: 2 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Millisecond,
		MaxLoopHops:     5,
	}
	return &fixture{
		orch:     New(reg, llmClient, engine, cfg, clk, zap.NewNop()),
		registry: reg,
		clk:      clk,
		subject:  &auth.Subject{ID: "alice", Roles: []string{"agent_user"}},
	}
}

// agentStub runs a worker agent endpoint and registers it.
func (f *fixture) agentStub(t *testing.T, id, capability string, handler http.HandlerFunc) *httptest.Server {
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
	return srv
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

func llmStub(t *testing.T, content string) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "test",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return llm.NewClient(llm.Config{
		Primary:    llm.Provider{BaseURL: srv.URL, Model: "test"},
		MaxRetries: 1,
		RetryDelay: time.Millisecond,
	}, zap.NewNop())
}

func TestProcessSimpleHappyPath(t *testing.T) {
	f := newFixture(t, llmStub(t, `{"agent": "data_agent", "reasoning": "data query", "confidence": 0.95}`))

	var observedLoad int64 = -1
	f.agentStub(t, "data_agent", "data_search", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.Header.Get("X-User-ID"))
		record, err := f.registry.Get(r.Context(), "data_agent")
		if err == nil {
			atomic.StoreInt64(&observedLoad, int64(record.CurrentLoad))
		}
		okAgent(map[string]interface{}{"answer": "customer 42 found"})(w, r)
	})

	resp, err := f.orch.Process(context.Background(), f.subject, Request{Query: "search customer 42"})
	require.NoError(t, err)

	assert.Equal(t, "data_agent", resp.SelectedAgent)
	assert.Equal(t, "data query", resp.Reasoning)
	assert.NotEmpty(t, resp.TransactionID)
	assert.EqualValues(t, 1, atomic.LoadInt64(&observedLoad),
		"current_load must be bumped for the duration of the call")

	// The slot is released afterwards.
	record, err := f.registry.Get(context.Background(), "data_agent")
	require.NoError(t, err)
	assert.Equal(t, 0, record.CurrentLoad)
}

func TestProcessFallsBackOnMalformedLLMOutput(t *testing.T) {
	f := newFixture(t, llmStub(t, "definitely not json"))
	f.agentStub(t, "data_agent", "data_search", okAgent("hit"))

	resp, err := f.orch.Process(context.Background(), f.subject, Request{Query: "search for the report"})
	require.NoError(t, err)
	assert.Equal(t, "data_agent", resp.SelectedAgent)
	assert.Contains(t, resp.Reasoning, "fallback")
}

func TestProcessKeywordFallbackTable(t *testing.T) {
	f := newFixture(t, nil)
	f.agentStub(t, "data_agent", "data_search", okAgent("data"))
	f.agentStub(t, "report_agent", "reporting", okAgent("report"))

	resp, err := f.orch.Process(context.Background(), f.subject, Request{Query: "run the quarterly analytics"})
	require.NoError(t, err)
	assert.Equal(t, "report_agent", resp.SelectedAgent)

	resp, err = f.orch.Process(context.Background(), f.subject, Request{Query: "find customer 42"})
	require.NoError(t, err)
	assert.Equal(t, "data_agent", resp.SelectedAgent)

	// Capability names are matched textually when the table misses.
	f.agentStub(t, "translate_agent", "translation", okAgent("bonjour"))
	resp, err = f.orch.Process(context.Background(), f.subject, Request{Query: "translation into French please"})
	require.NoError(t, err)
	assert.Equal(t, "translate_agent", resp.SelectedAgent)

	// Nothing matches at all.
	_, err = f.orch.Process(context.Background(), f.subject, Request{Query: "hello there"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestProcessNoHealthyAgents(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Process(context.Background(), f.subject, Request{Query: "anything"})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}

func TestProcessPolicyDeniedEdge(t *testing.T) {
	f := newFixture(t, nil)
	f.agentStub(t, "data_agent", "data_search", okAgent("data"))

	outsider := &auth.Subject{ID: "mallory", Roles: []string{"visitor"}}
	_, err := f.orch.Process(context.Background(), outsider, Request{Query: "find data"})

	var denied *PolicyDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "data_agent", denied.AgentID)
}

func TestProcessParallelPartialFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.agentStub(t, "agent_a", "data_search", okAgent("a-result"))
	f.agentStub(t, "agent_b", "reporting", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	resp, err := f.orch.Process(context.Background(), f.subject, Request{
		Query: "fan out",
		Overrides: &Overrides{
			Pattern: PatternParallel,
			Agents:  []string{"agent_a", "agent_b"},
		},
	})
	require.NoError(t, err, "partial failure must not fail the batch")

	results := resp.Response.(map[string]*AgentResult)
	require.Len(t, results, 2)
	assert.True(t, results["agent_a"].Success)
	assert.Equal(t, "a-result", results["agent_a"].Result)
	assert.False(t, results["agent_b"].Success)
	assert.NotEmpty(t, results["agent_b"].Error)
}

func TestProcessSequentialFeedsContext(t *testing.T) {
	f := newFixture(t, nil)
	f.agentStub(t, "step_one", "data_search", okAgent("first-output"))

	var sawPrevious atomic.Value
	f.agentStub(t, "step_two", "reporting", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Context map[string]interface{} `json:"context"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		sawPrevious.Store(req.Context["previous_result"])
		okAgent("second-output")(w, r)
	})

	resp, err := f.orch.Process(context.Background(), f.subject, Request{
		Query: "two step",
		Overrides: &Overrides{
			Pattern:       PatternSequential,
			AgentSequence: []string{"step_one", "step_two"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "first-output", sawPrevious.Load())
	out := resp.Response.(map[string]interface{})
	assert.Equal(t, "second-output", out["final_result"])
}

func TestProcessLoopStopsOnCompletion(t *testing.T) {
	f := newFixture(t, nil)

	var calls int64
	f.agentStub(t, "looper", "data_search", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		okAgent(map[string]interface{}{"step": n, "complete": n >= 3})(w, r)
	})

	resp, err := f.orch.Process(context.Background(), f.subject, Request{
		Query: "iterate",
		Overrides: &Overrides{
			Pattern: PatternLoop,
			Agents:  []string{"looper"},
		},
	})
	require.NoError(t, err)

	out := resp.Response.(map[string]interface{})
	assert.Equal(t, 3, out["hops"])
}

func TestProcessLoopHonoursHopLimit(t *testing.T) {
	f := newFixture(t, nil)

	var calls int64
	f.agentStub(t, "looper", "data_search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		okAgent(map[string]interface{}{"complete": false})(w, r)
	})

	_, err := f.orch.Process(context.Background(), f.subject, Request{
		Query: "iterate",
		Overrides: &Overrides{
			Pattern: PatternLoop,
			Agents:  []string{"looper"},
			MaxHops: 2,
		},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt64(&calls))
}

func TestProcessDoesNotRetryOn4xx(t *testing.T) {
	f := newFixture(t, nil)

	var calls int64
	f.agentStub(t, "picky", "data_search", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := f.orch.Process(context.Background(), f.subject, Request{
		Query:     "data",
		Overrides: &Overrides{Agents: []string{"picky"}},
	})
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt64(&calls))
}

func TestProcessRetriesOn5xxThenSucceeds(t *testing.T) {
	f := newFixture(t, nil)

	var calls int64
	f.agentStub(t, "flaky", "data_search", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		okAgent("recovered")(w, r)
	})

	resp, err := f.orch.Process(context.Background(), f.subject, Request{
		Query:     "data",
		Overrides: &Overrides{Agents: []string{"flaky"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Response)
	assert.EqualValues(t, 3, atomic.LoadInt64(&calls))
}

func TestProcessUnknownPattern(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Process(context.Background(), f.subject, Request{
		Query:     "q",
		Overrides: &Overrides{Pattern: "scatter"},
	})
	assert.ErrorContains(t, err, "unknown pattern")
}

func TestProcessUnknownOverrideAgent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.orch.Process(context.Background(), f.subject, Request{
		Query:     "q",
		Overrides: &Overrides{Agents: []string{"ghost"}},
	})
	assert.ErrorIs(t, err, ErrNoAgentAvailable)
}
