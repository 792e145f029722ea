// Package orchestrator accepts user requests, selects worker agents via the
// LLM classifier or capability matching, and dispatches under policy.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/identity"
	"github.com/agentmesh/controlplane/internal/llm"
	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/registry"
	"github.com/agentmesh/controlplane/internal/tracing"
)

// Dispatch patterns.
const (
	PatternSimple     = "simple"
	PatternSequential = "sequential"
	PatternParallel   = "parallel"
	PatternLoop       = "loop"
)

// Patterns lists the supported dispatch patterns with descriptions.
var Patterns = map[string]string{
	PatternSimple:     "Route to the single best agent",
	PatternSequential: "Run agents in order, feeding each result into the next context",
	PatternParallel:   "Fan out to all requested agents concurrently",
	PatternLoop:       "Iterate one agent until it reports completion or the hop limit",
}

// ErrNoAgentAvailable means no healthy agent could serve the request.
var ErrNoAgentAvailable = errors.New("orchestrator: no agent available")

// PolicyDeniedError carries the policy verdict for a refused dispatch edge.
type PolicyDeniedError struct {
	AgentID  string
	Decision policy.Decision
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("dispatch to %s denied: %s", e.AgentID, e.Decision.Reason)
}

// Overrides let callers bypass classification or change the pattern.
// Terminate is only usable by in-process callers.
type Overrides struct {
	Pattern       string                 `json:"pattern,omitempty"`
	Agents        []string               `json:"agents,omitempty"`
	AgentSequence []string               `json:"agent_sequence,omitempty"`
	MaxHops       int                    `json:"max_hops,omitempty"`
	Terminate     func(interface{}) bool `json:"-"`
}

// Request is the orchestrator's input envelope.
type Request struct {
	Query     string                 `json:"query"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Overrides *Overrides             `json:"overrides,omitempty"`
}

// AgentResult is one agent's contribution to a response.
type AgentResult struct {
	Success       bool        `json:"success"`
	Result        interface{} `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
}

// Response is the output envelope. SelectedAgent carries the single target
// for simple and loop dispatches; SelectedAgents always lists every target.
type Response struct {
	TransactionID  string      `json:"transaction_id"`
	SelectedAgent  string      `json:"selected_agent,omitempty"`
	SelectedAgents []string    `json:"selected_agents"`
	Pattern        string      `json:"pattern"`
	Reasoning      string      `json:"reasoning"`
	Response       interface{} `json:"response"`
	Timestamp      time.Time   `json:"timestamp"`
}

// Config holds dispatch settings.
type Config struct {
	// DispatchTimeout per agent call. Default 30s.
	DispatchTimeout time.Duration
	// MaxRetries per agent call. Default 3.
	MaxRetries int
	// RetryDelay is the backoff base: delay = RetryDelay * 2^attempt.
	// Default 1s.
	RetryDelay time.Duration
	// MaxLoopHops caps loop-pattern iterations. Default 5.
	MaxLoopHops int
}

// Orchestrator routes requests to worker agents.
type Orchestrator struct {
	registry *registry.Registry
	llm      *llm.Client
	engine   *policy.Engine
	cfg      Config
	client   *httpDispatcher
	clk      clock.Clock
	logger   *zap.Logger
}

// New creates an orchestrator. llmClient may be nil, which forces keyword
// classification.
func New(reg *registry.Registry, llmClient *llm.Client, engine *policy.Engine, cfg Config, clk clock.Clock, logger *zap.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxLoopHops <= 0 {
		cfg.MaxLoopHops = 5
	}
	return &Orchestrator{
		registry: reg,
		llm:      llmClient,
		engine:   engine,
		cfg:      cfg,
		client:   newHTTPDispatcher(cfg, logger),
		clk:      clk,
		logger:   logger,
	}
}

// Process runs the full state machine: classify, policy-gate, dispatch,
// emit. The subject has already been authenticated by the caller.
func (o *Orchestrator) Process(ctx context.Context, subject *auth.Subject, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "orchestrator.process")
	defer span.End()

	pattern := PatternSimple
	if req.Overrides != nil && req.Overrides.Pattern != "" {
		pattern = req.Overrides.Pattern
	}
	if _, ok := Patterns[pattern]; !ok {
		return nil, fmt.Errorf("orchestrator: unknown pattern %q", pattern)
	}

	targets, reasoning, err := o.selectAgents(ctx, pattern, req)
	if err != nil {
		return nil, err
	}

	for _, target := range targets {
		if err := o.gateEdge(ctx, subject, target); err != nil {
			return nil, err
		}
	}

	timer := prometheus.NewTimer(metrics.DispatchDuration.WithLabelValues(pattern))
	result, err := o.dispatch(ctx, pattern, subject, req, targets)
	timer.ObserveDuration()

	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(pattern, "error").Inc()
		return nil, err
	}
	metrics.DispatchesTotal.WithLabelValues(pattern, "success").Inc()

	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.AgentID
	}
	single := ""
	if len(ids) == 1 {
		single = ids[0]
	}
	return &Response{
		TransactionID:  identity.NewTransactionID(),
		SelectedAgent:  single,
		SelectedAgents: ids,
		Pattern:        pattern,
		Reasoning:      reasoning,
		Response:       result,
		Timestamp:      o.clk.Now().UTC(),
	}, nil
}

// selectAgents resolves the target records for a pattern. Overrides skip
// classification entirely.
func (o *Orchestrator) selectAgents(ctx context.Context, pattern string, req Request) ([]*registry.AgentRecord, string, error) {
	ov := req.Overrides

	switch pattern {
	case PatternSequential:
		if ov == nil || len(ov.AgentSequence) == 0 {
			return nil, "", fmt.Errorf("orchestrator: sequential pattern requires agent_sequence")
		}
		records, err := o.resolveIDs(ctx, ov.AgentSequence)
		return records, "caller-specified sequence", err
	case PatternParallel:
		if ov == nil || len(ov.Agents) == 0 {
			return nil, "", fmt.Errorf("orchestrator: parallel pattern requires agents")
		}
		records, err := o.resolveIDs(ctx, ov.Agents)
		return records, "caller-specified fan-out", err
	}

	if ov != nil && len(ov.Agents) > 0 {
		record, err := o.resolveID(ctx, ov.Agents[0])
		if err != nil {
			return nil, "", err
		}
		return []*registry.AgentRecord{record}, "caller-specified agent", nil
	}

	record, reasoning, err := o.classify(ctx, req.Query)
	if err != nil {
		return nil, "", err
	}
	return []*registry.AgentRecord{record}, reasoning, nil
}

func (o *Orchestrator) resolveIDs(ctx context.Context, ids []string) ([]*registry.AgentRecord, error) {
	records := make([]*registry.AgentRecord, 0, len(ids))
	for _, id := range ids {
		record, err := o.resolveID(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (o *Orchestrator) resolveID(ctx context.Context, id string) (*registry.AgentRecord, error) {
	record, err := o.registry.Get(ctx, id)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoAgentAvailable, id)
		}
		return nil, err
	}
	if record.Status == registry.StatusOffline {
		return nil, fmt.Errorf("%w: %s is offline", ErrNoAgentAvailable, id)
	}
	return record, nil
}

// classify picks an agent with the LLM, falling back to keyword matching on
// malformed output or LLM failure.
func (o *Orchestrator) classify(ctx context.Context, query string) (*registry.AgentRecord, string, error) {
	healthy, err := o.registry.List(ctx, registry.Filter{Status: registry.StatusHealthy})
	if err != nil {
		return nil, "", err
	}
	if len(healthy) == 0 {
		return nil, "", ErrNoAgentAvailable
	}

	if o.llm != nil {
		if record, reasoning, ok := o.classifyLLM(ctx, query, healthy); ok {
			return record, reasoning, nil
		}
		metrics.ClassificationFallbacks.Inc()
	}

	return o.keywordFallback(ctx, query, healthy)
}

func (o *Orchestrator) classifyLLM(ctx context.Context, query string, healthy []*registry.AgentRecord) (*registry.AgentRecord, string, bool) {
	summaries := make([]llm.AgentSummary, len(healthy))
	for i, record := range healthy {
		caps := make([]string, len(record.Capabilities))
		for j, c := range record.Capabilities {
			caps[j] = c.Name
		}
		summaries[i] = llm.AgentSummary{
			Name:         record.Name,
			Description:  record.Description,
			Capabilities: caps,
		}
	}

	verdict, err := o.llm.ClassifyCapability(ctx, query, summaries)
	if err != nil {
		o.logger.Warn("LLM classification failed, falling back", zap.Error(err))
		return nil, "", false
	}

	if verdict.Agent != "" {
		for _, record := range healthy {
			if record.Name == verdict.Agent || record.AgentID == verdict.Agent {
				return record, verdict.Reasoning, true
			}
		}
	}
	if verdict.Capability != "" {
		if record, err := o.registry.FindBest(ctx, verdict.Capability); err == nil {
			return record, verdict.Reasoning, true
		}
	}
	o.logger.Warn("LLM named an unknown agent, falling back",
		zap.String("agent", verdict.Agent),
		zap.String("capability", verdict.Capability),
	)
	return nil, "", false
}

// keywordFallback maps query keywords to capabilities, then tries a textual
// match of capability names against the query. No match means no agent.
func (o *Orchestrator) keywordFallback(ctx context.Context, query string, healthy []*registry.AgentRecord) (*registry.AgentRecord, string, error) {
	lowered := strings.ToLower(query)

	capability := ""
	switch {
	case containsAny(lowered, "search", "find", "query", "data"):
		capability = "data_search"
	case containsAny(lowered, "report", "analysis", "analytics"):
		capability = "reporting"
	}

	if capability != "" {
		if record, err := o.registry.FindBest(ctx, capability); err == nil {
			return record, fmt.Sprintf("fallback: query matched capability %s", capability), nil
		}
	}

	for _, record := range healthy {
		for _, c := range record.Capabilities {
			if capabilityMatchesQuery(c.Name, lowered) {
				return record, fmt.Sprintf("fallback: query matched capability %s", c.Name), nil
			}
		}
	}
	return nil, "", fmt.Errorf("%w: no capability matches query", ErrNoAgentAvailable)
}

// capabilityMatchesQuery reports whether any word of the capability name
// appears in the lowered query. Short tokens are ignored to avoid matching
// noise words.
func capabilityMatchesQuery(name, lowered string) bool {
	for _, token := range strings.Split(strings.ToLower(name), "_") {
		if len(token) >= 4 && strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func (o *Orchestrator) gateEdge(ctx context.Context, subject *auth.Subject, target *registry.AgentRecord) error {
	decision := o.engine.Evaluate(ctx, subject.ID, subject.Roles, "agent", target.AgentID, "invoke", nil)
	if !decision.Allowed {
		return &PolicyDeniedError{AgentID: target.AgentID, Decision: decision}
	}
	return nil
}

func containsAny(s string, terms ...string) bool {
	for _, term := range terms {
		if strings.Contains(s, term) {
			return true
		}
	}
	return false
}
