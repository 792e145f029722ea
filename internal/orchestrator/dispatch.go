package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/registry"
	"github.com/agentmesh/controlplane/internal/tracing"
)

// dispatch fans the request out per pattern. Registry load is held for the
// duration of each agent call and released on every path, cancellation
// included.
func (o *Orchestrator) dispatch(ctx context.Context, pattern string, subject *auth.Subject, req Request, targets []*registry.AgentRecord) (interface{}, error) {
	switch pattern {
	case PatternSimple:
		return o.dispatchSimple(ctx, subject, req, targets[0])
	case PatternSequential:
		return o.dispatchSequential(ctx, subject, req, targets)
	case PatternParallel:
		return o.dispatchParallel(ctx, subject, req, targets)
	case PatternLoop:
		return o.dispatchLoop(ctx, subject, req, targets[0])
	default:
		return nil, fmt.Errorf("orchestrator: unknown pattern %q", pattern)
	}
}

func (o *Orchestrator) dispatchSimple(ctx context.Context, subject *auth.Subject, req Request, target *registry.AgentRecord) (interface{}, error) {
	result := o.callAgent(ctx, subject, target, req.Query, req.Context)
	if !result.Success {
		return nil, fmt.Errorf("agent %s failed: %s", target.AgentID, result.Error)
	}
	return result.Result, nil
}

// dispatchSequential threads each agent's result into the next context.
func (o *Orchestrator) dispatchSequential(ctx context.Context, subject *auth.Subject, req Request, targets []*registry.AgentRecord) (interface{}, error) {
	stepContext := cloneContext(req.Context)
	steps := make([]map[string]interface{}, 0, len(targets))

	var last interface{}
	for _, target := range targets {
		result := o.callAgent(ctx, subject, target, req.Query, stepContext)
		if !result.Success {
			return nil, fmt.Errorf("agent %s failed at step %d: %s", target.AgentID, len(steps)+1, result.Error)
		}
		last = result.Result
		steps = append(steps, map[string]interface{}{
			"agent_id": target.AgentID,
			"result":   result.Result,
		})
		stepContext = cloneContext(req.Context)
		stepContext["previous_result"] = result.Result
	}
	return map[string]interface{}{
		"steps":        steps,
		"final_result": last,
	}, nil
}

// dispatchParallel fans out concurrently. Partial failures are reported per
// agent and never fail the batch.
func (o *Orchestrator) dispatchParallel(ctx context.Context, subject *auth.Subject, req Request, targets []*registry.AgentRecord) (interface{}, error) {
	results := make(map[string]*AgentResult, len(targets))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, target := range targets {
		wg.Add(1)
		go func(target *registry.AgentRecord) {
			defer wg.Done()
			result := o.callAgent(ctx, subject, target, req.Query, req.Context)
			mu.Lock()
			results[target.AgentID] = result
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results, nil
}

// dispatchLoop iterates one agent until the termination predicate fires, the
// agent reports completion, or the hop limit is reached.
func (o *Orchestrator) dispatchLoop(ctx context.Context, subject *auth.Subject, req Request, target *registry.AgentRecord) (interface{}, error) {
	maxHops := o.cfg.MaxLoopHops
	if req.Overrides != nil && req.Overrides.MaxHops > 0 && req.Overrides.MaxHops < maxHops {
		maxHops = req.Overrides.MaxHops
	}

	hopContext := cloneContext(req.Context)
	iterations := make([]interface{}, 0, maxHops)

	for hop := 0; hop < maxHops; hop++ {
		hopContext["iteration"] = hop
		result := o.callAgent(ctx, subject, target, req.Query, hopContext)
		if !result.Success {
			return nil, fmt.Errorf("agent %s failed at hop %d: %s", target.AgentID, hop, result.Error)
		}
		iterations = append(iterations, result.Result)

		if req.Overrides != nil && req.Overrides.Terminate != nil && req.Overrides.Terminate(result.Result) {
			break
		}
		if isComplete(result.Result) {
			break
		}
		hopContext = cloneContext(req.Context)
		hopContext["previous_result"] = result.Result
	}
	return map[string]interface{}{
		"iterations":   iterations,
		"hops":         len(iterations),
		"final_result": iterations[len(iterations)-1],
	}, nil
}

// isComplete is the default loop predicate: the agent sets complete=true.
func isComplete(result interface{}) bool {
	m, ok := result.(map[string]interface{})
	if !ok {
		return false
	}
	complete, _ := m["complete"].(bool)
	return complete
}

// callAgent acquires a registry slot, posts to the agent, and releases the
// slot even when the context is already cancelled.
func (o *Orchestrator) callAgent(ctx context.Context, subject *auth.Subject, target *registry.AgentRecord, query string, reqContext map[string]interface{}) *AgentResult {
	if err := o.registry.AcquireSlot(ctx, target.AgentID); err != nil {
		o.logger.Warn("Failed to acquire agent slot",
			zap.String("agent_id", target.AgentID), zap.Error(err))
	} else {
		defer o.registry.ReleaseSlot(context.WithoutCancel(ctx), target.AgentID)
	}

	result, err := o.client.processRequest(ctx, target, subject.ID, query, reqContext)
	if err != nil {
		return &AgentResult{Success: false, Error: err.Error()}
	}
	return result
}

// httpDispatcher is the agent wire-protocol client.
type httpDispatcher struct {
	http       *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger
}

func newHTTPDispatcher(cfg Config, logger *zap.Logger) *httpDispatcher {
	return &httpDispatcher{
		http:       &http.Client{Timeout: cfg.DispatchTimeout},
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

type agentRequest struct {
	Query   string                 `json:"query"`
	Context map[string]interface{} `json:"context,omitempty"`
}

type agentResponse struct {
	Success       bool        `json:"success"`
	Result        interface{} `json:"result,omitempty"`
	Error         string      `json:"error,omitempty"`
	TransactionID string      `json:"transaction_id,omitempty"`
}

// processRequest posts to the agent with retries on connection errors and
// 5xx. 4xx responses fail immediately.
func (d *httpDispatcher) processRequest(ctx context.Context, target *registry.AgentRecord, subjectID, query string, reqContext map[string]interface{}) (*AgentResult, error) {
	body, err := json.Marshal(agentRequest{Query: query, Context: reqContext})
	if err != nil {
		return nil, fmt.Errorf("encode agent request: %w", err)
	}
	url := target.EndpointURL + "/process_request"

	var lastErr error
	for attempt := 0; attempt < d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.retryDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, retryable, err := d.attempt(ctx, url, subjectID, body)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
		d.logger.Warn("Agent dispatch failed",
			zap.String("agent_id", target.AgentID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("agent %s unreachable after %d attempts: %w", target.AgentID, d.maxRetries, lastErr)
}

func (d *httpDispatcher) attempt(ctx context.Context, url, subjectID string, body []byte) (*AgentResult, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", subjectID)
	tracing.InjectTraceparent(ctx, req)

	resp, err := d.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, false, fmt.Errorf("agent rejected request: status %d", resp.StatusCode)
	}

	var ar agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return nil, false, fmt.Errorf("decode agent response: %w", err)
	}
	return &AgentResult{
		Success:       ar.Success,
		Result:        ar.Result,
		Error:         ar.Error,
		TransactionID: ar.TransactionID,
	}, false, nil
}

func cloneContext(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
