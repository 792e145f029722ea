// Package llm is the chat-completion client used for request classification.
// It speaks the OpenAI-compatible wire shape with retry, pacing, and an
// optional fallback provider.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/tracing"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Model defaults to the provider's model.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Usage is the provider-reported token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content  string `json:"content"`
	Model    string `json:"model"`
	Provider string `json:"provider"`
	Usage    Usage  `json:"usage"`
}

// Provider is one upstream endpoint.
type Provider struct {
	Name    string
	BaseURL string
	APIKey  string
	Model   string
}

// Config holds client settings.
type Config struct {
	Primary  Provider
	Fallback *Provider
	// MaxRetries per provider. Default 3.
	MaxRetries int
	// RetryDelay is the backoff base: delay = RetryDelay * 2^attempt.
	// Default 1s.
	RetryDelay time.Duration
	// Timeout per request. Default 30s.
	Timeout time.Duration
	// RequestsPerSecond paces outbound calls. 0 disables pacing.
	RequestsPerSecond float64
}

// Client issues completions. Safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	pace   *rate.Limiter
	logger *zap.Logger
}

// NewClient creates a client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var pace *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		pace = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	if cfg.Primary.Name == "" {
		cfg.Primary.Name = "primary"
	}
	if cfg.Fallback != nil && cfg.Fallback.Name == "" {
		cfg.Fallback.Name = "fallback"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		pace:   pace,
		logger: logger,
	}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Complete runs the request against the primary provider, retrying with
// exponential backoff on connection errors and 5xx. 4xx responses are never
// retried. The fallback provider, when configured, gets the same treatment
// after the primary is exhausted.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "llm.complete")
	defer span.End()

	resp, err := c.completeWithProvider(ctx, c.cfg.Primary, req)
	if err == nil {
		return resp, nil
	}
	if c.cfg.Fallback == nil {
		return nil, err
	}

	c.logger.Warn("Primary LLM provider failed, trying fallback", zap.Error(err))
	resp, fallbackErr := c.completeWithProvider(ctx, *c.cfg.Fallback, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("primary: %v; fallback: %w", err, fallbackErr)
	}
	return resp, nil
}

func (c *Client) completeWithProvider(ctx context.Context, p Provider, req Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryDelay * (1 << (attempt - 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := c.doRequest(ctx, p, req)
		if err == nil {
			metrics.LLMRequests.WithLabelValues(p.Name, "success").Inc()
			return resp, nil
		}
		lastErr = err
		if pe, ok := err.(*permanentError); ok {
			metrics.LLMRequests.WithLabelValues(p.Name, "rejected").Inc()
			return nil, pe.err
		}
		metrics.LLMRequests.WithLabelValues(p.Name, "error").Inc()
		c.logger.Warn("LLM request failed",
			zap.String("provider", p.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, fmt.Errorf("llm provider %s exhausted retries: %w", p.Name, lastErr)
}

type wireRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

func (c *Client) doRequest(ctx context.Context, p Provider, req Request) (*Response, error) {
	if c.pace != nil {
		if err := c.pace.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = p.Model
	}
	body, err := json.Marshal(wireRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, &permanentError{err: fmt.Errorf("encode request: %w", err)}
	}

	timer := prometheus.NewTimer(metrics.LLMRequestDuration.WithLabelValues(p.Name))
	defer timer.ObserveDuration()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(p.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &permanentError{err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	tracing.InjectTraceparent(ctx, httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, &permanentError{err: fmt.Errorf("llm provider %s rejected request: status %d", p.Name, resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("llm provider %s: status %d", p.Name, resp.StatusCode)
	}

	var wire wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("llm response has no choices")
	}
	return &Response{
		Content:  wire.Choices[0].Message.Content,
		Model:    wire.Model,
		Provider: p.Name,
		Usage:    wire.Usage,
	}, nil
}
