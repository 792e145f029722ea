// Package catalog is the process-local tool registry. Tools register at
// startup with an explicit descriptor; the governance pipeline is the only
// caller of Invoke.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/tracing"
)

var (
	// ErrToolNotFound is returned by Lookup and Invoke for unknown tools.
	ErrToolNotFound = errors.New("catalog: tool not found")
	// ErrMissingParameter is returned when a required argument is absent.
	ErrMissingParameter = errors.New("catalog: missing required parameter")
)

// ParamSpec describes one declared tool parameter.
type ParamSpec struct {
	Type        string      `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Descriptor is a tool's published contract. The schema is data; there is
// no runtime signature introspection.
type Descriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Category    string               `json:"category"`
	Params      map[string]ParamSpec `json:"parameters"`
	ReturnType  string               `json:"return_type"`
}

// Handler is a tool body. Bodies do no rate limiting, policy checks or
// violation recording; the pipeline owns all of that.
type Handler func(ctx context.Context, args map[string]interface{}, subject *auth.Subject) (interface{}, error)

type entry struct {
	desc    Descriptor
	handler Handler
}

// Catalog holds the registered tools. Write-at-startup, read-mostly after.
type Catalog struct {
	mu     sync.RWMutex
	tools  map[string]entry
	logger *zap.Logger
}

// New creates an empty catalog.
func New(logger *zap.Logger) *Catalog {
	return &Catalog{tools: make(map[string]entry), logger: logger}
}

// Register adds a tool. Duplicate names are a wiring bug and fail loudly.
func (c *Catalog) Register(desc Descriptor, handler Handler) error {
	if desc.Name == "" {
		return fmt.Errorf("catalog: tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("catalog: tool %s has no handler", desc.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[desc.Name]; exists {
		return fmt.Errorf("catalog: tool %s already registered", desc.Name)
	}
	c.tools[desc.Name] = entry{desc: desc, handler: handler}
	c.logger.Info("Tool registered",
		zap.String("tool", desc.Name),
		zap.String("category", desc.Category),
	)
	return nil
}

// List returns descriptors, optionally filtered by category, sorted by name.
func (c *Catalog) List(category string) []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Descriptor, 0, len(c.tools))
	for _, e := range c.tools {
		if category != "" && e.desc.Category != category {
			continue
		}
		out = append(out, e.desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup returns one tool's descriptor.
func (c *Catalog) Lookup(name string) (Descriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.tools[name]
	if !ok {
		return Descriptor{}, ErrToolNotFound
	}
	return e.desc, nil
}

// Category returns a tool's category, or "" when unknown. The policy engine
// uses it to scope restrictions.
func (c *Catalog) Category(name string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools[name].desc.Category
}

// Invoke runs a tool after filling schema defaults and checking required
// arguments. args is never mutated.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]interface{}, subject *auth.Subject) (interface{}, error) {
	c.mu.RLock()
	e, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok {
		return nil, ErrToolNotFound
	}

	ctx, span := tracing.StartSpan(ctx, "catalog.invoke")
	defer span.End()

	merged, err := mergeArgs(e.desc, args)
	if err != nil {
		metrics.ToolInvocations.WithLabelValues(name, "invalid_args").Inc()
		return nil, err
	}

	timer := prometheus.NewTimer(metrics.ToolDuration.WithLabelValues(name))
	result, err := e.handler(ctx, merged, subject)
	timer.ObserveDuration()

	if err != nil {
		metrics.ToolInvocations.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	metrics.ToolInvocations.WithLabelValues(name, "success").Inc()
	return result, nil
}

func mergeArgs(desc Descriptor, args map[string]interface{}) (map[string]interface{}, error) {
	merged := make(map[string]interface{}, len(args)+len(desc.Params))
	for k, v := range args {
		merged[k] = v
	}
	for name, spec := range desc.Params {
		if _, ok := merged[name]; ok {
			continue
		}
		if spec.Default != nil {
			merged[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
	}
	return merged, nil
}
