// Package policy evaluates governance policies: role-based resource access,
// rate limits, parameter restrictions, and the violation audit trail.
package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/ratelimit"
	"github.com/agentmesh/controlplane/internal/store"
)

// DocumentKey is the shared-store key holding the authoritative policy
// document. The YAML file is the fallback.
const DocumentKey = "policy:document"

// RateLimitRule is one dimension's budget. Window is in seconds.
type RateLimitRule struct {
	Requests int `yaml:"requests" json:"requests"`
	Window   int `yaml:"window" json:"window"`
}

// Restrictions constrain a single resource's execution.
type Restrictions struct {
	MaxExecutionTime    int            `yaml:"max_execution_time,omitempty" json:"max_execution_time,omitempty"`
	AllowedParameters   []string       `yaml:"allowed_parameters,omitempty" json:"allowed_parameters,omitempty"`
	ForbiddenParameters []string       `yaml:"forbidden_parameters,omitempty" json:"forbidden_parameters,omitempty"`
	RateLimit           *RateLimitRule `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
}

// ResourcePolicy governs one resource type (agents or tools).
type ResourcePolicy struct {
	AllowList    []string                `yaml:"allow_list" json:"allow_list"`
	DenyList     []string                `yaml:"deny_list" json:"deny_list"`
	Restrictions map[string]Restrictions `yaml:"restrictions" json:"restrictions"`
}

// RoleGrant lists the resources one role may use. "*" grants everything.
type RoleGrant struct {
	Agents []string `yaml:"agents" json:"agents"`
	Tools  []string `yaml:"tools" json:"tools"`
}

// RateLimits holds the per-dimension budgets. per_agent is a legacy alias
// for per_tool; Normalize folds it in.
type RateLimits struct {
	Global   *RateLimitRule `yaml:"global" json:"global"`
	PerUser  *RateLimitRule `yaml:"per_user" json:"per_user"`
	PerTool  *RateLimitRule `yaml:"per_tool" json:"per_tool"`
	PerAgent *RateLimitRule `yaml:"per_agent,omitempty" json:"per_agent,omitempty"`
}

// ExecutionLimits apply to every resource unless overridden.
type ExecutionLimits struct {
	MaxExecutionTime int `yaml:"max_execution_time" json:"max_execution_time"`
}

// Document is the full policy configuration. Replaced wholesale on reload,
// never merged.
type Document struct {
	Enabled         bool   `yaml:"enabled" json:"enabled"`
	DefaultDecision string `yaml:"default_decision" json:"default_decision"`
	Resources       struct {
		Agents ResourcePolicy `yaml:"agents" json:"agents"`
		Tools  ResourcePolicy `yaml:"tools" json:"tools"`
	} `yaml:"resources" json:"resources"`
	Roles           map[string]RoleGrant `yaml:"roles" json:"roles"`
	RateLimits      RateLimits           `yaml:"rate_limits" json:"rate_limits"`
	ExecutionLimits ExecutionLimits      `yaml:"execution_limits" json:"execution_limits"`
}

// DefaultDocument is the built-in fallback: engine on, default deny, admin
// wildcard, conservative limits.
func DefaultDocument() *Document {
	doc := &Document{
		Enabled:         true,
		DefaultDecision: "deny",
		Roles: map[string]RoleGrant{
			"admin": {Agents: []string{"*"}, Tools: []string{"*"}},
		},
		RateLimits: RateLimits{
			Global:  &RateLimitRule{Requests: 1000, Window: 3600},
			PerUser: &RateLimitRule{Requests: 100, Window: 3600},
			PerTool: &RateLimitRule{Requests: 50, Window: 3600},
		},
		ExecutionLimits: ExecutionLimits{MaxExecutionTime: 300},
	}
	return doc
}

// Normalize resolves legacy aliases. per_agent counts as per_tool when the
// modern key is absent.
func (d *Document) Normalize() {
	if d.RateLimits.PerTool == nil && d.RateLimits.PerAgent != nil {
		d.RateLimits.PerTool = d.RateLimits.PerAgent
	}
	d.RateLimits.PerAgent = nil
	if d.Roles == nil {
		d.Roles = map[string]RoleGrant{}
	}
}

// LimiterBudgets maps the document's rate limits onto limiter dimensions.
func (d *Document) LimiterBudgets() map[ratelimit.Dimension]ratelimit.Limit {
	budgets := make(map[ratelimit.Dimension]ratelimit.Limit, 3)
	set := func(dim ratelimit.Dimension, rule *RateLimitRule) {
		if rule != nil && rule.Requests > 0 && rule.Window > 0 {
			budgets[dim] = ratelimit.Limit{
				Requests: rule.Requests,
				Window:   time.Duration(rule.Window) * time.Second,
			}
		}
	}
	set(ratelimit.DimensionGlobal, d.RateLimits.Global)
	set(ratelimit.DimensionUser, d.RateLimits.PerUser)
	set(ratelimit.DimensionTool, d.RateLimits.PerTool)
	return budgets
}

func (d *Document) resourcePolicy(resourceType string) *ResourcePolicy {
	switch resourceType {
	case "agent":
		return &d.Resources.Agents
	case "tool":
		return &d.Resources.Tools
	default:
		return nil
	}
}

// restrictionsFor merges a resource's restrictions with the global
// execution limits. Resource values win.
func (d *Document) restrictionsFor(resourceType, resourceID string) Restrictions {
	merged := Restrictions{MaxExecutionTime: d.ExecutionLimits.MaxExecutionTime}
	rp := d.resourcePolicy(resourceType)
	if rp == nil {
		return merged
	}
	r, ok := rp.Restrictions[resourceID]
	if !ok {
		return merged
	}
	if r.MaxExecutionTime > 0 {
		merged.MaxExecutionTime = r.MaxExecutionTime
	}
	merged.AllowedParameters = r.AllowedParameters
	merged.ForbiddenParameters = r.ForbiddenParameters
	merged.RateLimit = r.RateLimit
	return merged
}

// Loader resolves the policy document: store first, YAML file second,
// built-in defaults last.
type Loader struct {
	store  store.Store
	path   string
	logger *zap.Logger
}

// NewLoader creates a loader. store may be nil (file/defaults only); path
// may be empty (store/defaults only).
func NewLoader(s store.Store, path string, logger *zap.Logger) *Loader {
	return &Loader{store: s, path: path, logger: logger}
}

// Load returns the document and the source it came from ("store", "file"
// or "defaults").
func (l *Loader) Load(ctx context.Context) (*Document, string) {
	if l.store != nil {
		raw, err := l.store.Get(ctx, DocumentKey)
		if err == nil {
			doc, parseErr := parseDocument([]byte(raw))
			if parseErr == nil {
				return doc, "store"
			}
			l.logger.Warn("Stored policy document is malformed, falling back",
				zap.Error(parseErr))
		} else if !errors.Is(err, store.ErrNotFound) {
			l.logger.Warn("Policy document store unavailable, falling back",
				zap.Error(err))
		}
	}

	if l.path != "" {
		raw, err := os.ReadFile(l.path)
		if err == nil {
			doc, parseErr := parseDocument(raw)
			if parseErr == nil {
				return doc, "file"
			}
			l.logger.Warn("Policy file is malformed, falling back",
				zap.String("path", l.path), zap.Error(parseErr))
		} else {
			l.logger.Warn("Policy file unreadable, falling back",
				zap.String("path", l.path), zap.Error(err))
		}
	}

	return DefaultDocument(), "defaults"
}

// parseDocument decodes a full replacement document. Only the enabled flag
// defaults to true when omitted; nothing from previous documents survives.
func parseDocument(raw []byte) (*Document, error) {
	doc := &Document{Enabled: true}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	doc.Normalize()
	return doc, nil
}

func recordReload(source string) {
	metrics.PolicyReloads.WithLabelValues(source).Inc()
}
