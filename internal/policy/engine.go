package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/ratelimit"
)

// DenyKind classifies a refusal so callers never have to parse reason
// strings.
type DenyKind string

const (
	DenyNone      DenyKind = ""
	DenyAccess    DenyKind = "access"
	DenyRateLimit DenyKind = "rate_limit"
	DenyParameter DenyKind = "parameter"
)

// Decision is the per-call verdict. Never persisted. RateInfo is set on
// rate-limit denials and, when a tool budget exists, on allowed decisions
// so callers can surface remaining quota.
type Decision struct {
	Allowed      bool            `json:"allowed"`
	Deny         DenyKind        `json:"deny_kind,omitempty"`
	Reason       string          `json:"reason"`
	Restrictions Restrictions    `json:"restrictions"`
	RateInfo     *ratelimit.Info `json:"rate_info,omitempty"`
}

// ComplianceMetrics summarises engine activity since startup.
type ComplianceMetrics struct {
	TotalRequests           int64          `json:"total_requests"`
	AllowedRequests         int64          `json:"allowed_requests"`
	DeniedRequests          int64          `json:"denied_requests"`
	ComplianceRate          float64        `json:"compliance_rate"`
	PolicyViolations        int            `json:"policy_violations"`
	RateLimitHits           int64          `json:"rate_limit_hits"`
	ExecutionTimeViolations int64          `json:"execution_time_violations"`
	ParameterViolations     int64          `json:"parameter_violations"`
	ViolationsByType        map[string]int `json:"violations_by_type"`
	ViolationsByUser        map[string]int `json:"violations_by_user"`
	ViolationsByResource    map[string]int `json:"violations_by_resource"`
}

// Engine evaluates policy decisions against an atomically swapped document.
type Engine struct {
	doc        atomic.Pointer[Document]
	loader     *Loader
	limiter    *ratelimit.Limiter
	violations *violationRing
	clk        clock.Clock
	logger     *zap.Logger

	total          atomic.Int64
	allowed        atomic.Int64
	denied         atomic.Int64
	rateHits       atomic.Int64
	execViolations atomic.Int64
	paramHits      atomic.Int64
}

// NewEngine loads the initial document and wires the limiter budgets.
func NewEngine(ctx context.Context, loader *Loader, limiter *ratelimit.Limiter, clk clock.Clock, logger *zap.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	e := &Engine{
		loader:     loader,
		limiter:    limiter,
		violations: newViolationRing(1024),
		clk:        clk,
		logger:     logger,
	}
	e.Reload(ctx)
	return e
}

// Document returns the active document. Callers hold it for at most one
// decision; reloads swap the pointer underneath.
func (e *Engine) Document() *Document {
	return e.doc.Load()
}

// Reload swaps in a freshly loaded document. In-flight decisions keep the
// document they started with.
func (e *Engine) Reload(ctx context.Context) {
	doc, source := e.loader.Load(ctx)
	e.doc.Store(doc)
	if e.limiter != nil {
		e.limiter.SetLimits(doc.LimiterBudgets())
	}
	recordReload(source)
	e.logger.Info("Policy document loaded",
		zap.String("source", source),
		zap.Bool("enabled", doc.Enabled),
		zap.Int("roles", len(doc.Roles)),
	)
}

// Evaluate runs the decision sequence: enabled check, role access, rate
// limits, parameter restrictions. The denied counter moves on every deny.
func (e *Engine) Evaluate(ctx context.Context, subjectID string, roles []string, resourceType, resourceID, action string, params map[string]interface{}) Decision {
	doc := e.doc.Load()
	if !doc.Enabled {
		return Decision{Allowed: true, Reason: "Policy engine disabled"}
	}

	e.total.Add(1)

	if !e.accessAllowed(doc, roles, resourceType, resourceID) {
		e.RecordViolation(subjectID, resourceType, resourceID, action, ViolationAccessDenied, nil)
		return e.deny(resourceType, Decision{Deny: DenyAccess, Reason: "Access denied by policy"})
	}

	allowed, info := e.checkRateLimits(ctx, subjectID, resourceID)
	if !allowed {
		e.rateHits.Add(1)
		e.RecordViolation(subjectID, resourceType, resourceID, action, ViolationRateLimitExceeded, map[string]interface{}{
			"limit":  info.Limit,
			"window": info.Window,
		})
		return e.deny(resourceType, Decision{Deny: DenyRateLimit, Reason: "Rate limit exceeded", RateInfo: &info})
	}

	restrictions := doc.restrictionsFor(resourceType, resourceID)

	if reason, details := validateParams(restrictions, params); reason != "" {
		e.paramHits.Add(1)
		e.RecordViolation(subjectID, resourceType, resourceID, action, ViolationParameter, details)
		return e.deny(resourceType, Decision{
			Deny:         DenyParameter,
			Reason:       fmt.Sprintf("Parameter violation: %s", reason),
			Restrictions: restrictions,
		})
	}

	e.allowed.Add(1)
	metrics.PolicyDecisions.WithLabelValues(resourceType, "true").Inc()
	d := Decision{Allowed: true, Reason: "Access granted", Restrictions: restrictions}
	if info.Limit > 0 {
		d.RateInfo = &info
	}
	return d
}

func (e *Engine) deny(resourceType string, d Decision) Decision {
	e.denied.Add(1)
	metrics.PolicyDecisions.WithLabelValues(resourceType, "false").Inc()
	d.Allowed = false
	return d
}

// accessAllowed applies deny lists first, then the union of role grants and
// the resource allow list.
func (e *Engine) accessAllowed(doc *Document, roles []string, resourceType, resourceID string) bool {
	rp := doc.resourcePolicy(resourceType)
	if rp == nil {
		return false
	}
	if contains(rp.DenyList, resourceID) {
		return false
	}
	if contains(rp.AllowList, "*") || contains(rp.AllowList, resourceID) {
		return true
	}
	for _, role := range roles {
		grant, ok := doc.Roles[role]
		if !ok {
			continue
		}
		var set []string
		if resourceType == "agent" {
			set = grant.Agents
		} else {
			set = grant.Tools
		}
		if contains(set, "*") || contains(set, resourceID) {
			return true
		}
	}
	return false
}

// checkRateLimits walks the dimensions in order: global, user, resource.
// The first denial wins. On success the returned Info describes the
// resource window, the one callers report quota against.
func (e *Engine) checkRateLimits(ctx context.Context, subjectID, resourceID string) (bool, ratelimit.Info) {
	if e.limiter == nil {
		return true, ratelimit.Info{}
	}
	checks := []struct {
		dim ratelimit.Dimension
		id  string
	}{
		{ratelimit.DimensionGlobal, "global"},
		{ratelimit.DimensionUser, subjectID},
		{ratelimit.DimensionTool, resourceID},
	}
	var last ratelimit.Info
	for _, c := range checks {
		allowed, info := e.limiter.Check(ctx, c.dim, c.id)
		if !allowed {
			return false, info
		}
		last = info
	}
	return true, last
}

func validateParams(r Restrictions, params map[string]interface{}) (string, map[string]interface{}) {
	if len(params) == 0 {
		return "", nil
	}
	if len(r.AllowedParameters) > 0 && !contains(r.AllowedParameters, "*") {
		for name := range params {
			if !contains(r.AllowedParameters, name) {
				return fmt.Sprintf("parameter %q not allowed", name), map[string]interface{}{
					"parameter":          name,
					"allowed_parameters": r.AllowedParameters,
				}
			}
		}
	}
	for name := range params {
		if contains(r.ForbiddenParameters, name) {
			return fmt.Sprintf("parameter %q is forbidden", name), map[string]interface{}{
				"parameter":            name,
				"forbidden_parameters": r.ForbiddenParameters,
			}
		}
	}
	return "", nil
}

// RecordViolation appends to the ring. The governance pipeline also calls
// this for execution-time breaches detected after the fact.
func (e *Engine) RecordViolation(subjectID, resourceType, resourceID, action, violationType string, details map[string]interface{}) {
	if violationType == ViolationExecutionTime {
		e.execViolations.Add(1)
	}
	e.violations.record(Violation{
		Timestamp:     e.clk.Now(),
		SubjectID:     subjectID,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Action:        action,
		ViolationType: violationType,
		Details:       details,
	})
	metrics.PolicyViolations.WithLabelValues(violationType).Inc()
	e.logger.Warn("Policy violation recorded",
		zap.String("subject_id", subjectID),
		zap.String("resource_type", resourceType),
		zap.String("resource_id", resourceID),
		zap.String("violation_type", violationType),
	)
}

// AuditTrail returns the most recent violations, newest first.
func (e *Engine) AuditTrail(limit int) []Violation {
	return e.violations.newestFirst(limit)
}

// Compliance summarises counters and violation groupings.
func (e *Engine) Compliance() ComplianceMetrics {
	total := e.total.Load()
	allowed := e.allowed.Load()

	m := ComplianceMetrics{
		TotalRequests:           total,
		AllowedRequests:         allowed,
		DeniedRequests:          e.denied.Load(),
		RateLimitHits:           e.rateHits.Load(),
		ExecutionTimeViolations: e.execViolations.Load(),
		ParameterViolations:     e.paramHits.Load(),
		ViolationsByType:        map[string]int{},
		ViolationsByUser:        map[string]int{},
		ViolationsByResource:    map[string]int{},
	}
	if total > 0 {
		m.ComplianceRate = float64(allowed) / float64(total) * 100
	}

	for _, v := range e.violations.snapshot() {
		m.PolicyViolations++
		m.ViolationsByType[v.ViolationType]++
		m.ViolationsByUser[v.SubjectID]++
		m.ViolationsByResource[v.ResourceType+"_"+v.ResourceID]++
	}
	return m
}

// MaxExecution converts the restriction to a duration; zero means no cap.
func (r Restrictions) MaxExecution() time.Duration {
	return time.Duration(r.MaxExecutionTime) * time.Second
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
