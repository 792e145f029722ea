// Package governance composes the auth, policy, and catalog layers into the
// single choke-point every externally-triggered tool invocation passes
// through. Violations, counters, and spans are emitted here and nowhere else.
package governance

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/ratelimit"
	"github.com/agentmesh/controlplane/internal/tracing"
)

// Kind classifies a gate outcome. Each maps to one stable HTTP status.
type Kind string

const (
	KindOK                 Kind = "ok"
	KindUnauthenticated    Kind = "unauthenticated"
	KindAccessDenied       Kind = "access_denied"
	KindRateLimited        Kind = "rate_limited"
	KindParameterViolation Kind = "parameter_violation"
	KindNotFound           Kind = "not_found"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Outcome is the result of one gated invocation.
type Outcome struct {
	Kind       Kind
	Reason     string
	Result     interface{}
	RetryAfter int             // seconds, set for rate-limited outcomes
	RateInfo   *ratelimit.Info // remaining quota, set when a budget applies
	Subject    *auth.Subject
}

// OK reports whether the invocation succeeded.
func (o *Outcome) OK() bool { return o.Kind == KindOK }

// maxToolExecution is the hard ceiling on a single tool invocation. Policy
// restrictions below this are enforced post-hoc as violations.
const maxToolExecution = 5 * time.Minute

// Pipeline is the governance choke-point.
type Pipeline struct {
	validator *auth.Validator
	engine    *policy.Engine
	catalog   *catalog.Catalog
	clk       clock.Clock
	logger    *zap.Logger
}

// NewPipeline wires the gate. clk may be nil for the system clock.
func NewPipeline(validator *auth.Validator, engine *policy.Engine, cat *catalog.Catalog, clk clock.Clock, logger *zap.Logger) *Pipeline {
	if clk == nil {
		clk = clock.Real()
	}
	return &Pipeline{
		validator: validator,
		engine:    engine,
		catalog:   cat,
		clk:       clk,
		logger:    logger,
	}
}

// Gate authenticates, evaluates policy, invokes the tool, and records any
// execution-time violation. An invalid token short-circuits before the
// policy engine is consulted.
func (p *Pipeline) Gate(ctx context.Context, token, resourceType, resourceID, action string, params map[string]interface{}) *Outcome {
	timer := prometheus.NewTimer(metrics.GateDuration.WithLabelValues(resourceType))
	defer timer.ObserveDuration()

	subject, err := p.validator.Validate(ctx, token)
	if err != nil {
		return p.finish(resourceType, &Outcome{
			Kind:   KindUnauthenticated,
			Reason: "Authentication required",
		})
	}

	ctx, span := tracing.StartGateSpan(ctx, subject.ID, resourceType, resourceID, action)
	defer span.End()

	decision := p.engine.Evaluate(ctx, subject.ID, subject.Roles, resourceType, resourceID, action, params)
	if !decision.Allowed {
		out := &Outcome{Reason: decision.Reason, Subject: subject}
		switch decision.Deny {
		case policy.DenyRateLimit:
			out.Kind = KindRateLimited
			out.RetryAfter = decision.RateInfo.Window
			out.RateInfo = decision.RateInfo
		case policy.DenyParameter:
			out.Kind = KindParameterViolation
		default:
			out.Kind = KindAccessDenied
		}
		return p.finish(resourceType, out)
	}

	execCtx, cancelExec := context.WithTimeout(ctx, maxToolExecution)
	started := p.clk.Now()
	result, err := p.invoke(execCtx, resourceID, params, subject)
	elapsed := p.clk.Now().Sub(started)
	cancelExec()

	if maxExec := decision.Restrictions.MaxExecution(); maxExec > 0 && elapsed > maxExec {
		p.engine.RecordViolation(subject.ID, resourceType, resourceID, action,
			policy.ViolationExecutionTime, map[string]interface{}{
				"elapsed_seconds": elapsed.Seconds(),
				"max_seconds":     maxExec.Seconds(),
			})
	}

	if err != nil {
		out := &Outcome{Subject: subject}
		switch {
		case errors.Is(err, catalog.ErrToolNotFound):
			out.Kind = KindNotFound
			out.Reason = "Unknown tool " + resourceID
		case errors.Is(err, catalog.ErrMissingParameter):
			out.Kind = KindParameterViolation
			out.Reason = err.Error()
		case errors.Is(err, context.DeadlineExceeded):
			out.Kind = KindTimeout
			out.Reason = "Tool execution timed out"
		default:
			out.Kind = KindInternal
			out.Reason = "Tool execution failed"
			p.logger.Error("Tool execution failed",
				zap.String("tool", resourceID),
				zap.String("subject_id", subject.ID),
				zap.Error(err),
			)
		}
		return p.finish(resourceType, out)
	}

	return p.finish(resourceType, &Outcome{
		Kind:     KindOK,
		Result:   result,
		RateInfo: decision.RateInfo,
		Subject:  subject,
	})
}

// invoke runs the tool with panic containment. A panicking tool body must
// not take the service down; the caller sees a sanitised internal error.
func (p *Pipeline) invoke(ctx context.Context, name string, params map[string]interface{}, subject *auth.Subject) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Tool panicked",
				zap.String("tool", name),
				zap.Any("panic", r),
			)
			result = nil
			err = errors.New("tool panicked")
		}
	}()
	return p.catalog.Invoke(ctx, name, params, subject)
}

func (p *Pipeline) finish(resourceType string, out *Outcome) *Outcome {
	metrics.GateRequests.WithLabelValues(resourceType, string(out.Kind)).Inc()
	return out
}
