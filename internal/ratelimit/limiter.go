// Package ratelimit implements sliding-window rate limiting over the shared
// store. One sorted set per (dimension, id) holds request timestamps; every
// check drops entries outside the window before counting.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/identity"
	"github.com/agentmesh/controlplane/internal/metrics"
	"github.com/agentmesh/controlplane/internal/store"
)

// Dimension scopes a rate window.
type Dimension string

const (
	DimensionGlobal Dimension = "global"
	DimensionUser   Dimension = "user"
	DimensionTool   Dimension = "tool"
)

// Limit is the budget for one dimension. Burst is extra headroom on top of
// Requests, for deployments that tolerate short spikes.
type Limit struct {
	Requests int
	Window   time.Duration
	Burst    int
}

func (l Limit) effective() int { return l.Requests + l.Burst }

// Info describes the state of a window after a check.
type Info struct {
	Limit     int       `json:"limit"`
	Window    int       `json:"window"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter checks sliding windows against the shared store. Store failures
// fail open: a governed request is never blocked because the backend is down.
type Limiter struct {
	store    store.Store
	clk      clock.Clock
	logger   *zap.Logger
	defaults map[Dimension]Limit

	mu     sync.RWMutex
	limits map[Dimension]Limit
}

// New creates a limiter with the given per-dimension budgets. Dimensions
// without an entry are unlimited. The budgets given here also act as
// fallbacks: SetLimits overlays new budgets on top of them.
func New(s store.Store, clk clock.Clock, limits map[Dimension]Limit, logger *zap.Logger) *Limiter {
	if clk == nil {
		clk = clock.Real()
	}
	defaults := make(map[Dimension]Limit, len(limits))
	cp := make(map[Dimension]Limit, len(limits))
	for d, l := range limits {
		defaults[d] = l
		cp[d] = l
	}
	return &Limiter{store: s, clk: clk, defaults: defaults, limits: cp, logger: logger}
}

// SetLimits atomically swaps in new budgets, e.g. after a policy reload.
// Dimensions absent from the new set fall back to the construction-time
// budgets, so an environment-configured default survives a policy document
// that omits rate_limits.
func (l *Limiter) SetLimits(limits map[Dimension]Limit) {
	cp := make(map[Dimension]Limit, len(l.defaults)+len(limits))
	for d, lim := range l.defaults {
		cp[d] = lim
	}
	for d, lim := range limits {
		cp[d] = lim
	}
	l.mu.Lock()
	l.limits = cp
	l.mu.Unlock()
}

func (l *Limiter) limitFor(dim Dimension) (Limit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lim, ok := l.limits[dim]
	return lim, ok && lim.Requests > 0 && lim.Window > 0
}

// Check consumes one slot from the (dim, id) window and reports whether the
// request is within budget. Ordering under contention is best-effort: two
// concurrent checks may both observe count = limit-1 and both pass, so
// overshoot is bounded by concurrency.
func (l *Limiter) Check(ctx context.Context, dim Dimension, id string) (bool, Info) {
	lim, ok := l.limitFor(dim)
	if !ok {
		return true, Info{}
	}

	now := l.clk.Now()
	windowStart := now.Add(-lim.Window)
	key := Key(dim, id)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), identity.NewNonce())

	count, err := l.store.SlidingWindowIncr(ctx, key,
		scoreOf(windowStart), scoreOf(now), member, lim.Window)
	if err != nil {
		metrics.RateLimitBackendFailures.Inc()
		l.logger.Warn("Rate limit backend failure, failing open",
			zap.String("dimension", string(dim)),
			zap.String("id", id),
			zap.Error(err),
		)
		return true, Info{}
	}

	allowed := count < int64(lim.effective())
	metrics.RateLimitChecks.WithLabelValues(string(dim), boolLabel(allowed)).Inc()

	remaining := lim.effective() - int(count) - 1
	if remaining < 0 {
		remaining = 0
	}
	info := Info{
		Limit:     lim.effective(),
		Window:    int(lim.Window / time.Second),
		Remaining: remaining,
		ResetAt:   now.Add(lim.Window),
	}

	if !allowed {
		l.logger.Warn("Rate limit exceeded",
			zap.String("dimension", string(dim)),
			zap.String("id", id),
			zap.Int64("count", count),
			zap.Int("limit", lim.effective()),
		)
	}
	return allowed, info
}

// Key is the store key for one window: rate_limit:{dimension}:{id}.
func Key(dim Dimension, id string) string {
	return fmt.Sprintf("rate_limit:%s:%s", dim, id)
}

// scoreOf maps an instant to a sorted-set score with sub-second precision.
func scoreOf(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
