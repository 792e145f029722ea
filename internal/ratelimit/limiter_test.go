package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/store"
)

func newTestLimiter(limits map[Dimension]Limit) (*Limiter, *clock.Virtual) {
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	mem := store.NewMemoryStore(clk)
	return New(mem, clk, limits, zap.NewNop()), clk
}

func TestLimiterAllowsWithinBudget(t *testing.T) {
	l, _ := newTestLimiter(map[Dimension]Limit{
		DimensionTool: {Requests: 3, Window: time.Minute},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, info := l.Check(ctx, DimensionTool, "t1")
		require.True(t, allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 3, info.Limit)
	}

	allowed, info := l.Check(ctx, DimensionTool, "t1")
	assert.False(t, allowed)
	assert.Equal(t, 0, info.Remaining)
	assert.Equal(t, 60, info.Window)
}

func TestLimiterWindowSlides(t *testing.T) {
	l, clk := newTestLimiter(map[Dimension]Limit{
		DimensionUser: {Requests: 2, Window: time.Minute},
	})
	ctx := context.Background()

	allowed, _ := l.Check(ctx, DimensionUser, "alice")
	require.True(t, allowed)
	allowed, _ = l.Check(ctx, DimensionUser, "alice")
	require.True(t, allowed)
	allowed, _ = l.Check(ctx, DimensionUser, "alice")
	require.False(t, allowed)

	// After the window passes the budget is fresh.
	clk.Advance(61 * time.Second)
	allowed, _ = l.Check(ctx, DimensionUser, "alice")
	assert.True(t, allowed)
}

func TestLimiterScopesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(map[Dimension]Limit{
		DimensionUser: {Requests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	allowed, _ := l.Check(ctx, DimensionUser, "alice")
	require.True(t, allowed)
	allowed, _ = l.Check(ctx, DimensionUser, "alice")
	require.False(t, allowed)

	// A different id has its own window.
	allowed, _ = l.Check(ctx, DimensionUser, "bob")
	assert.True(t, allowed)
}

func TestLimiterUnconfiguredDimensionIsUnlimited(t *testing.T) {
	l, _ := newTestLimiter(map[Dimension]Limit{})
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		allowed, _ := l.Check(ctx, DimensionGlobal, "ingress")
		require.True(t, allowed)
	}
}

// failingStore errors on every window operation.
type failingStore struct {
	store.Store
}

func (failingStore) SlidingWindowIncr(context.Context, string, float64, float64, string, time.Duration) (int64, error) {
	return 0, errors.New("backend down")
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	clk := clock.NewVirtual(time.Unix(1_700_000_000, 0))
	l := New(failingStore{store.NewMemoryStore(clk)}, clk, map[Dimension]Limit{
		DimensionGlobal: {Requests: 1, Window: time.Minute},
	}, zap.NewNop())

	for i := 0; i < 5; i++ {
		allowed, _ := l.Check(context.Background(), DimensionGlobal, "ingress")
		require.True(t, allowed, "store failure must never block traffic")
	}
}

func TestLimiterBoundedOvershoot(t *testing.T) {
	const (
		limit       = 10
		concurrency = 4
	)
	l, _ := newTestLimiter(map[Dimension]Limit{
		DimensionTool: {Requests: limit, Window: time.Minute},
	})
	ctx := context.Background()

	results := make(chan bool, limit*3)
	done := make(chan struct{})
	for w := 0; w < concurrency; w++ {
		go func() {
			for i := 0; i < limit*3/concurrency; i++ {
				ok, _ := l.Check(ctx, DimensionTool, "t1")
				results <- ok
			}
			done <- struct{}{}
		}()
	}
	for w := 0; w < concurrency; w++ {
		<-done
	}
	close(results)

	allowed := 0
	for ok := range results {
		if ok {
			allowed++
		}
	}
	assert.LessOrEqual(t, allowed, limit+concurrency-1)
	assert.GreaterOrEqual(t, allowed, limit)
}

func TestLimiterSetLimitsSwapsBudgets(t *testing.T) {
	l, _ := newTestLimiter(map[Dimension]Limit{
		DimensionTool: {Requests: 1, Window: time.Minute},
	})
	ctx := context.Background()

	allowed, _ := l.Check(ctx, DimensionTool, "t1")
	require.True(t, allowed)
	allowed, _ = l.Check(ctx, DimensionTool, "t1")
	require.False(t, allowed)

	l.SetLimits(map[Dimension]Limit{
		DimensionTool: {Requests: 100, Window: time.Minute},
	})
	allowed, _ = l.Check(ctx, DimensionTool, "t1")
	assert.True(t, allowed)
}

func TestLimiterBurstExtendsBudget(t *testing.T) {
	l, _ := newTestLimiter(map[Dimension]Limit{
		DimensionTool: {Requests: 2, Window: time.Minute, Burst: 1},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, info := l.Check(ctx, DimensionTool, "t1")
		require.True(t, allowed, "request %d within burst headroom", i+1)
		assert.Equal(t, 3, info.Limit)
	}
	allowed, _ := l.Check(ctx, DimensionTool, "t1")
	assert.False(t, allowed)
}

func TestLimiterSetLimitsKeepsConstructionDefaults(t *testing.T) {
	l, _ := newTestLimiter(map[Dimension]Limit{
		DimensionGlobal: {Requests: 5, Window: time.Minute},
		DimensionTool:   {Requests: 5, Window: time.Minute},
	})
	ctx := context.Background()

	// A document that only budgets the tool dimension tightens it while
	// the construction-time global budget survives.
	l.SetLimits(map[Dimension]Limit{
		DimensionTool: {Requests: 1, Window: time.Minute},
	})

	allowed, _ := l.Check(ctx, DimensionTool, "t1")
	require.True(t, allowed)
	allowed, _ = l.Check(ctx, DimensionTool, "t1")
	require.False(t, allowed)

	for i := 0; i < 5; i++ {
		allowed, _ = l.Check(ctx, DimensionGlobal, "ingress")
		require.True(t, allowed, "global budget %d unchanged", i+1)
	}
	allowed, _ = l.Check(ctx, DimensionGlobal, "ingress")
	assert.False(t, allowed)
}
