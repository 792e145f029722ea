package tools

import (
	"context"
	"runtime"
	"time"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
	"github.com/agentmesh/controlplane/internal/clock"
)

// SystemTools reports process health and runtime stats.
type SystemTools struct {
	clk       clock.Clock
	startedAt time.Time
	version   string
}

// NewSystemTools records the process start time for uptime reporting.
func NewSystemTools(clk clock.Clock, version string) *SystemTools {
	if clk == nil {
		clk = clock.Real()
	}
	return &SystemTools{clk: clk, startedAt: clk.Now(), version: version}
}

// Register adds the system tools to the catalog.
func (t *SystemTools) Register(c *catalog.Catalog) error {
	if err := c.Register(catalog.Descriptor{
		Name:        "get_system_status",
		Description: "Report process uptime and runtime statistics",
		Category:    "system",
		Params:      map[string]catalog.ParamSpec{},
		ReturnType:  "object",
	}, t.getSystemStatus); err != nil {
		return err
	}
	return c.Register(catalog.Descriptor{
		Name:        "health_check",
		Description: "Liveness probe",
		Category:    "system",
		Params:      map[string]catalog.ParamSpec{},
		ReturnType:  "object",
	}, t.healthCheck)
}

func (t *SystemTools) getSystemStatus(_ context.Context, _ map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	now := t.clk.Now()
	return map[string]interface{}{
		"status":         "operational",
		"version":        t.version,
		"uptime_seconds": now.Sub(t.startedAt).Seconds(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  float64(mem.HeapAlloc) / (1 << 20),
		"gc_cycles":      mem.NumGC,
		"go_version":     runtime.Version(),
		"timestamp":      now.UTC(),
	}, nil
}

func (t *SystemTools) healthCheck(_ context.Context, _ map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	return map[string]interface{}{
		"status":    "healthy",
		"timestamp": t.clk.Now().UTC(),
	}, nil
}
