package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func registerWithHealth(t *testing.T, reg *Registry, id, healthURL string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), AgentRecord{
		AgentID:        id,
		Name:           id,
		EndpointURL:    "http://unused",
		HealthCheckURL: healthURL,
		Capabilities:   []Capability{{Name: "data_search"}},
		MaxConcurrent:  5,
	}))
}

func TestMonitorSweepMarksStatuses(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok", "current_load": 2})
	}))
	t.Cleanup(healthy.Close)

	degraded := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(degraded.Close)

	unreachable := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	unreachable.Close() // probe gets a connection error

	reg, _ := newTestRegistry(t)
	registerWithHealth(t, reg, "a", healthy.URL)
	registerWithHealth(t, reg, "b", degraded.URL)
	registerWithHealth(t, reg, "c", unreachable.URL)

	m := NewMonitor(reg, 0, zap.NewNop())
	m.sweep(context.Background())

	a, err := reg.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, a.Status)
	assert.Equal(t, 2, a.CurrentLoad, "load reported by the agent wins")

	b, err := reg.Get(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, b.Status)

	c, err := reg.Get(context.Background(), "c")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, c.Status)
}

func TestMonitorSkipsAgentsWithoutHealthURL(t *testing.T) {
	reg, _ := newTestRegistry(t)
	registerWithHealth(t, reg, "quiet", "")

	m := NewMonitor(reg, 0, zap.NewNop())
	m.sweep(context.Background())

	record, err := reg.Get(context.Background(), "quiet")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, record.Status)
}

func TestMonitorKeepsProbingUnreachableAgents(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead.Close()

	reg, clk := newTestRegistry(t)
	registerWithHealth(t, reg, "gone", dead.URL)

	m := NewMonitor(reg, 0, zap.NewNop())

	// Each sweep records an unhealthy heartbeat, so the record never ages
	// out of the registry while the monitor runs.
	for i := 0; i < 3; i++ {
		m.sweep(context.Background())
		clk.Advance(299 * time.Second)
	}

	record, err := reg.Get(context.Background(), "gone")
	require.NoError(t, err, "record survives while probes keep heartbeating")
	assert.Equal(t, StatusUnhealthy, record.Status)
}
