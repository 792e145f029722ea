package registry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Monitor probes every registered agent's health endpoint on an interval
// and writes the observed status back through Heartbeat. Agents that stop
// answering are marked unhealthy and kept out of routing; their records
// persist while the monitor keeps probing them, since each probe result
// counts as a heartbeat. Only deregistration or a monitor outage lets the
// record TTL expire.
type Monitor struct {
	registry *Registry
	http     *http.Client
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor creates a monitor. interval defaults to 30s.
func NewMonitor(registry *Registry, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		registry: registry,
		http:     &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled, probing all agents every interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	records, err := m.registry.List(ctx, Filter{})
	if err != nil {
		m.logger.Warn("Health sweep failed to list agents", zap.Error(err))
		return
	}
	for _, record := range records {
		m.probe(ctx, record)
	}
}

type healthPayload struct {
	CurrentLoad *int `json:"current_load"`
}

func (m *Monitor) probe(ctx context.Context, record *AgentRecord) {
	if record.HealthCheckURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, record.HealthCheckURL, nil)
	if err != nil {
		return
	}

	resp, err := m.http.Do(req)
	if err != nil {
		if err := m.registry.Heartbeat(ctx, record.AgentID, StatusUnhealthy, nil); err != nil {
			m.logger.Debug("Heartbeat after failed probe",
				zap.String("agent_id", record.AgentID), zap.Error(err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_ = m.registry.Heartbeat(ctx, record.AgentID, StatusDegraded, nil)
		return
	}

	var payload healthPayload
	_ = json.NewDecoder(resp.Body).Decode(&payload)
	_ = m.registry.Heartbeat(ctx, record.AgentID, StatusHealthy, payload.CurrentLoad)
}
