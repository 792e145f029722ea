package registry

import (
	"encoding/json"
	"time"
)

// Status is an agent's health state. Offline agents are never routed to.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusOffline   Status = "offline"
)

// Capability is a named operation an agent advertises. Immutable once
// published.
type Capability struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	InputSchema     map[string]interface{} `json:"input_schema"`
	OutputSchema    map[string]interface{} `json:"output_schema"`
	ComplexityScore float64                `json:"complexity_score"`
	EstimatedSecs   float64                `json:"estimated_duration"`
}

// Resources describes an agent's declared footprint.
type Resources struct {
	CPUCores float64 `json:"cpu_cores"`
	MemoryGB float64 `json:"memory_gb"`
}

// AgentRecord is the registry's view of one agent. Written only via
// Register/Heartbeat/Deregister; readers get snapshots.
type AgentRecord struct {
	AgentID        string       `json:"agent_id"`
	Name           string       `json:"name"`
	Version        string       `json:"version"`
	Description    string       `json:"description"`
	EndpointURL    string       `json:"endpoint_url"`
	HealthCheckURL string       `json:"health_check_url"`
	Capabilities   []Capability `json:"capabilities"`
	MaxConcurrent  int          `json:"max_concurrent"`
	CurrentLoad    int          `json:"current_load"`
	Resources      Resources    `json:"resources"`
	ServiceName    string       `json:"service_name"`
	Namespace      string       `json:"namespace"`
	Cluster        string       `json:"cluster"`
	Tags           []string     `json:"tags"`
	Priority       int          `json:"priority"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	Status         Status       `json:"status"`
}

// HasCapability reports whether the record advertises the named capability.
func (r *AgentRecord) HasCapability(name string) bool {
	for _, c := range r.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// capabilityComplexity returns the complexity score of the named capability,
// defaulting to 1 when unscored.
func (r *AgentRecord) capabilityComplexity(name string) float64 {
	for _, c := range r.Capabilities {
		if c.Name == name && c.ComplexityScore > 0 {
			return c.ComplexityScore
		}
	}
	return 1
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     Status
	Tags       []string
	Capability string
}

// Event is published on the agent_events channel on lifecycle changes.
type Event struct {
	Type      string    `json:"type"` // "registration" or "unregistration"
	AgentID   string    `json:"agent_id"`
	AgentName string    `json:"agent_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventsChannel is the pub/sub channel carrying registry events.
const EventsChannel = "agent_events"

// Snapshot summarises fleet state for health and metrics endpoints.
type Snapshot struct {
	Total       int     `json:"total_agents"`
	Healthy     int     `json:"healthy_agents"`
	Degraded    int     `json:"degraded_agents"`
	Unhealthy   int     `json:"unhealthy_agents"`
	TotalLoad   int     `json:"total_load"`
	Capacity    int     `json:"total_capacity"`
	Utilization float64 `json:"utilization_percent"`
}

func (e Event) encode() string {
	b, _ := json.Marshal(e)
	return string(b)
}
