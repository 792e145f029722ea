package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry metrics
	AgentRegistrations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_agent_registrations_total",
			Help: "Total number of agent registrations",
		},
		[]string{"agent_name"},
	)

	AgentLookups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_agent_lookups_total",
			Help: "Total number of agent registry lookups",
		},
	)

	AgentHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_agent_heartbeats_total",
			Help: "Total number of agent heartbeats received",
		},
		[]string{"status"},
	)

	AgentsRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "controlplane_agents_registered",
			Help: "Number of agents currently visible in the registry",
		},
	)

	// Rate limiter metrics
	RateLimitChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_ratelimit_checks_total",
			Help: "Total number of rate limit checks",
		},
		[]string{"dimension", "allowed"},
	)

	RateLimitBackendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_ratelimit_backend_failures_total",
			Help: "Rate limit checks that failed open due to store errors",
		},
	)

	// Auth metrics
	AuthCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_auth_cache_hits_total",
			Help: "Token validations served from the cache",
		},
	)

	AuthCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_auth_cache_misses_total",
			Help: "Token validations that required an auth proxy call",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_auth_failures_total",
			Help: "Failed token validations",
		},
		[]string{"reason"},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_policy_decisions_total",
			Help: "Policy decisions by outcome",
		},
		[]string{"resource_type", "allowed"},
	)

	PolicyViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_policy_violations_total",
			Help: "Recorded policy violations by type",
		},
		[]string{"violation_type"},
	)

	PolicyReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_policy_reloads_total",
			Help: "Policy document reloads by source",
		},
		[]string{"source"},
	)

	// Governance pipeline metrics
	GateRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_gate_requests_total",
			Help: "Requests through the governance pipeline by outcome",
		},
		[]string{"resource_type", "outcome"},
	)

	GateDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_gate_duration_seconds",
			Help:    "End-to-end governance pipeline latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource_type"},
	)

	// Tool metrics
	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_tool_invocations_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 300},
		},
		[]string{"tool"},
	)

	// Orchestrator metrics
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_dispatches_total",
			Help: "Agent dispatches by pattern and status",
		},
		[]string{"pattern", "status"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_dispatch_duration_seconds",
			Help:    "Agent dispatch duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"pattern"},
	)

	ClassificationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "controlplane_classification_fallbacks_total",
			Help: "Agent selections that fell back to keyword matching",
		},
	)

	// LLM metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_llm_requests_total",
			Help: "LLM completion requests by provider and status",
		},
		[]string{"provider", "status"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "controlplane_llm_request_duration_seconds",
			Help:    "LLM completion latency in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// Store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "controlplane_store_operations_total",
			Help: "Shared store operations by op and status",
		},
		[]string{"op", "status"},
	)
)
