package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/orchestrator"
	"github.com/agentmesh/controlplane/internal/policy"
	"github.com/agentmesh/controlplane/internal/registry"
)

// OrchestratorHandler serves the ingress API: request processing, fleet
// introspection, and policy audit endpoints.
type OrchestratorHandler struct {
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	validator *auth.Validator
	engine    *policy.Engine
	logger    *zap.Logger
}

// NewOrchestratorHandler creates the handler.
func NewOrchestratorHandler(orch *orchestrator.Orchestrator, reg *registry.Registry, validator *auth.Validator, engine *policy.Engine, logger *zap.Logger) *OrchestratorHandler {
	return &OrchestratorHandler{
		orch:      orch,
		registry:  reg,
		validator: validator,
		engine:    engine,
		logger:    logger,
	}
}

// RegisterRoutes registers all orchestrator routes on the provided mux.
func (h *OrchestratorHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/process", h.handleProcess)
	mux.HandleFunc("/agents", h.handleAgents)
	mux.HandleFunc("/patterns", h.handlePatterns)
	mux.HandleFunc("/capabilities", h.handleCapabilities)
	mux.HandleFunc("/audit", h.handleAudit)
	mux.HandleFunc("/compliance", h.handleCompliance)
	mux.HandleFunc("/events", h.handleEvents)
}

func (h *OrchestratorHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := h.registry.Snapshot(r.Context())
	available := 0
	if err == nil {
		available = snap.Healthy + snap.Degraded
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":           "healthy",
		"service":          "orchestrator",
		"agents_available": available,
	})
}

type processRequest struct {
	Query     string                  `json:"query"`
	Context   map[string]interface{}  `json:"context,omitempty"`
	Overrides *orchestrator.Overrides `json:"overrides,omitempty"`
}

func (h *OrchestratorHandler) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", 0)
		return
	}

	subject, err := h.validator.Validate(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required", 0)
		return
	}

	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", 0)
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required", 0)
		return
	}

	result, err := h.orch.Process(r.Context(), subject, orchestrator.Request{
		Query:     req.Query,
		Context:   req.Context,
		Overrides: req.Overrides,
	})
	if err != nil {
		h.writeProcessError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":        true,
		"result":         result,
		"transaction_id": result.TransactionID,
	})
}

func (h *OrchestratorHandler) writeProcessError(w http.ResponseWriter, err error) {
	var denied *orchestrator.PolicyDeniedError
	switch {
	case errors.As(err, &denied):
		if denied.Decision.Deny == policy.DenyRateLimit {
			writeError(w, http.StatusTooManyRequests, "rate_limited",
				denied.Decision.Reason, denied.Decision.RateInfo.Window)
			return
		}
		writeError(w, http.StatusForbidden, "access_denied", denied.Decision.Reason, 0)
	case errors.Is(err, orchestrator.ErrNoAgentAvailable):
		writeError(w, http.StatusNotFound, "no_agent_available", err.Error(), 0)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "Agent dispatch timed out", 0)
	default:
		h.logger.Error("Request processing failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "Request processing failed", 0)
	}
}

func (h *OrchestratorHandler) handleAgents(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context(), registry.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Registry unavailable", 0)
		return
	}
	ids := make([]string, len(records))
	for i, record := range records {
		ids[i] = record.AgentID
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": ids,
		"count":  len(ids),
	})
}

func (h *OrchestratorHandler) handlePatterns(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(orchestrator.Patterns))
	for name := range orchestrator.Patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns":     names,
		"descriptions": orchestrator.Patterns,
	})
}

func (h *OrchestratorHandler) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	records, err := h.registry.List(r.Context(), registry.Filter{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "Registry unavailable", 0)
		return
	}
	capabilities := map[string][]string{}
	for _, record := range records {
		for _, c := range record.Capabilities {
			capabilities[c.Name] = append(capabilities[c.Name], record.AgentID)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"capabilities": capabilities,
		"count":        len(capabilities),
	})
}

func (h *OrchestratorHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": h.engine.AuditTrail(limit),
	})
}

func (h *OrchestratorHandler) handleCompliance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Compliance())
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}
