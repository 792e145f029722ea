package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/catalog"
	"github.com/agentmesh/controlplane/internal/governance"
)

// ToolHandler serves the governance-gated tool surface. Every invocation
// goes through the pipeline; there is no ungated path to a tool body.
type ToolHandler struct {
	pipeline *governance.Pipeline
	catalog  *catalog.Catalog
	logger   *zap.Logger
}

// NewToolHandler creates the handler.
func NewToolHandler(pipeline *governance.Pipeline, cat *catalog.Catalog, logger *zap.Logger) *ToolHandler {
	return &ToolHandler{pipeline: pipeline, catalog: cat, logger: logger}
}

// RegisterRoutes registers tool routes on the provided mux.
func (h *ToolHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/tool/", h.handleInvoke)
	mux.HandleFunc("/tools", h.handleList)
	mux.HandleFunc("/health", h.handleHealth)
}

func (h *ToolHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "toolserver",
		"tools":   len(h.catalog.List("")),
	})
}

func (h *ToolHandler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST required", 0)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/tool/")
	if name == "" || strings.Contains(name, "/") {
		writeError(w, http.StatusNotFound, "not_found", "Unknown tool path", 0)
		return
	}

	var args map[string]interface{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", 0)
			return
		}
	}

	outcome := h.pipeline.Gate(r.Context(), bearerToken(r), "tool", name, "execute", args)
	if info := outcome.RateInfo; info != nil {
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	}
	if !outcome.OK() {
		writeError(w, statusFor(outcome.Kind), string(outcome.Kind), outcome.Reason, outcome.RetryAfter)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"tool":    name,
		"result":  outcome.Result,
	})
}

func (h *ToolHandler) handleList(w http.ResponseWriter, r *http.Request) {
	tools := h.catalog.List(r.URL.Query().Get("category"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tools": tools,
		"count": len(tools),
	})
}
