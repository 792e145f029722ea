// Package httpapi exposes the orchestrator and tool server HTTP surfaces.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/agentmesh/controlplane/internal/governance"
)

// apiError is the common error shape: {error, message, retry_after?}.
type apiError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	writeJSON(w, status, apiError{Error: kind, Message: message, RetryAfter: retryAfter})
}

// statusFor maps gate outcome kinds onto stable HTTP codes.
func statusFor(kind governance.Kind) int {
	switch kind {
	case governance.KindUnauthenticated:
		return http.StatusUnauthorized
	case governance.KindAccessDenied:
		return http.StatusForbidden
	case governance.KindRateLimited:
		return http.StatusTooManyRequests
	case governance.KindParameterViolation:
		return http.StatusBadRequest
	case governance.KindNotFound:
		return http.StatusNotFound
	case governance.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
