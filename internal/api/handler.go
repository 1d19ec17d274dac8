// Package api provides shared HTTP helpers for the proxy.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// HealthHandler reports process readiness.
type HealthHandler struct {
	agentConfigured bool
	credentials     bool
}

// NewHealthHandler creates a HealthHandler. credentials reports whether any
// credential source is configured; without one every proxied request fails.
func NewHealthHandler(agentConfigured, credentials bool) *HealthHandler {
	return &HealthHandler{agentConfigured: agentConfigured, credentials: credentials}
}

// RegisterHealth registers GET /api/health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}

// Health reports whether the proxy can serve requests.
func (h *HealthHandler) Health(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ok"
	if !h.agentConfigured || !h.credentials {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	JSON(w, status, map[string]any{
		"status":            state,
		"agent_configured":  h.agentConfigured,
		"credentials_ready": h.credentials,
	})
}
