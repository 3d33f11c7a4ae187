package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/heysme/heysme-server/internal/identity"
)

// Health returns the health status of the API and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	healthCheckTimeout := 5 * time.Second
	if h.cfg.Timeout.HealthCheck > 0 {
		healthCheckTimeout = h.cfg.Timeout.HealthCheck
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	JSON(w, statusCode, status)
}

// GetConfig returns the feature flags for the frontend.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, map[string]interface{}{
		"ai_enabled":       h.cfg.AIEnabled(),
		"sandbox_enabled":  h.sandboxes.Enabled(),
		"sandbox_provider": h.sandboxes.ProviderName(),
		"deploy_enabled":   h.deployer != nil && h.deployer.Enabled(),
		"invite_required":  h.auth.InviteRequired(),
		"llm_provider":     h.cfg.LLM.Provider,
	})
}

// GetMe returns the current user's row.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	user := identity.UserFromContext(r.Context())
	if user == nil {
		Error(w, r, http.StatusUnauthorized, "unauthorized", errors.New("authentication required"))
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"user":            user,
		"invite_redeemed": user.HasRedeemedInvite(),
		"is_admin":        h.auth.IsAdmin(user.ID),
	})
}
