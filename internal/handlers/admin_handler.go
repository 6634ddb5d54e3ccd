package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/breaker"
	"github.com/ternarybob/vigil/internal/rules"
)

// AdminHandler serves the operator endpoints behind basic auth
type AdminHandler struct {
	breaker   *breaker.Breaker
	allowList *rules.AllowList
	logger    arbor.ILogger
}

// NewAdminHandler creates the admin handler
func NewAdminHandler(circuitBreaker *breaker.Breaker, allowList *rules.AllowList, logger arbor.ILogger) *AdminHandler {
	return &AdminHandler{
		breaker:   circuitBreaker,
		allowList: allowList,
		logger:    logger,
	}
}

// BreakerStatsHandler handles GET /admin/breaker
func (h *AdminHandler) BreakerStatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.breaker.GetAllStats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Breaker stats lookup failed")
		WriteError(w, http.StatusInternalServerError, "failed to load breaker state")
		return
	}
	if stats == nil {
		stats = []*breaker.Stats{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": h.breaker.Enabled(),
		"targets": stats,
	})
}

// BreakerResetHandler handles POST /admin/breaker/reset
func (h *AdminHandler) BreakerResetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req struct {
		TargetID string `json:"targetId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID == "" {
		WriteError(w, http.StatusBadRequest, "targetId is required")
		return
	}

	if err := h.breaker.Reset(r.Context(), req.TargetID); err != nil {
		h.logger.Error().Err(err).Str("target_id", req.TargetID).Msg("Breaker reset failed")
		WriteError(w, http.StatusInternalServerError, "failed to reset breaker")
		return
	}

	h.logger.Info().Str("target_id", req.TargetID).Msg("Breaker reset by operator")
	WriteSuccess(w, "breaker reset for "+req.TargetID)
}

// AllowlistReloadHandler handles POST /admin/allowlist/reload
func (h *AdminHandler) AllowlistReloadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if err := h.allowList.Reload(); err != nil {
		h.logger.Error().Err(err).Msg("Allowlist reload failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}

	patterns := h.allowList.Patterns()
	h.logger.Info().Int("patterns", len(patterns)).Msg("Allowlist reloaded by operator")
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"patterns": len(patterns),
	})
}
