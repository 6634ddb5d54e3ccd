package handlers

import (
	"errors"
	"net"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/metrics"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/reverify"
)

// FindingsHandler serves finding lookups and operator re-verification
type FindingsHandler struct {
	coordinator *reverify.Coordinator
	storage     interfaces.StorageManager
	metrics     *metrics.Metrics
	logger      arbor.ILogger
}

// NewFindingsHandler creates the findings handler
func NewFindingsHandler(coordinator *reverify.Coordinator, storage interfaces.StorageManager, m *metrics.Metrics, logger arbor.ILogger) *FindingsHandler {
	return &FindingsHandler{
		coordinator: coordinator,
		storage:     storage,
		metrics:     m,
		logger:      logger,
	}
}

// GetFindingHandler handles GET /api/findings/{id}
func (h *FindingsHandler) GetFindingHandler(w http.ResponseWriter, r *http.Request, findingID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	finding, err := h.storage.Findings().GetFinding(r.Context(), findingID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "finding not found")
			return
		}
		h.logger.Error().Err(err).Str("finding_id", findingID).Msg("Finding lookup failed")
		WriteError(w, http.StatusInternalServerError, "failed to load finding")
		return
	}

	artifacts, err := h.storage.Artifacts().ListArtifactsByFinding(r.Context(), findingID)
	if err != nil {
		h.logger.Warn().Err(err).Str("finding_id", findingID).Msg("Artifact listing failed")
	}
	if artifacts == nil {
		artifacts = []models.Artifact{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"finding":   finding,
		"artifacts": artifacts,
	})
}

// ReverifyHandler handles POST /api/findings/{id}/reverify
func (h *FindingsHandler) ReverifyHandler(w http.ResponseWriter, r *http.Request, findingID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	if !common.IsValidUUID(findingID) {
		WriteError(w, http.StatusBadRequest, "invalid finding id")
		return
	}

	resp, err := h.coordinator.Reverify(r.Context(), reverify.Request{
		FindingID: findingID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Source:    models.ReverifySourceAPI,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("finding_id", findingID).Msg("Re-verify failed")
		WriteError(w, http.StatusInternalServerError, "re-verify failed")
		return
	}

	h.metrics.ReverifyRequest(string(resp.Result))
	WriteJSON(w, reverifyStatusCode(resp.Result), resp)
}

// ListAttemptsHandler handles GET /api/findings/{id}/reverify-attempts
func (h *FindingsHandler) ListAttemptsHandler(w http.ResponseWriter, r *http.Request, findingID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	if !common.IsValidUUID(findingID) {
		WriteError(w, http.StatusBadRequest, "invalid finding id")
		return
	}

	attempts, err := h.coordinator.ListAttempts(r.Context(), findingID)
	if err != nil {
		h.logger.Error().Err(err).Str("finding_id", findingID).Msg("Attempt listing failed")
		WriteError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []models.ReverifyAttempt{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"findingId": findingID,
		"attempts":  attempts,
		"total":     len(attempts),
	})
}

func reverifyStatusCode(result models.ReverifyResult) int {
	switch result {
	case models.ReverifyResultNotFound:
		return http.StatusNotFound
	case models.ReverifyResultRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusOK
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
