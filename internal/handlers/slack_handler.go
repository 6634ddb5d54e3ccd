package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/alerts"
	"github.com/ternarybob/vigil/internal/common"
	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/reverify"
)

// SlackActionsHandler serves the interactive action links embedded in
// alert messages. Links are plain GETs (Slack opens them in a browser)
// guarded by the shared action token.
type SlackActionsHandler struct {
	coordinator *reverify.Coordinator
	emitter     *alerts.Emitter
	storage     interfaces.StorageManager
	config      common.SlackConfig
	logger      arbor.ILogger
}

// NewSlackActionsHandler creates the Slack actions handler
func NewSlackActionsHandler(coordinator *reverify.Coordinator, emitter *alerts.Emitter, storage interfaces.StorageManager, config common.SlackConfig, logger arbor.ILogger) *SlackActionsHandler {
	return &SlackActionsHandler{
		coordinator: coordinator,
		emitter:     emitter,
		storage:     storage,
		config:      config,
		logger:      logger,
	}
}

// HandleAction handles GET|POST /api/slack/actions
func (h *SlackActionsHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	// Parameters arrive in the query (link clicks) or a form body (POSTs)
	token := r.FormValue("t")
	if h.config.ActionToken == "" ||
		subtle.ConstantTimeCompare([]byte(token), []byte(h.config.ActionToken)) != 1 {
		WriteError(w, http.StatusUnauthorized, "invalid action token")
		return
	}

	action := r.FormValue("action")
	findingID := r.FormValue("findingId")
	if findingID == "" {
		WriteError(w, http.StatusBadRequest, "missing findingId")
		return
	}

	switch action {
	case "reverify":
		h.handleReverify(w, r, findingID)
	case "suppress24h":
		h.handleSuppress(w, r, findingID)
	default:
		WriteError(w, http.StatusBadRequest, "unknown action")
	}
}

func (h *SlackActionsHandler) handleReverify(w http.ResponseWriter, r *http.Request, findingID string) {
	resp, err := h.coordinator.Reverify(r.Context(), reverify.Request{
		FindingID: findingID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
		Source:    models.ReverifySourceSlack,
	})
	if err != nil {
		h.logger.Error().Err(err).Str("finding_id", findingID).Msg("Slack re-verify failed")
		WriteError(w, http.StatusInternalServerError, "re-verify failed")
		return
	}
	WriteJSON(w, reverifyStatusCode(resp.Result), resp)
}

func (h *SlackActionsHandler) handleSuppress(w http.ResponseWriter, r *http.Request, findingID string) {
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
	if finding.Fingerprint == "" {
		WriteError(w, http.StatusBadRequest, "finding has no fingerprint")
		return
	}

	if err := h.emitter.SuppressFingerprint(r.Context(), finding.Fingerprint); err != nil {
		h.logger.Error().Err(err).Str("finding_id", findingID).Msg("Fingerprint suppression failed")
		WriteError(w, http.StatusInternalServerError, "failed to suppress fingerprint")
		return
	}

	h.logger.Info().
		Str("finding_id", findingID).
		Str("fingerprint", finding.Fingerprint).
		Msg("Fingerprint muted for 24h via chat action")

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"findingId":   findingID,
		"fingerprint": finding.Fingerprint,
		"muted_hours": 24,
	})
}
