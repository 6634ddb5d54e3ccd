package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/vigil/internal/interfaces"
	"github.com/ternarybob/vigil/internal/metrics"
	"github.com/ternarybob/vigil/internal/models"
	"github.com/ternarybob/vigil/internal/scan"
)

// CreateRunRequest is the POST /api/runs body
type CreateRunRequest struct {
	URLs    []string        `json:"urls" validate:"required,min=1,max=500,dive,url"`
	RunType string          `json:"run_type" validate:"omitempty,oneof=manual scheduled webhook"`
	Payload json.RawMessage `json:"payload"`
}

// RunsHandler serves run submission and inspection
type RunsHandler struct {
	service  *scan.Service
	storage  interfaces.StorageManager
	metrics  *metrics.Metrics
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewRunsHandler creates the runs handler
func NewRunsHandler(service *scan.Service, storage interfaces.StorageManager, m *metrics.Metrics, logger arbor.ILogger) *RunsHandler {
	return &RunsHandler{
		service:  service,
		storage:  storage,
		metrics:  m,
		validate: validator.New(),
		logger:   logger,
	}
}

// CreateRunHandler handles POST /api/runs
func (h *RunsHandler) CreateRunHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.service.CreateRun(r.Context(), req.URLs, models.RunType(req.RunType), string(req.Payload))
	if err != nil {
		var validationErr *scan.ValidationError
		if errors.As(err, &validationErr) {
			WriteError(w, http.StatusBadRequest, validationErr.Message)
			return
		}
		h.logger.Error().Err(err).Msg("Run creation failed")
		WriteError(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	h.metrics.RunCreated()

	WriteJSON(w, http.StatusCreated, map[string]interface{}{
		"id":           result.Run.ID,
		"status":       result.Run.Status,
		"submitted":    result.Run.SubmittedAt,
		"count":        result.Run.URLCount,
		"jobsEnqueued": result.JobsEnqueued,
		"findings":     result.Findings,
	})
}

// GetRunHandler handles GET /api/runs/{id}
func (h *RunsHandler) GetRunHandler(w http.ResponseWriter, r *http.Request, runID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	run, findings, err := h.service.GetRunDetail(r.Context(), runID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error().Err(err).Str("run_id", runID).Msg("Run lookup failed")
		WriteError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	stats := make(map[models.FindingStatus]int)
	for _, finding := range findings {
		stats[finding.Status]++
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"run":      run,
		"findings": findings,
		"stats":    stats,
	})
}

// ListRunsHandler handles GET /api/runs
func (h *RunsHandler) ListRunsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	runs, err := h.storage.Runs().ListRuns(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("Run listing failed")
		WriteError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": len(runs),
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
