package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/vigil/internal/common"
)

// HealthHandler serves GET /health
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"version":   common.GetVersion(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
