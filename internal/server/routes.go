package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/vigil/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Health and metrics
	mux.HandleFunc("/health", s.app.HealthHandler.HealthCheck)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	// Runs
	mux.HandleFunc("/api/runs", s.handleRunsRoute)    // GET (list), POST (create)
	mux.HandleFunc("/api/runs/", s.handleRunRoutes)   // GET /{id}

	// Findings
	mux.HandleFunc("/api/findings/", s.handleFindingRoutes) // GET /{id}, POST /{id}/reverify, GET /{id}/reverify-attempts

	// Chat action links
	mux.HandleFunc("/api/slack/actions", s.app.SlackHandler.HandleAction)

	// Operator endpoints behind basic auth
	mux.HandleFunc("/admin/breaker", s.requireAdmin(s.app.AdminHandler.BreakerStatsHandler))
	mux.HandleFunc("/admin/breaker/reset", s.requireAdmin(s.app.AdminHandler.BreakerResetHandler))
	mux.HandleFunc("/admin/allowlist/reload", s.requireAdmin(s.app.AdminHandler.AllowlistReloadHandler))

	return mux
}

func (s *Server) handleRunsRoute(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.RunsHandler.ListRunsHandler(w, r)
	case http.MethodPost:
		s.app.RunsHandler.CreateRunHandler(w, r)
	default:
		handlers.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleRunRoutes(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if runID == "" || strings.Contains(runID, "/") {
		handlers.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	s.app.RunsHandler.GetRunHandler(w, r, runID)
}

func (s *Server) handleFindingRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/findings/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		s.app.FindingsHandler.GetFindingHandler(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reverify":
		s.app.FindingsHandler.ReverifyHandler(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "reverify-attempts":
		s.app.FindingsHandler.ListAttemptsHandler(w, r, parts[0])
	default:
		handlers.WriteError(w, http.StatusNotFound, "not found")
	}
}
