package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/maestro/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job lifecycle: POST/GET on the collection; GET /{id},
	// POST /{id}/cancel and GET /{id}/events on the item.
	mux.HandleFunc("/jobs", s.app.JobHandler.HandleJobs)
	mux.HandleFunc("/jobs/", s.app.JobHandler.HandleJobByID)

	// Per-job event socket
	mux.HandleFunc("/ws/jobs/", s.handleJobSocket)

	// Generated files
	mux.HandleFunc("/assets/", s.app.AssetHandler.HandleAssets)

	// Service endpoints
	mux.HandleFunc("/healthz", handlers.HandleHealth)
	mux.HandleFunc("/version", handlers.HandleVersion)

	return mux
}

// handleJobSocket extracts the job id from /ws/jobs/{id} and hands the
// request to the socket handler.
func (s *Server) handleJobSocket(w http.ResponseWriter, r *http.Request) {
	jobID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws/jobs/"), "/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.NotFound(w, r)
		return
	}
	s.app.WSHandler.HandleJobSocket(w, r, jobID)
}
