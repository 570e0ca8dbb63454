package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Worker-facing routes
	mux.HandleFunc("/work", s.app.WorkHandler.GetWorkHandler)     // GET ?serviceID=
	mux.HandleFunc("/work/", s.app.WorkHandler.UpdateWorkHandler) // PUT /{id}

	// Control-plane routes - jobs
	mux.HandleFunc("/jobs", s.app.JobHandler.CreateJobHandler) // POST - submit request
	mux.HandleFunc("/jobs/", s.handleJobRoutes)                // GET /{id}, POST control ops

	// Control-plane routes - labels
	mux.HandleFunc("/labels", s.app.LabelHandler.LabelsHandler) // PUT, DELETE

	// API routes - System
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)

	return mux
}

// handleJobRoutes dispatches /jobs/{id} and the batch control operations.
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")

	switch path {
	case "pause":
		s.app.JobControlHandler.PauseHandler(w, r)
	case "resume":
		s.app.JobControlHandler.ResumeHandler(w, r)
	case "cancel":
		s.app.JobControlHandler.CancelHandler(w, r)
	case "skip-preview":
		s.app.JobControlHandler.SkipPreviewHandler(w, r)
	default:
		s.app.JobHandler.GetJobHandler(w, r)
	}
}
