package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/stratus/internal/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Worker polling protocol
	mux.HandleFunc("/work", s.handleWorkCollection)  // GET (poll), POST (create)
	mux.HandleFunc("/work/", s.handleWorkItem)       // PUT /{id}

	// Job API
	mux.HandleFunc("/jobs", s.handleJobCollection) // GET (list), POST (create)
	mux.HandleFunc("/jobs/", s.handleJobRoutes)    // GET /{id}, POST /{id}/{action}

	// Operational endpoints
	mux.HandleFunc("/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/version", s.app.APIHandler.VersionHandler)
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

func (s *Server) handleWorkCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.WorkHandler.GetWorkHandler(w, r)
	case http.MethodPost:
		s.app.WorkHandler.CreateWorkHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.WorkHandler.UpdateWorkHandler(w, r)
}

func (s *Server) handleJobCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.app.JobHandler.ListJobsHandler(w, r)
	case http.MethodPost:
		s.app.JobHandler.CreateJobHandler(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobRoutes dispatches /jobs/{jobID} and /jobs/{jobID}/{action}
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/jobs/")
	if strings.Contains(rest, "/") {
		s.app.JobHandler.LifecycleHandler(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.app.JobHandler.GetJobHandler(w, r)
}
