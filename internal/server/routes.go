package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/models"
)

// registerRoutes sets up all routes on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)
	mux.HandleFunc("/api/shutdown", s.handleShutdown)
	mux.Handle("/metrics", s.app.Metrics.Handler())

	mux.HandleFunc("/api/jobs", s.handleJobRuns)
	mux.HandleFunc("/api/jobs/", s.routeJobs)
}

// --- System handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Store.Ping(ctx); err != nil {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleShutdown handles POST /api/shutdown (dev mode only).
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Shutdown endpoint disabled in production")
		return
	}

	s.logger.Info().Msg("Shutdown requested via HTTP endpoint")
	WriteJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})

	if s.shutdownChan != nil {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.shutdownChan <- struct{}{}
		}()
	}
}

// --- Job handlers ---

// handleJobRuns handles GET /api/jobs?type=aggregate&limit=20 from the run journal.
func (s *Server) handleJobRuns(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if s.app.Journal == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}

	runs, err := s.app.Journal.ListRuns(r.Context(), r.URL.Query().Get("type"), queryLimit(r, 20, 500))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list job runs")
		WriteError(w, http.StatusServiceUnavailable, "Job journal unavailable")
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"enabled": true, "runs": runs})
}

// routeJobs handles POST /api/jobs/{type}/run, executing one pass immediately.
func (s *Server) routeJobs(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/run") {
		WriteError(w, http.StatusNotFound, "Not found")
		return
	}
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	if s.app.Config.IsProduction() {
		WriteError(w, http.StatusForbidden, "Manual job runs disabled in production")
		return
	}

	jobType := PathParam(r, "/api/jobs/", "/run")
	run, err := s.app.JobManager.RunOnce(r.Context(), jobType)
	if errors.Is(err, common.ErrInvalidArgument) {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Failed and partial passes still report their run record
	WriteJSON(w, http.StatusOK, run)
}
