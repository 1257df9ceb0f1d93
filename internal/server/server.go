package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/artsync/internal/config"
	"github.com/BadgerOps/artsync/internal/engine"
	"github.com/BadgerOps/artsync/internal/metrics"
)

// Server represents the HTTP server for the artsync JSON API.
type Server struct {
	tasks      *engine.TaskService
	lifecycle  *engine.Lifecycle
	orch       *engine.Orchestrator
	metrics    *metrics.Collector
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(
	tasks *engine.TaskService,
	lifecycle *engine.Lifecycle,
	orch *engine.Orchestrator,
	m *metrics.Collector,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tasks:     tasks,
		lifecycle: lifecycle,
		orch:      orch,
		metrics:   m,
		config:    cfg,
		logger:    logger,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	mux := s.setupRoutes()

	// WriteTimeout stays unset so the run event stream can outlive it.
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed API handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Tasks
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{key}", s.handleGetTask)
	mux.HandleFunc("PUT /api/tasks/{key}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{key}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{key}/toggle", s.handleToggleTask)
	mux.HandleFunc("POST /api/tasks/{key}/run", s.handleRunTask)
	mux.HandleFunc("GET /api/tasks/{key}/records", s.handleListTaskRecords)

	// Records
	mux.HandleFunc("GET /api/records/{id}", s.handleGetRecord)
	mux.HandleFunc("GET /api/records/{id}/details", s.handleListRecordDetails)

	// Live runs
	mux.HandleFunc("GET /api/runs/active", s.handleActiveRuns)
	mux.HandleFunc("GET /api/runs/{runKey}", s.handleGetRun)
	mux.HandleFunc("GET /api/runs/{runKey}/events", s.handleRunEvents)

	if s.config == nil || s.config.Metrics.Enabled {
		path := "/metrics"
		if s.config != nil && s.config.Metrics.Path != "" {
			path = s.config.Metrics.Path
		}
		mux.Handle("GET "+path, s.metrics.Handler())
	}

	return mux
}
