// Package api serves job submission, status and live progress over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/registry"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

// Dispatcher hands an accepted job to a worker without waiting for it
type Dispatcher interface {
	Dispatch(ctx context.Context, payload models.JobPayload) error
	Mode() string
}

// ResultReader reads persisted results of evicted jobs
type ResultReader interface {
	LoadResult(ctx context.Context, jobID string) (*models.ResultRecord, error)
	ListResults(ctx context.Context, ownerID string, limit int) ([]*models.ResultRecord, error)
}

// Config holds server settings
type Config struct {
	Bind          string
	KeepUploads   bool
	UploadTimeout time.Duration // read deadline for a submission body
	Heartbeat     time.Duration // SSE keepalive and websocket ping interval
}

// Dependencies are the collaborators the handlers use
type Dependencies struct {
	Registry   *registry.Registry
	Hub        *livechannel.Hub
	Intake     *utils.Intake
	Dispatcher Dispatcher
	Results    ResultReader // optional
	Logger     *slog.Logger
}

// Server is the HTTP front of the worker
type Server struct {
	cfg    Config
	deps   Dependencies
	logger *slog.Logger
	router *mux.Router

	listener net.Listener
	server   *http.Server
}

// NewServer wires routes for deps
func NewServer(cfg Config, deps Dependencies) *Server {
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Minute
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "api-server"),
		router: mux.NewRouter(),
	}
	s.routes()

	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/videos", s.handleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/videos", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}/stream/stats", s.handleStreamStats).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}/ws", s.handleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/videos/{id}/output", s.handleOutput).Methods(http.MethodGet)
	api.HandleFunc("/results", s.handleResults).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background
// until ctx is done
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info("api server listening", slog.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, waiting briefly for open requests
func (s *Server) Stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(shutdownCtx)
}
