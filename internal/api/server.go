// Package api serves the research and monitoring HTTP surface: backfill and
// optimization job control, correlation and P&L reporting, drift alerts, and
// a snapshot of the live scoring pipeline.
//
// All responses are JSON. Expected-empty cases return 200 with an explicit
// empty shape; mutating routes return 503 while the warehouse is
// unconfigured.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"polysignal/internal/config"
	"polysignal/internal/warehouse"
)

// Server runs the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the router. provider and research may be nil; the affected
// routes then serve empty snapshots and 503s.
func NewServer(cfg config.Config, wh *warehouse.Warehouse, research Research,
	registrar StrategyRegistrar, provider SnapshotProvider, logger *slog.Logger) *Server {
	handlers := NewHandlers(cfg, wh, research, registrar, provider, logger)

	r := mux.NewRouter()
	r.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", handlers.Snapshot).Methods(http.MethodGet)

	analysis := r.PathPrefix("/api/analysis").Subrouter()
	analysis.HandleFunc("/backfill", handlers.StartBackfill).Methods(http.MethodPost)
	analysis.HandleFunc("/backfill/status", handlers.BackfillStatus).Methods(http.MethodGet)
	analysis.HandleFunc("/summary", handlers.Summary).Methods(http.MethodGet)
	analysis.HandleFunc("/signals", handlers.Signals).Methods(http.MethodGet)
	analysis.HandleFunc("/rolling", handlers.Rolling).Methods(http.MethodGet)
	analysis.HandleFunc("/events", handlers.Events).Methods(http.MethodGet)
	analysis.HandleFunc("/breakdown/{factor}", handlers.Breakdown).Methods(http.MethodGet)
	analysis.HandleFunc("/model", handlers.Model).Methods(http.MethodGet)
	analysis.HandleFunc("/compare", handlers.Compare).Methods(http.MethodGet)
	analysis.HandleFunc("/optimize", handlers.StartOptimize).Methods(http.MethodPost)
	analysis.HandleFunc("/optimize/status", handlers.OptimizeStatus).Methods(http.MethodGet)
	analysis.HandleFunc("/pareto", handlers.Pareto).Methods(http.MethodGet)
	analysis.HandleFunc("/sensitivity", handlers.Sensitivity).Methods(http.MethodPost)
	analysis.HandleFunc("/strategies", handlers.Strategies).Methods(http.MethodGet)
	analysis.HandleFunc("/strategies/monitor", handlers.MonitorStrategy).Methods(http.MethodPost)
	analysis.HandleFunc("/alerts", handlers.Alerts).Methods(http.MethodGet)
	analysis.HandleFunc("/alerts/{id}/acknowledge", handlers.AcknowledgeAlert).Methods(http.MethodPost)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // sensitivity runs inline
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg.Server,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
