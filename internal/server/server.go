// Package server exposes the engine's operational HTTP surface
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/docreview/permengine/internal/engine"
	"github.com/docreview/permengine/internal/metrics"
)

// Config configures the ops HTTP server
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// Server is the operational HTTP server: health, metrics, stats, and
// maintenance operations. The product-facing API lives elsewhere.
type Server struct {
	cfg    Config
	engine *engine.Engine
	logger *zap.Logger
	http   *http.Server
	ready  atomic.Bool
}

// New creates an ops server
func New(cfg Config, eng *engine.Engine, m metrics.Metrics, logger *zap.Logger) (*Server, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoOpMetrics()
	}

	s := &Server{cfg: cfg, engine: eng, logger: logger}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	r.Handle("/metrics", m.HTTPHandler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/stats/preload", s.handlePreloadStats).Methods(http.MethodGet)
	v1.HandleFunc("/stats/optimizer", s.handleOptimizerStats).Methods(http.MethodGet)
	v1.HandleFunc("/stats/reset", s.handleStatsReset).Methods(http.MethodPost)
	v1.HandleFunc("/patterns", s.handlePatterns).Methods(http.MethodGet)
	v1.HandleFunc("/analysis", s.handleAnalysis).Methods(http.MethodGet)
	v1.HandleFunc("/preload", s.handlePreload).Methods(http.MethodPost)
	v1.HandleFunc("/preload/auto", s.handleAutoPreload).Methods(http.MethodPost)
	v1.HandleFunc("/optimizer/suggestions", s.handleSuggestions).Methods(http.MethodGet)
	v1.HandleFunc("/optimizer/apply", s.handleApplyIndexes).Methods(http.MethodPost)
	v1.HandleFunc("/config", s.handleConfigGet).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.handleConfigPatch).Methods(http.MethodPatch)
	v1.HandleFunc("/users/{id}/permissions", s.handleUserSummary).Methods(http.MethodGet)
	v1.HandleFunc("/users/{id}/cache", s.handleUserInvalidate).Methods(http.MethodDelete)

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

// Handler exposes the router, primarily for tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// SetReady flips the readiness probe
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.ready.Store(true)
	s.logger.Info("ops server listening", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}
