// Package server provides the HTTP server of a tab process.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/config"
	"github.com/devrev/tabsync/internal/handler"
	"github.com/devrev/tabsync/internal/health"
	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/middleware"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthCheck
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates the HTTP server with its routes installed.
func NewServer(cfg *config.Config, client handler.SyncClient, hc *health.HealthCheck, m *metrics.Metrics, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	s := &Server{
		router:      router,
		handlers:    handler.NewHandlers(client, logger.Named("api"), cfg.Server.WriteTimeout),
		healthCheck: hc,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
		middleware.Metrics(s.metrics),
	}
	if s.cfg.RateLimiter.Enabled {
		rl := middleware.NewRateLimiter(s.cfg.RateLimiter.RequestsPerSecond, s.cfg.RateLimiter.BurstSize, s.logger)
		chain = append(chain, rl.Limit)
	}
	s.router.Use(middleware.Chain(chain...))

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/exec", s.handlers.Exec).Methods(http.MethodPost)
	v1.HandleFunc("/query", s.handlers.Query).Methods(http.MethodPost)
	v1.HandleFunc("/sync", s.handlers.Sync).Methods(http.MethodPost)
	v1.HandleFunc("/trigger-sync", s.handlers.TriggerSync).Methods(http.MethodPost)
	v1.HandleFunc("/status", s.handlers.Status).Methods(http.MethodGet)

	// Subrouters resolve misses themselves, so each needs the handlers.
	for _, r := range []*mux.Router{s.router, v1} {
		r.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
		r.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.httpServer.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(shutdownCtx)
}
