package metrics

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server serves Prometheus metrics via HTTP
type Server struct {
	httpServer *http.Server
	metrics    *Metrics
	logger     *zap.Logger
	stopChan   chan struct{}
}

// NewServer creates a new metrics server
func NewServer(port int, path string, m *Metrics, logger *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Handler exposes the underlying mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting metrics server", zap.String("addr", s.httpServer.Addr))
	go s.collectSystemMetrics()

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	case <-ctx.Done():
	}

	close(s.stopChan)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) collectSystemMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	s.metrics.GoroutinesTotal.Set(float64(runtime.NumGoroutine()))
	for {
		select {
		case <-ticker.C:
			s.metrics.GoroutinesTotal.Set(float64(runtime.NumGoroutine()))
		case <-s.stopChan:
			return
		}
	}
}
