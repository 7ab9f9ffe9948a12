package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/config"
	"github.com/devrev/tabsync/internal/health"
	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/service"
	"github.com/devrev/tabsync/internal/store"
)

type stubClient struct{}

func (stubClient) Execute(context.Context, string, ...any) (model.ExecResult, error) {
	return model.ExecResult{RowsAffected: 1}, nil
}
func (stubClient) ExecuteLocal(context.Context, string, ...any) (model.ExecResult, error) {
	return model.ExecResult{}, nil
}
func (stubClient) Query(context.Context, string, ...any) ([]store.Row, error) { return nil, nil }
func (stubClient) RequestSync(context.Context) error                         { return nil }
func (stubClient) TriggerSync(context.Context) error                         { return nil }
func (stubClient) Status() service.Status                                    { return service.Status{State: service.StateRunning} }

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, *metrics.Metrics, *health.HealthCheck) {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	m := metrics.New()
	hc := health.NewHealthCheck(zap.NewNop())
	return NewServer(cfg, stubClient{}, hc, m, zap.NewNop()), m, hc
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestRoutes(t *testing.T) {
	s, m, _ := newTestServer(t, nil)

	w := serve(s, http.MethodPost, "/v1/exec", `{"sql":"SELECT 1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/v1/exec", "200")))

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/v1/status", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/v1/sync", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/v1/trigger-sync", "").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodPost, "/v1/query", `{"sql":"SELECT 1"}`).Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health/live", "").Code)

	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/v2/nothing", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, http.MethodGet, "/v1/exec", "").Code)
}

func TestRoutes_MissesUseAPIErrors(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	w := serve(s, http.MethodPost, "/v1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Contains(t, w.Body.String(), "error_code")

	w = serve(s, http.MethodGet, "/v1/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "error_code")

	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, http.MethodDelete, "/health/live", "").Code)
}

func TestReadinessReflectsChecks(t *testing.T) {
	s, _, hc := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/health/ready", "").Code)

	hc.Register("sync_client", func(context.Context) error { return errors.New("not running") })
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/health/ready", "").Code)
}

func TestRateLimiting(t *testing.T) {
	s, _, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimiter.Enabled = true
		cfg.RateLimiter.RequestsPerSecond = 1
		cfg.RateLimiter.BurstSize = 1
	})

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/v1/status", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(s, http.MethodGet, "/v1/status", "").Code)
}
