// Package health provides liveness and readiness endpoints for a tab process.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Check reports whether one dependency is usable.
type Check func(ctx context.Context) error

// HealthCheck aggregates named readiness checks.
type HealthCheck struct {
	mu      sync.RWMutex
	checks  map[string]Check
	timeout time.Duration
	logger  *zap.Logger
}

// NewHealthCheck creates a HealthCheck with no checks registered.
func NewHealthCheck(logger *zap.Logger) *HealthCheck {
	return &HealthCheck{
		checks:  make(map[string]Check),
		timeout: 5 * time.Second,
		logger:  logger,
	}
}

// Register adds or replaces a readiness check.
func (hc *HealthCheck) Register(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks[name] = check
}

// LivenessResponse represents the response for the liveness check.
type LivenessResponse struct {
	Status string `json:"status"`
}

// ReadinessResponse represents the response for the readiness check.
type ReadinessResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// LivenessHandler handles GET /health/live. It succeeds while the process runs.
func (hc *HealthCheck) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, LivenessResponse{Status: "healthy"})
}

// ReadinessHandler handles GET /health/ready. It runs every check and
// fails if any of them does.
func (hc *HealthCheck) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), hc.timeout)
	defer cancel()

	resp, ready := hc.Evaluate(ctx)
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
		hc.logger.Warn("Readiness check failed", zap.String("error", resp.Error))
	}
	writeJSON(w, status, resp)
}

// Evaluate runs all checks.
func (hc *HealthCheck) Evaluate(ctx context.Context) (ReadinessResponse, bool) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	checks := make(map[string]Check, len(hc.checks))
	for name, check := range hc.checks {
		names = append(names, name)
		checks[name] = check
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	resp := ReadinessResponse{Status: "ready", Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := checks[name](ctx); err != nil {
			resp.Checks[name] = "unhealthy"
			if resp.Error == "" {
				resp.Error = name + ": " + err.Error()
			}
			continue
		}
		resp.Checks[name] = "healthy"
	}
	if resp.Error != "" {
		resp.Status = "not_ready"
		return resp, false
	}
	return resp, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
