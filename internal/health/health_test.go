package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLiveness(t *testing.T) {
	hc := NewHealthCheck(zap.NewNop())
	w := httptest.NewRecorder()
	hc.LivenessHandler(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestReadiness(t *testing.T) {
	hc := NewHealthCheck(zap.NewNop())
	hc.Register("store", func(context.Context) error { return nil })

	w := httptest.NewRecorder()
	hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	hc.Register("sync_client", func(context.Context) error { return errors.New("stopped") })
	w = httptest.NewRecorder()
	hc.ReadinessHandler(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "healthy", resp.Checks["store"])
	assert.Equal(t, "unhealthy", resp.Checks["sync_client"])
	assert.Equal(t, "sync_client: stopped", resp.Error)
}
