package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.ElectionsWonTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.ElectionsWonTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ElectionsWonTotal))
}

func TestOrNew(t *testing.T) {
	m := New()
	assert.Same(t, m, OrNew(m))
	assert.NotNil(t, OrNew(nil))
}

func TestServer_ServesRegistry(t *testing.T) {
	m := New()
	m.ChangesAppliedTotal.WithLabelValues("client").Add(3)

	srv := NewServer(0, "/metrics", m, zap.NewNop())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tabsync_changes_applied_total{side="client"} 3`)
}
