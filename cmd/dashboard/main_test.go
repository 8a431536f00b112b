package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/resilience/pkg/metrics"
	"github.com/tradeforge/resilience/pkg/resilience"
)

func newTestRouter(t *testing.T) (*resilience.ControlPlane, http.Handler) {
	t.Helper()
	cp := resilience.NewControlPlane(nil, nil, nil, resilience.DefaultDashboardConfig())
	t.Cleanup(cp.Shutdown)

	m := metrics.NewMetrics(&metrics.Config{Enabled: false})
	return cp, buildRouter(cp, m)
}

func TestRouter_SetDegradationLevel(t *testing.T) {
	cp, router := newTestRouter(t)

	desc := resilience.DefaultDescriptor("quotes")
	desc.FallbackEnabled = true
	require.NoError(t, cp.RegisterIntegration(desc, nil))
	require.NoError(t, cp.RegisterFallbackChain("quotes", resilience.FallbackChain{
		Primary: func(ctx context.Context) (interface{}, error) { return "ok", nil },
	}, resilience.DefaultDegradationConfig(), nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/degradation/quotes/level?level=minimal", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	state, ok := cp.Degradation().State("quotes")
	require.True(t, ok)
	assert.Equal(t, resilience.LevelMinimal, state.Level)
}

func TestRouter_SetDegradationLevelRejectsBadInput(t *testing.T) {
	_, router := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/degradation/quotes/level?level=catastrophic", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/degradation/ghost/level?level=partial", nil)
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
