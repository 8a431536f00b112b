package resilience

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	breakers  map[string]CircuitBreakerMetrics
	bulkheads map[string]BulkheadMetrics
	health    map[string]HealthStatus
}

func (f *fakeSource) BreakerMetrics() map[string]CircuitBreakerMetrics { return f.breakers }
func (f *fakeSource) BulkheadMetrics() map[string]BulkheadMetrics     { return f.bulkheads }
func (f *fakeSource) HealthStatuses() map[string]HealthStatus         { return f.health }

func healthySource() *fakeSource {
	return &fakeSource{
		breakers: map[string]CircuitBreakerMetrics{
			"db":  {Integration: "db", State: StateClosed},
			"llm": {Integration: "llm", State: StateClosed},
		},
		bulkheads: map[string]BulkheadMetrics{
			"db":  {Integration: "db", State: BulkheadAvailable, MaxConcurrent: 10},
			"llm": {Integration: "llm", State: BulkheadAvailable, MaxConcurrent: 10},
		},
		health: map[string]HealthStatus{
			"db":  {Integration: "db", Healthy: true, SampleCount: 10, AverageLatency: 5 * time.Millisecond},
			"llm": {Integration: "llm", Healthy: true, SampleCount: 10, AverageLatency: 15 * time.Millisecond},
		},
	}
}

func TestDashboard_HealthySummary(t *testing.T) {
	d := NewDashboard(healthySource(), DefaultDashboardConfig(), nil)

	summary := d.Summary()
	assert.Equal(t, SystemHealthy, summary.Status)
	assert.Equal(t, 2, summary.TotalIntegrations)
	assert.Equal(t, 2, summary.HealthyIntegrations)
	assert.Equal(t, 2, summary.BreakersClosed)
	assert.Equal(t, 10*time.Millisecond, summary.AverageLatency)
	assert.Equal(t, []string{"all integrations operating normally"}, summary.Recommendations)
}

func TestDashboard_SummaryIsIdempotent(t *testing.T) {
	d := NewDashboard(healthySource(), DefaultDashboardConfig(), nil)

	first := d.Summary()
	second := d.Summary()
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.HealthyIntegrations, second.HealthyIntegrations)
	assert.Equal(t, first.AggregateErrorRate, second.AggregateErrorRate)
}

func TestDashboard_OpenBreakerDegradesIntegration(t *testing.T) {
	src := healthySource()
	src.breakers["llm"] = CircuitBreakerMetrics{Integration: "llm", State: StateHalfOpen}
	d := NewDashboard(src, DefaultDashboardConfig(), nil)

	summary := d.Summary()
	assert.Equal(t, SystemDegraded, summary.Status)
	assert.Equal(t, 1, summary.DegradedIntegrations)
	assert.Equal(t, 1, summary.BreakersHalfOpen)
}

func TestDashboard_UnhealthyBeatsDegraded(t *testing.T) {
	src := healthySource()
	src.health["db"] = HealthStatus{Integration: "db", Healthy: false, SampleCount: 10}
	src.breakers["llm"] = CircuitBreakerMetrics{Integration: "llm", State: StateHalfOpen}
	d := NewDashboard(src, DefaultDashboardConfig(), nil)

	summary := d.Summary()
	assert.Equal(t, SystemUnhealthy, summary.Status)
	assert.Equal(t, 1, summary.UnhealthyIntegrations)
	assert.Equal(t, 1, summary.DegradedIntegrations)
}

func TestDashboard_AllBreakersOpenIsCritical(t *testing.T) {
	src := healthySource()
	src.breakers["db"] = CircuitBreakerMetrics{Integration: "db", State: StateOpen}
	src.breakers["llm"] = CircuitBreakerMetrics{Integration: "llm", State: StateOpen}
	d := NewDashboard(src, DefaultDashboardConfig(), nil)

	assert.Equal(t, SystemCritical, d.Summary().Status)
}

func TestDashboard_HighErrorRateIsCritical(t *testing.T) {
	src := healthySource()
	src.health["db"] = HealthStatus{Integration: "db", Healthy: true, SampleCount: 10, ErrorRate: 0.9}
	src.health["llm"] = HealthStatus{Integration: "llm", Healthy: true, SampleCount: 10, ErrorRate: 0.4}
	d := NewDashboard(src, DefaultDashboardConfig(), nil)

	summary := d.Summary()
	assert.InDelta(t, 0.65, summary.AggregateErrorRate, 0.001)
	assert.Equal(t, SystemCritical, summary.Status)
}

func TestDashboard_AlertsFireAndRecordHistory(t *testing.T) {
	src := healthySource()
	src.breakers["db"] = CircuitBreakerMetrics{Integration: "db", State: StateOpen}
	d := NewDashboard(src, DefaultDashboardConfig(), nil)

	var received []Alert
	d.OnAlert(func(alert Alert) { received = append(received, alert) })

	triggered := d.EvaluateAlerts()
	require.NotEmpty(t, triggered)

	names := make([]string, 0, len(triggered))
	for _, a := range triggered {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "circuit_breaker_open")

	assert.Equal(t, triggered, received)
	assert.Equal(t, triggered, d.AlertHistory())
}

func TestDashboard_AlertHistoryCapped(t *testing.T) {
	src := healthySource()
	src.breakers["db"] = CircuitBreakerMetrics{Integration: "db", State: StateOpen}

	config := DefaultDashboardConfig()
	config.AlertHistoryLimit = 3
	d := NewDashboard(src, config, nil)

	for i := 0; i < 10; i++ {
		d.EvaluateAlerts()
	}
	assert.Len(t, d.AlertHistory(), 3)
}

func TestDashboard_CustomAlertPredicates(t *testing.T) {
	d := NewDashboard(healthySource(), DefaultDashboardConfig(), nil)
	d.SetAlerts([]AlertConfig{{
		Name:     "always",
		Severity: "info",
		Predicate: func(s SystemReliabilitySummary) bool {
			return true
		},
	}})

	triggered := d.EvaluateAlerts()
	require.Len(t, triggered, 1)
	assert.Equal(t, "always", triggered[0].Name)
}

func TestDashboard_PeriodicEvaluation(t *testing.T) {
	src := healthySource()
	src.breakers["db"] = CircuitBreakerMetrics{Integration: "db", State: StateOpen}

	config := DashboardConfig{AlertCheckInterval: 10 * time.Millisecond, AlertHistoryLimit: 100}
	d := NewDashboard(src, config, nil)

	d.Start()
	defer d.Stop()

	assert.Eventually(t, func() bool {
		return len(d.AlertHistory()) >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestDashboard_HTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	d := NewDashboard(healthySource(), DefaultDashboardConfig(), nil)

	router := gin.New()
	d.RegisterRoutes(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reliability", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reliability/integrations/db", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reliability/integrations/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reliability/alerts", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDashboard_Recommendations(t *testing.T) {
	src := healthySource()
	src.breakers["db"] = CircuitBreakerMetrics{Integration: "db", State: StateOpen}
	src.bulkheads["llm"] = BulkheadMetrics{Integration: "llm", State: BulkheadSaturated, TotalRejected: 200}
	src.health["db"] = HealthStatus{Integration: "db", Healthy: false, SampleCount: 10, ErrorRate: 0.3}
	d := NewDashboard(src, DefaultDashboardConfig(), nil)

	summary := d.Summary()
	assert.NotEmpty(t, summary.Recommendations)
	assert.NotEqual(t, []string{"all integrations operating normally"}, summary.Recommendations)
}
