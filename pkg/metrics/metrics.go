package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the control plane
type Metrics struct {
	registry *prometheus.Registry

	// Execution metrics
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RetriesTotal      *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec

	// Bulkhead metrics
	BulkheadActiveCalls     *prometheus.GaugeVec
	BulkheadRejectionsTotal *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Health metrics
	HealthCheckDuration *prometheus.HistogramVec
	IntegrationHealthy  *prometheus.GaugeVec

	// Degradation and healing metrics
	DegradationLevel     *prometheus.GaugeVec
	HealingAttemptsTotal *prometheus.CounterVec
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "resilience",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "executions_total",
				Help:      "Total number of governed integration calls",
			},
			[]string{"integration", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "execution_duration_seconds",
				Help:      "Governed call duration in seconds, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"integration"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "retries_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"integration"},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"integration"},
		),
		CircuitBreakerTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "circuit_breaker_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"integration", "to"},
		),
		BulkheadActiveCalls: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "bulkhead_active_calls",
				Help:      "Number of in-flight calls per integration",
			},
			[]string{"integration"},
		),
		BulkheadRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "bulkhead_rejections_total",
				Help:      "Total number of calls rejected at admission",
			},
			[]string{"integration"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"integration", "category"},
		),
		HealthCheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Name:      "health_check_duration_seconds",
				Help:      "Active health probe duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"integration"},
		),
		IntegrationHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "integration_healthy",
				Help:      "Whether the integration is currently healthy (1) or not (0)",
			},
			[]string{"integration"},
		),
		DegradationLevel: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Name:      "degradation_level",
				Help:      "Degradation level (0=full, 1=partial, 2=minimal, 3=emergency)",
			},
			[]string{"service"},
		),
		HealingAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Name:      "healing_attempts_total",
				Help:      "Total number of self-healing attempts",
			},
			[]string{"service", "strategy", "result"},
		),
	}

	m.registry.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.RetriesTotal,
		m.CircuitBreakerState,
		m.CircuitBreakerTransitions,
		m.BulkheadActiveCalls,
		m.BulkheadRejectionsTotal,
		m.ErrorsTotal,
		m.HealthCheckDuration,
		m.IntegrationHealthy,
		m.DegradationLevel,
		m.HealingAttemptsTotal,
	)

	return m
}

// Enabled reports whether metrics collection is active
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// RecordExecution records a governed call outcome
func (m *Metrics) RecordExecution(integration, status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.ExecutionsTotal.WithLabelValues(integration, status).Inc()
	m.ExecutionDuration.WithLabelValues(integration).Observe(duration.Seconds())
}

// RecordRetries records retry attempts beyond the first call
func (m *Metrics) RecordRetries(integration string, retries int) {
	if !m.Enabled() || retries <= 0 {
		return
	}
	m.RetriesTotal.WithLabelValues(integration).Add(float64(retries))
}

// SetCircuitBreakerState records the current breaker state
func (m *Metrics) SetCircuitBreakerState(integration string, state int) {
	if !m.Enabled() {
		return
	}
	m.CircuitBreakerState.WithLabelValues(integration).Set(float64(state))
}

// RecordCircuitBreakerTransition records a state transition
func (m *Metrics) RecordCircuitBreakerTransition(integration, to string) {
	if !m.Enabled() {
		return
	}
	m.CircuitBreakerTransitions.WithLabelValues(integration, to).Inc()
}

// SetBulkheadActiveCalls records the current in-flight count
func (m *Metrics) SetBulkheadActiveCalls(integration string, active int) {
	if !m.Enabled() {
		return
	}
	m.BulkheadActiveCalls.WithLabelValues(integration).Set(float64(active))
}

// RecordBulkheadRejection records an admission rejection
func (m *Metrics) RecordBulkheadRejection(integration string) {
	if !m.Enabled() {
		return
	}
	m.BulkheadRejectionsTotal.WithLabelValues(integration).Inc()
}

// RecordError records a classified error
func (m *Metrics) RecordError(integration, category string) {
	if !m.Enabled() {
		return
	}
	m.ErrorsTotal.WithLabelValues(integration, category).Inc()
}

// RecordHealthCheck records an active probe result
func (m *Metrics) RecordHealthCheck(integration string, healthy bool, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.HealthCheckDuration.WithLabelValues(integration).Observe(duration.Seconds())
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.IntegrationHealthy.WithLabelValues(integration).Set(value)
}

// SetDegradationLevel records the current degradation level
func (m *Metrics) SetDegradationLevel(service string, level int) {
	if !m.Enabled() {
		return
	}
	m.DegradationLevel.WithLabelValues(service).Set(float64(level))
}

// RecordHealingAttempt records a self-healing attempt outcome
func (m *Metrics) RecordHealingAttempt(service, strategy, result string) {
	if !m.Enabled() {
		return
	}
	m.HealingAttemptsTotal.WithLabelValues(service, strategy, result).Inc()
}

// Handler returns a Gin handler serving the Prometheus metrics endpoint
func (m *Metrics) Handler() gin.HandlerFunc {
	if !m.Enabled() {
		return func(c *gin.Context) { c.Status(404) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
