package resilience

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradeforge/resilience/pkg/logging"
)

// SystemHealthStatus is the overall health classification
type SystemHealthStatus string

const (
	SystemHealthy   SystemHealthStatus = "healthy"
	SystemDegraded  SystemHealthStatus = "degraded"
	SystemUnhealthy SystemHealthStatus = "unhealthy"
	SystemCritical  SystemHealthStatus = "critical"
)

// aggregate error rate above which the system is considered critical
const criticalErrorRate = 0.5

// SnapshotSource exposes the component states the dashboard aggregates
type SnapshotSource interface {
	BreakerMetrics() map[string]CircuitBreakerMetrics
	BulkheadMetrics() map[string]BulkheadMetrics
	HealthStatuses() map[string]HealthStatus
}

// SystemReliabilitySummary is a point-in-time aggregation across every
// governed integration. It has no lifecycle of its own; each call recomputes
// it from component state.
type SystemReliabilitySummary struct {
	Status                  SystemHealthStatus               `json:"status"`
	TotalIntegrations       int                              `json:"total_integrations"`
	HealthyIntegrations     int                              `json:"healthy_integrations"`
	DegradedIntegrations    int                              `json:"degraded_integrations"`
	UnhealthyIntegrations   int                              `json:"unhealthy_integrations"`
	BreakersClosed          int                              `json:"breakers_closed"`
	BreakersOpen            int                              `json:"breakers_open"`
	BreakersHalfOpen        int                              `json:"breakers_half_open"`
	BulkheadsAvailable      int                              `json:"bulkheads_available"`
	BulkheadsDegraded       int                              `json:"bulkheads_degraded"`
	BulkheadsSaturated      int                              `json:"bulkheads_saturated"`
	TotalBulkheadRejections uint64                           `json:"total_bulkhead_rejections"`
	AverageLatency          time.Duration                    `json:"average_latency"`
	AggregateErrorRate      float64                          `json:"aggregate_error_rate"`
	Recommendations         []string                         `json:"recommendations"`
	Integrations            map[string]HealthStatus          `json:"integrations"`
	Breakers                map[string]CircuitBreakerMetrics `json:"breakers"`
	Bulkheads               map[string]BulkheadMetrics       `json:"bulkheads"`
	GeneratedAt             time.Time                        `json:"generated_at"`
}

// AlertConfig is one alert predicate evaluated against each fresh summary
type AlertConfig struct {
	Name        string
	Description string
	Severity    string
	Predicate   func(summary SystemReliabilitySummary) bool
}

// Alert is one triggered alert instance
type Alert struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Severity    string             `json:"severity"`
	Status      SystemHealthStatus `json:"status"`
	Timestamp   time.Time          `json:"timestamp"`
}

// AlertFunc observes triggered alerts
type AlertFunc func(alert Alert)

// DashboardConfig tunes alert evaluation
type DashboardConfig struct {
	AlertCheckInterval time.Duration `json:"alert_check_interval"`
	AlertHistoryLimit  int           `json:"alert_history_limit"`
}

// DefaultDashboardConfig returns the default dashboard configuration
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{
		AlertCheckInterval: 30 * time.Second,
		AlertHistoryLimit:  100,
	}
}

// DefaultAlerts returns the stock alert predicates
func DefaultAlerts() []AlertConfig {
	return []AlertConfig{
		{
			Name:        "circuit_breaker_open",
			Description: "one or more circuit breakers are open",
			Severity:    "warning",
			Predicate: func(s SystemReliabilitySummary) bool {
				return s.BreakersOpen > 0
			},
		},
		{
			Name:        "high_error_rate",
			Description: "aggregate error rate above 10%",
			Severity:    "warning",
			Predicate: func(s SystemReliabilitySummary) bool {
				return s.AggregateErrorRate > 0.1
			},
		},
		{
			Name:        "bulkhead_pressure",
			Description: "more than 100 calls rejected at admission",
			Severity:    "warning",
			Predicate: func(s SystemReliabilitySummary) bool {
				return s.TotalBulkheadRejections > 100
			},
		},
		{
			Name:        "system_critical",
			Description: "system health is critical",
			Severity:    "critical",
			Predicate: func(s SystemReliabilitySummary) bool {
				return s.Status == SystemCritical
			},
		},
	}
}

// Dashboard aggregates component state into reliability summaries and
// evaluates alert predicates against them. The aggregation itself is
// stateless; only the alert history persists between calls.
type Dashboard struct {
	source SnapshotSource
	config DashboardConfig
	logger *logging.Logger

	mu        sync.Mutex
	alerts    []AlertConfig
	history   []Alert
	callbacks []AlertFunc

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDashboard creates a dashboard over the given snapshot source
func NewDashboard(source SnapshotSource, config DashboardConfig, logger *logging.Logger) *Dashboard {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config.AlertCheckInterval <= 0 {
		config.AlertCheckInterval = 30 * time.Second
	}
	if config.AlertHistoryLimit <= 0 {
		config.AlertHistoryLimit = 100
	}
	return &Dashboard{
		source: source,
		config: config,
		logger: logger,
		alerts: DefaultAlerts(),
	}
}

// SetAlerts replaces the alert predicate list
func (d *Dashboard) SetAlerts(alerts []AlertConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.alerts = alerts
}

// OnAlert registers an alert observer
func (d *Dashboard) OnAlert(fn AlertFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, fn)
}

// Summary recomputes the system reliability summary from component state
func (d *Dashboard) Summary() SystemReliabilitySummary {
	breakers := d.source.BreakerMetrics()
	bulkheads := d.source.BulkheadMetrics()
	health := d.source.HealthStatuses()

	summary := SystemReliabilitySummary{
		TotalIntegrations: len(health),
		Integrations:      health,
		Breakers:          breakers,
		Bulkheads:         bulkheads,
		GeneratedAt:       time.Now(),
	}

	for _, b := range breakers {
		switch b.State {
		case StateClosed:
			summary.BreakersClosed++
		case StateOpen:
			summary.BreakersOpen++
		case StateHalfOpen:
			summary.BreakersHalfOpen++
		}
	}

	for _, b := range bulkheads {
		switch b.State {
		case BulkheadAvailable:
			summary.BulkheadsAvailable++
		case BulkheadDegraded:
			summary.BulkheadsDegraded++
		case BulkheadSaturated:
			summary.BulkheadsSaturated++
		}
		summary.TotalBulkheadRejections += b.TotalRejected
	}

	var totalLatency time.Duration
	var totalErrorRate float64
	sampled := 0
	for name, status := range health {
		switch {
		case !status.Healthy:
			summary.UnhealthyIntegrations++
		case isDegradedIntegration(name, status, breakers, bulkheads):
			summary.DegradedIntegrations++
		default:
			summary.HealthyIntegrations++
		}
		if status.SampleCount > 0 {
			totalLatency += status.AverageLatency
			totalErrorRate += status.ErrorRate
			sampled++
		}
	}
	if sampled > 0 {
		summary.AverageLatency = totalLatency / time.Duration(sampled)
		summary.AggregateErrorRate = totalErrorRate / float64(sampled)
	}

	summary.Status = deriveSystemStatus(summary)
	summary.Recommendations = buildRecommendations(summary)
	return summary
}

// isDegradedIntegration reports whether a healthy integration is under
// enough pressure to count as degraded.
func isDegradedIntegration(name string, status HealthStatus, breakers map[string]CircuitBreakerMetrics, bulkheads map[string]BulkheadMetrics) bool {
	if b, ok := breakers[name]; ok && b.State != StateClosed {
		return true
	}
	if b, ok := bulkheads[name]; ok && b.State != BulkheadAvailable {
		return true
	}
	return status.ErrorRate > 0.1
}

// deriveSystemStatus applies the fixed precedence: critical conditions
// first, then unhealthy, then degraded.
func deriveSystemStatus(s SystemReliabilitySummary) SystemHealthStatus {
	totalBreakers := s.BreakersClosed + s.BreakersOpen + s.BreakersHalfOpen
	if totalBreakers > 0 && s.BreakersOpen == totalBreakers {
		return SystemCritical
	}
	if s.AggregateErrorRate > criticalErrorRate {
		return SystemCritical
	}
	if s.UnhealthyIntegrations > 0 {
		return SystemUnhealthy
	}
	if s.DegradedIntegrations > 0 {
		return SystemDegraded
	}
	return SystemHealthy
}

func buildRecommendations(s SystemReliabilitySummary) []string {
	var recs []string
	if s.BreakersOpen > 0 {
		recs = append(recs, fmt.Sprintf("%d circuit breaker(s) open: investigate the failing integrations before traffic resumes", s.BreakersOpen))
	}
	if s.BulkheadsSaturated > 0 {
		recs = append(recs, fmt.Sprintf("%d bulkhead(s) saturated: raise max_concurrent or reduce upstream load", s.BulkheadsSaturated))
	}
	if s.TotalBulkheadRejections > 100 {
		recs = append(recs, "sustained admission rejections: check for leaked slots or undersized limits")
	}
	if s.AggregateErrorRate > 0.1 {
		recs = append(recs, fmt.Sprintf("aggregate error rate at %.0f%%: review recent error categories", s.AggregateErrorRate*100))
	}
	if s.UnhealthyIntegrations > 0 {
		recs = append(recs, fmt.Sprintf("%d unhealthy integration(s): consider triggering healing or enabling fallbacks", s.UnhealthyIntegrations))
	}
	if len(recs) == 0 {
		recs = append(recs, "all integrations operating normally")
	}
	return recs
}

// EvaluateAlerts computes a fresh summary, fires matching alert predicates,
// and returns the alerts triggered this round.
func (d *Dashboard) EvaluateAlerts() []Alert {
	summary := d.Summary()

	d.mu.Lock()
	configs := make([]AlertConfig, len(d.alerts))
	copy(configs, d.alerts)
	callbacks := make([]AlertFunc, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.mu.Unlock()

	var triggered []Alert
	for _, cfg := range configs {
		if cfg.Predicate == nil || !cfg.Predicate(summary) {
			continue
		}
		alert := Alert{
			Name:        cfg.Name,
			Description: cfg.Description,
			Severity:    cfg.Severity,
			Status:      summary.Status,
			Timestamp:   time.Now(),
		}
		triggered = append(triggered, alert)

		d.logger.Warn("Reliability alert triggered",
			"alert", cfg.Name,
			"severity", cfg.Severity,
			"system_status", string(summary.Status),
		)
	}

	if len(triggered) > 0 {
		d.mu.Lock()
		d.history = append(d.history, triggered...)
		if overflow := len(d.history) - d.config.AlertHistoryLimit; overflow > 0 {
			d.history = d.history[overflow:]
		}
		d.mu.Unlock()

		for _, alert := range triggered {
			for _, fn := range callbacks {
				fn(alert)
			}
		}
	}
	return triggered
}

// AlertHistory returns the capped alert history, oldest first
func (d *Dashboard) AlertHistory() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Alert, len(d.history))
	copy(out, d.history)
	return out
}

// RegisterRoutes mounts the dashboard's read endpoints on a gin router
func (d *Dashboard) RegisterRoutes(r gin.IRouter) {
	r.GET("/reliability", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Summary())
	})
	r.GET("/reliability/alerts", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.AlertHistory())
	})
	r.GET("/reliability/integrations/:name", func(c *gin.Context) {
		name := c.Param("name")
		summary := d.Summary()
		status, ok := summary.Integrations[name]
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "integration not tracked"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"health":   status,
			"breaker":  summary.Breakers[name],
			"bulkhead": summary.Bulkheads[name],
		})
	})
}

// Start begins periodic alert evaluation on the configured interval
func (d *Dashboard) Start() {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	d.stopCh = stop
	d.doneCh = done
	d.mu.Unlock()

	d.logger.Info("Alert evaluation started",
		"interval", d.config.AlertCheckInterval,
	)

	go func() {
		defer close(done)

		ticker := time.NewTicker(d.config.AlertCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.EvaluateAlerts()
			}
		}
	}()
}

// Stop halts periodic alert evaluation and waits for the loop to exit
func (d *Dashboard) Stop() {
	d.mu.Lock()
	stop, done := d.stopCh, d.doneCh
	d.stopCh, d.doneCh = nil, nil
	d.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}
