package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
)

const healthHistoryCapacity = 100

// consecutive failures before an integration is marked unhealthy
const defaultUnhealthyThreshold = 3

// ProbeFunc is a caller-supplied active health check. It should return nil
// when the integration is reachable and serving.
type ProbeFunc func(ctx context.Context) error

// HealthCheckResult is one observed outcome, passive or probed
type HealthCheckResult struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Timestamp time.Time     `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
}

// HealthStatus is the rolling health record for one integration
type HealthStatus struct {
	Integration          string        `json:"integration"`
	Healthy              bool          `json:"healthy"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	LastCheck            time.Time     `json:"last_check"`
	LastError            string        `json:"last_error,omitempty"`
	AverageLatency       time.Duration `json:"average_latency"`
	ErrorRate            float64       `json:"error_rate"`
	SampleCount          int           `json:"sample_count"`
}

// HealthSummary aggregates every monitored integration
type HealthSummary struct {
	Total          int           `json:"total"`
	Healthy        int           `json:"healthy"`
	Unhealthy      int           `json:"unhealthy"`
	AverageLatency time.Duration `json:"average_latency"`
	ErrorRate      float64       `json:"error_rate"`
	Timestamp      time.Time     `json:"timestamp"`
}

type healthEntry struct {
	mu                   sync.Mutex
	healthy              bool
	consecutiveFailures  int
	consecutiveSuccesses int
	lastCheck            time.Time
	lastError            string

	history     []HealthCheckResult
	historyNext int

	stopProbe chan struct{}
	probeDone chan struct{}
}

// HealthMonitor tracks per-integration health from two streams: passive
// outcomes reported by the executor after every governed call, and active
// probes running on their own timers independent of traffic. Both streams
// feed the same rolling record.
type HealthMonitor struct {
	logger             *logging.Logger
	metrics            *metrics.Metrics
	unhealthyThreshold int

	mu      sync.RWMutex
	entries map[string]*healthEntry
}

// NewHealthMonitor creates a health monitor
func NewHealthMonitor(logger *logging.Logger, m *metrics.Metrics) *HealthMonitor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &HealthMonitor{
		logger:             logger,
		metrics:            m,
		unhealthyThreshold: defaultUnhealthyThreshold,
		entries:            make(map[string]*healthEntry),
	}
}

// Track ensures an integration has a health record. Integrations start
// healthy until evidence says otherwise.
func (h *HealthMonitor) Track(integration string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ensureEntryLocked(integration)
}

func (h *HealthMonitor) ensureEntryLocked(integration string) *healthEntry {
	entry, exists := h.entries[integration]
	if !exists {
		entry = &healthEntry{
			healthy: true,
			history: make([]HealthCheckResult, 0, healthHistoryCapacity),
		}
		h.entries[integration] = entry
	}
	return entry
}

// StartProbe begins active polling for an integration. The probe runs every
// interval with its own timeout, so a hung dependency cannot stall the
// monitor. Starting a probe for an integration that already has one replaces
// it.
func (h *HealthMonitor) StartProbe(integration string, interval, timeout time.Duration, probe ProbeFunc) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	h.mu.Lock()
	entry := h.ensureEntryLocked(integration)
	oldStop, oldDone := entry.stopProbe, entry.probeDone
	stop := make(chan struct{})
	done := make(chan struct{})
	entry.stopProbe = stop
	entry.probeDone = done
	h.mu.Unlock()

	// Join the previous loop outside the lock; its probe may be mid-report
	// and need the lock to finish.
	if oldStop != nil {
		close(oldStop)
		<-oldDone
	}

	h.logger.Info("Health probe started",
		"integration", integration,
		"interval", interval,
	)

	go h.probeLoop(integration, interval, timeout, probe, stop, done)
}

func (h *HealthMonitor) probeLoop(integration string, interval, timeout time.Duration, probe ProbeFunc, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.runProbe(integration, timeout, probe)
		}
	}
}

func (h *HealthMonitor) runProbe(integration string, timeout time.Duration, probe ProbeFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	err := probe(ctx)
	latency := time.Since(start)

	h.metrics.RecordHealthCheck(integration, err == nil, latency)
	h.ReportOutcome(integration, err == nil, latency, err)
}

// ReportOutcome records one completed operation against the integration's
// rolling record. This is the passive stream fed by the executor.
func (h *HealthMonitor) ReportOutcome(integration string, success bool, latency time.Duration, err error) {
	h.mu.Lock()
	entry := h.ensureEntryLocked(integration)
	h.mu.Unlock()

	result := HealthCheckResult{
		Healthy:   success,
		Latency:   latency,
		Timestamp: time.Now(),
	}
	if err != nil {
		result.Error = err.Error()
	}

	entry.mu.Lock()
	entry.lastCheck = result.Timestamp

	if success {
		entry.consecutiveSuccesses++
		entry.consecutiveFailures = 0
		entry.lastError = ""
		if !entry.healthy {
			entry.healthy = true
			h.logger.Info("Integration recovered",
				"integration", integration,
				"latency", latency,
			)
		}
	} else {
		entry.consecutiveFailures++
		entry.consecutiveSuccesses = 0
		entry.lastError = result.Error
		if entry.healthy && entry.consecutiveFailures >= h.unhealthyThreshold {
			entry.healthy = false
			h.logger.Warn("Integration marked unhealthy",
				"integration", integration,
				"consecutive_failures", entry.consecutiveFailures,
				"error", result.Error,
			)
		}
	}

	if len(entry.history) < healthHistoryCapacity {
		entry.history = append(entry.history, result)
	} else {
		entry.history[entry.historyNext] = result
		entry.historyNext = (entry.historyNext + 1) % healthHistoryCapacity
	}
	entry.mu.Unlock()
}

// Status returns the current health record for one integration. The bool is
// false when the integration was never tracked.
func (h *HealthMonitor) Status(integration string) (HealthStatus, bool) {
	h.mu.RLock()
	entry, exists := h.entries[integration]
	h.mu.RUnlock()
	if !exists {
		return HealthStatus{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return h.statusLocked(integration, entry), true
}

func (h *HealthMonitor) statusLocked(integration string, entry *healthEntry) HealthStatus {
	status := HealthStatus{
		Integration:          integration,
		Healthy:              entry.healthy,
		ConsecutiveFailures:  entry.consecutiveFailures,
		ConsecutiveSuccesses: entry.consecutiveSuccesses,
		LastCheck:            entry.lastCheck,
		LastError:            entry.lastError,
		SampleCount:          len(entry.history),
	}

	if len(entry.history) == 0 {
		return status
	}

	var totalLatency time.Duration
	failures := 0
	for _, r := range entry.history {
		totalLatency += r.Latency
		if !r.Healthy {
			failures++
		}
	}
	status.AverageLatency = totalLatency / time.Duration(len(entry.history))
	status.ErrorRate = float64(failures) / float64(len(entry.history))
	return status
}

// Statuses returns the health records for every tracked integration
func (h *HealthMonitor) Statuses() map[string]HealthStatus {
	h.mu.RLock()
	names := make([]string, 0, len(h.entries))
	for name := range h.entries {
		names = append(names, name)
	}
	h.mu.RUnlock()

	statuses := make(map[string]HealthStatus, len(names))
	for _, name := range names {
		if status, ok := h.Status(name); ok {
			statuses[name] = status
		}
	}
	return statuses
}

// Summary aggregates all tracked integrations. Pure read, never blocks on
// anything but the record locks.
func (h *HealthMonitor) Summary() HealthSummary {
	statuses := h.Statuses()

	summary := HealthSummary{
		Total:     len(statuses),
		Timestamp: time.Now(),
	}

	var totalLatency time.Duration
	var totalErrorRate float64
	sampled := 0
	for _, status := range statuses {
		if status.Healthy {
			summary.Healthy++
		} else {
			summary.Unhealthy++
		}
		if status.SampleCount > 0 {
			totalLatency += status.AverageLatency
			totalErrorRate += status.ErrorRate
			sampled++
		}
	}
	if sampled > 0 {
		summary.AverageLatency = totalLatency / time.Duration(sampled)
		summary.ErrorRate = totalErrorRate / float64(sampled)
	}
	return summary
}

// Untrack stops the integration's probe and discards its history
func (h *HealthMonitor) Untrack(integration string) {
	h.mu.Lock()
	entry, exists := h.entries[integration]
	var stop, done chan struct{}
	if exists {
		delete(h.entries, integration)
		stop, done = entry.stopProbe, entry.probeDone
		entry.stopProbe, entry.probeDone = nil, nil
	}
	h.mu.Unlock()

	if !exists {
		return
	}
	if stop != nil {
		close(stop)
		<-done
	}
	h.logger.Info("Integration untracked", "integration", integration)
}

// Stop stops every probe loop and waits for them to exit
func (h *HealthMonitor) Stop() {
	type probeHandle struct{ stop, done chan struct{} }

	h.mu.Lock()
	handles := make([]probeHandle, 0, len(h.entries))
	for _, entry := range h.entries {
		if entry.stopProbe != nil {
			handles = append(handles, probeHandle{entry.stopProbe, entry.probeDone})
			entry.stopProbe, entry.probeDone = nil, nil
		}
	}
	h.mu.Unlock()

	for _, handle := range handles {
		close(handle.stop)
		<-handle.done
	}
}
