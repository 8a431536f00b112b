package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tradeforge/resilience/pkg/errors"
	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
)

// DegradationLevel orders service operation modes from full capability down
// to emergency-only. Levels move one step at a time, never skipping.
type DegradationLevel int

const (
	LevelFull DegradationLevel = iota
	LevelPartial
	LevelMinimal
	LevelEmergency
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelPartial:
		return "partial"
	case LevelMinimal:
		return "minimal"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ParseDegradationLevel parses a level name as used in API requests
func ParseDegradationLevel(s string) (DegradationLevel, error) {
	switch strings.ToLower(s) {
	case "full":
		return LevelFull, nil
	case "partial":
		return LevelPartial, nil
	case "minimal":
		return LevelMinimal, nil
	case "emergency":
		return LevelEmergency, nil
	default:
		return LevelFull, fmt.Errorf("unknown degradation level %q", s)
	}
}

// ServiceHealth is the coarse health classification derived from the level
type ServiceHealth string

const (
	ServiceHealthy   ServiceHealth = "healthy"
	ServiceDegraded  ServiceHealth = "degraded"
	ServiceUnhealthy ServiceHealth = "unhealthy"
	ServiceOffline   ServiceHealth = "offline"
)

func healthForLevel(level DegradationLevel) ServiceHealth {
	switch level {
	case LevelFull:
		return ServiceHealthy
	case LevelPartial:
		return ServiceDegraded
	case LevelMinimal:
		return ServiceUnhealthy
	default:
		return ServiceOffline
	}
}

// FallbackFunc is one tier of a fallback chain
type FallbackFunc func(ctx context.Context) (interface{}, error)

// FallbackChain holds the per-tier behaviors for one service. Primary is
// required; the degraded tiers are optional and execution falls back to the
// nearest better tier when one is absent.
type FallbackChain struct {
	Primary   FallbackFunc
	Partial   FallbackFunc
	Minimal   FallbackFunc
	Emergency FallbackFunc
}

// DegradationConfig tunes level movement for one service
type DegradationConfig struct {
	FailureThreshold    int           `json:"failure_threshold"`
	SuccessThreshold    int           `json:"success_threshold"`
	Timeout             time.Duration `json:"timeout"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
}

// DefaultDegradationConfig returns the default level-movement thresholds
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		FailureThreshold:    3,
		SuccessThreshold:    5,
		Timeout:             10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DegradationState is the observable state of one registered service
type DegradationState struct {
	Service              string           `json:"service"`
	Level                DegradationLevel `json:"level"`
	Health               ServiceHealth    `json:"health"`
	ConsecutiveFailures  int              `json:"consecutive_failures"`
	ConsecutiveSuccesses int              `json:"consecutive_successes"`
	LastFailure          time.Time        `json:"last_failure,omitempty"`
	LastSuccess          time.Time        `json:"last_success,omitempty"`
	LastHealthCheck      time.Time        `json:"last_health_check,omitempty"`
	TotalRequests        uint64           `json:"total_requests"`
	FailedRequests       uint64           `json:"failed_requests"`
	DegradedRequests     uint64           `json:"degraded_requests"`
}

// LevelChangeFunc observes level transitions for one service
type LevelChangeFunc func(service string, from, to DegradationLevel)

type degradationEntry struct {
	chain  FallbackChain
	config DegradationConfig
	probe  ProbeFunc

	mu                   sync.Mutex
	level                DegradationLevel
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	lastHealthCheck      time.Time
	totalRequests        uint64
	failedRequests       uint64
	degradedRequests     uint64

	stopProbe chan struct{}
	probeDone chan struct{}
}

// DegradationController runs each registered service through its fallback
// chain at the service's current degradation level, moving the level one step
// per threshold crossing.
type DegradationController struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu       sync.RWMutex
	services map[string]*degradationEntry

	cbMu      sync.Mutex
	callbacks []LevelChangeFunc
}

// NewDegradationController creates a degradation controller
func NewDegradationController(logger *logging.Logger, m *metrics.Metrics) *DegradationController {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &DegradationController{
		logger:   logger,
		metrics:  m,
		services: make(map[string]*degradationEntry),
	}
}

// OnLevelChange registers a callback invoked synchronously on every level
// transition of any service.
func (d *DegradationController) OnLevelChange(fn LevelChangeFunc) {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	d.callbacks = append(d.callbacks, fn)
}

// RegisterService registers a fallback chain for a service. An optional probe
// lets idle services recover without live traffic.
func (d *DegradationController) RegisterService(service string, chain FallbackChain, config DegradationConfig, probe ProbeFunc) error {
	if service == "" {
		return fmt.Errorf("service name is required")
	}
	if chain.Primary == nil {
		return fmt.Errorf("service %q requires a primary function", service)
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HealthCheckInterval <= 0 {
		config.HealthCheckInterval = 30 * time.Second
	}

	entry := &degradationEntry{
		chain:  chain,
		config: config,
		probe:  probe,
		level:  LevelFull,
	}

	d.mu.Lock()
	if _, exists := d.services[service]; exists {
		d.mu.Unlock()
		return fmt.Errorf("service %q already registered", service)
	}
	d.services[service] = entry
	d.mu.Unlock()

	d.metrics.SetDegradationLevel(service, int(LevelFull))
	d.logger.Info("Service registered for degradation control",
		"service", service,
		"failure_threshold", config.FailureThreshold,
		"success_threshold", config.SuccessThreshold,
	)

	if probe != nil {
		d.startProbe(service, entry)
	}
	return nil
}

// Execute runs the service through exactly one tier chosen by its current
// level. The chosen tier is wrapped in the service's timeout budget.
func (d *DegradationController) Execute(ctx context.Context, service string) (interface{}, error) {
	d.mu.RLock()
	entry, exists := d.services[service]
	d.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("service %q is not registered", service)
	}

	entry.mu.Lock()
	level := entry.level
	entry.totalRequests++
	timeout := entry.config.Timeout
	entry.mu.Unlock()

	fn, effective := selectTier(entry.chain, level)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := fn(callCtx)
	if err != nil {
		d.recordFailure(service, entry)

		// Surface the original error, annotated with the level that was
		// active so operators can tell full-capability failures from
		// already-degraded ones.
		se, ok := errors.AsStandardized(err)
		if !ok {
			se = errors.New(errors.CategoryUnknown, err.Error()).
				WithCause(err).
				WithIntegration(service)
		}
		return nil, se.WithDetail("degradation_level", effective.String())
	}

	d.recordSuccess(service, entry)
	return result, nil
}

// selectTier resolves the callable for a level, walking back toward primary
// when a tier is absent. Primary is always present, so this never returns
// nil.
func selectTier(chain FallbackChain, level DegradationLevel) (FallbackFunc, DegradationLevel) {
	switch level {
	case LevelEmergency:
		if chain.Emergency != nil {
			return chain.Emergency, LevelEmergency
		}
		fallthrough
	case LevelMinimal:
		if chain.Minimal != nil {
			return chain.Minimal, LevelMinimal
		}
		fallthrough
	case LevelPartial:
		if chain.Partial != nil {
			return chain.Partial, LevelPartial
		}
		fallthrough
	default:
		return chain.Primary, LevelFull
	}
}

func (d *DegradationController) recordSuccess(service string, entry *degradationEntry) {
	entry.mu.Lock()
	entry.consecutiveSuccesses++
	entry.consecutiveFailures = 0
	entry.lastSuccess = time.Now()

	var from, to DegradationLevel
	changed := false
	if entry.level != LevelFull && entry.consecutiveSuccesses >= entry.config.SuccessThreshold {
		from = entry.level
		to = entry.level - 1
		entry.level = to
		entry.consecutiveSuccesses = 0
		changed = true
	}
	entry.mu.Unlock()

	if changed {
		d.notifyLevelChange(service, from, to)
	}
}

func (d *DegradationController) recordFailure(service string, entry *degradationEntry) {
	entry.mu.Lock()
	entry.consecutiveFailures++
	entry.consecutiveSuccesses = 0
	entry.lastFailure = time.Now()
	entry.failedRequests++
	entry.degradedRequests++

	var from, to DegradationLevel
	changed := false
	if entry.level != LevelEmergency && entry.consecutiveFailures >= entry.config.FailureThreshold {
		from = entry.level
		to = entry.level + 1
		entry.level = to
		entry.consecutiveFailures = 0
		changed = true
	}
	entry.mu.Unlock()

	if changed {
		d.notifyLevelChange(service, from, to)
	}
}

func (d *DegradationController) notifyLevelChange(service string, from, to DegradationLevel) {
	if to > from {
		d.logger.Warn("Service degraded",
			"service", service,
			"from", from.String(),
			"to", to.String(),
		)
	} else {
		d.logger.Info("Service recovering",
			"service", service,
			"from", from.String(),
			"to", to.String(),
		)
	}

	d.metrics.SetDegradationLevel(service, int(to))

	d.cbMu.Lock()
	callbacks := make([]LevelChangeFunc, len(d.callbacks))
	copy(callbacks, d.callbacks)
	d.cbMu.Unlock()

	for _, fn := range callbacks {
		fn(service, from, to)
	}
}

func (d *DegradationController) startProbe(service string, entry *degradationEntry) {
	stop := make(chan struct{})
	done := make(chan struct{})
	entry.mu.Lock()
	entry.stopProbe = stop
	entry.probeDone = done
	entry.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(entry.config.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				d.runRecoveryProbe(service, entry)
			}
		}
	}()
}

// runRecoveryProbe lets an idle degraded service climb back toward full
// operation without waiting for live traffic.
func (d *DegradationController) runRecoveryProbe(service string, entry *degradationEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), entry.config.Timeout)
	err := entry.probe(ctx)
	cancel()

	entry.mu.Lock()
	entry.lastHealthCheck = time.Now()
	entry.mu.Unlock()

	if err != nil {
		d.logger.Debug("Recovery probe failed",
			"service", service,
			"error", err.Error(),
		)
		return
	}

	d.recordSuccess(service, entry)
}

// State returns the observable state for one service
func (d *DegradationController) State(service string) (DegradationState, bool) {
	d.mu.RLock()
	entry, exists := d.services[service]
	d.mu.RUnlock()
	if !exists {
		return DegradationState{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return DegradationState{
		Service:              service,
		Level:                entry.level,
		Health:               healthForLevel(entry.level),
		ConsecutiveFailures:  entry.consecutiveFailures,
		ConsecutiveSuccesses: entry.consecutiveSuccesses,
		LastFailure:          entry.lastFailure,
		LastSuccess:          entry.lastSuccess,
		LastHealthCheck:      entry.lastHealthCheck,
		TotalRequests:        entry.totalRequests,
		FailedRequests:       entry.failedRequests,
		DegradedRequests:     entry.degradedRequests,
	}, true
}

// States returns the state of every registered service
func (d *DegradationController) States() map[string]DegradationState {
	d.mu.RLock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	d.mu.RUnlock()

	states := make(map[string]DegradationState, len(names))
	for _, name := range names {
		if state, ok := d.State(name); ok {
			states[name] = state
		}
	}
	return states
}

// MarkRecovered is the healing hook: it clears failure bookkeeping and
// restores the service to full operation in one move.
func (d *DegradationController) MarkRecovered(service string) {
	d.mu.RLock()
	entry, exists := d.services[service]
	d.mu.RUnlock()
	if !exists {
		return
	}

	entry.mu.Lock()
	from := entry.level
	entry.level = LevelFull
	entry.consecutiveFailures = 0
	entry.consecutiveSuccesses = 0
	entry.mu.Unlock()

	if from != LevelFull {
		d.notifyLevelChange(service, from, LevelFull)
	}
}

// SetLevel is the operator override: it pins the service to a level and
// clears the consecutive counters so traffic-driven movement restarts from a
// clean slate.
func (d *DegradationController) SetLevel(service string, level DegradationLevel) error {
	if level < LevelFull || level > LevelEmergency {
		return fmt.Errorf("invalid degradation level %d", level)
	}

	d.mu.RLock()
	entry, exists := d.services[service]
	d.mu.RUnlock()
	if !exists {
		return fmt.Errorf("service %q is not registered", service)
	}

	entry.mu.Lock()
	from := entry.level
	entry.level = level
	entry.consecutiveFailures = 0
	entry.consecutiveSuccesses = 0
	entry.mu.Unlock()

	if from != level {
		d.notifyLevelChange(service, from, level)
	}
	return nil
}

// UnregisterService stops the service's probe and discards its state
func (d *DegradationController) UnregisterService(service string) {
	d.mu.Lock()
	entry, exists := d.services[service]
	if exists {
		delete(d.services, service)
	}
	d.mu.Unlock()
	if !exists {
		return
	}

	entry.mu.Lock()
	stop, done := entry.stopProbe, entry.probeDone
	entry.stopProbe, entry.probeDone = nil, nil
	entry.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	d.logger.Info("Service unregistered from degradation control", "service", service)
}

// Stop stops every recovery probe
func (d *DegradationController) Stop() {
	d.mu.RLock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	d.mu.RUnlock()

	for _, name := range names {
		d.mu.RLock()
		entry, exists := d.services[name]
		d.mu.RUnlock()
		if !exists {
			continue
		}

		entry.mu.Lock()
		stop, done := entry.stopProbe, entry.probeDone
		entry.stopProbe, entry.probeDone = nil, nil
		entry.mu.Unlock()

		if stop != nil {
			close(stop)
			<-done
		}
	}
}
