package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
)

const attemptLogCapacity = 200

// ErrHealingExhausted is returned when every configured strategy failed
var ErrHealingExhausted = stderrors.New("all healing strategies exhausted")

// ErrHealingAttemptsExceeded is returned when the rolling-window attempt cap
// has been reached.
var ErrHealingAttemptsExceeded = stderrors.New("healing attempt limit reached for window")

// HealingStrategy identifies one remediation behavior
type HealingStrategy string

const (
	StrategyClearCache          HealingStrategy = "clear_cache"
	StrategyResetConnection     HealingStrategy = "reset_connection"
	StrategyBulkheadReset       HealingStrategy = "bulkhead_reset"
	StrategyCircuitBreakerReset HealingStrategy = "circuit_breaker_reset"
	StrategyFallbackMode        HealingStrategy = "fallback_mode"
	StrategyScaleDown           HealingStrategy = "scale_down"
	StrategyCustom              HealingStrategy = "custom"
)

// Criticality tiers a service's healing aggressiveness
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalityHigh     Criticality = "high"
	CriticalityMedium   Criticality = "medium"
	CriticalityLow      Criticality = "low"
)

// HealingConfig tunes the healing loop for one service
type HealingConfig struct {
	Enabled        bool              `json:"enabled"`
	MaxAttempts    int               `json:"max_attempts"`
	AttemptWindow  time.Duration     `json:"attempt_window"`
	CooldownPeriod time.Duration     `json:"cooldown_period"`
	Strategies     []HealingStrategy `json:"strategies"`
}

// DefaultHealingConfig returns the healing configuration for a criticality
// tier. Higher tiers get more attempts, shorter cooldowns, and a richer
// strategy list. Low-criticality services do not heal automatically.
func DefaultHealingConfig(criticality Criticality) HealingConfig {
	switch criticality {
	case CriticalityCritical:
		return HealingConfig{
			Enabled:        true,
			MaxAttempts:    5,
			AttemptWindow:  10 * time.Minute,
			CooldownPeriod: 30 * time.Second,
			Strategies: []HealingStrategy{
				StrategyClearCache,
				StrategyResetConnection,
				StrategyCircuitBreakerReset,
				StrategyBulkheadReset,
				StrategyFallbackMode,
			},
		}
	case CriticalityHigh:
		return HealingConfig{
			Enabled:        true,
			MaxAttempts:    3,
			AttemptWindow:  10 * time.Minute,
			CooldownPeriod: time.Minute,
			Strategies: []HealingStrategy{
				StrategyClearCache,
				StrategyResetConnection,
				StrategyCircuitBreakerReset,
			},
		}
	case CriticalityMedium:
		return HealingConfig{
			Enabled:        true,
			MaxAttempts:    2,
			AttemptWindow:  10 * time.Minute,
			CooldownPeriod: 2 * time.Minute,
			Strategies: []HealingStrategy{
				StrategyClearCache,
				StrategyCircuitBreakerReset,
			},
		}
	default:
		return HealingConfig{Enabled: false}
	}
}

// StrategyFunc implements one healing strategy for a service
type StrategyFunc func(ctx context.Context, service string) error

// HealingAttempt is one strategy execution recorded in the attempt log
type HealingAttempt struct {
	Service   string          `json:"service"`
	Strategy  HealingStrategy `json:"strategy"`
	Reason    string          `json:"reason"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
}

// HealingEvent is emitted to observers on healing outcomes
type HealingEvent struct {
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	Service   string          `json:"service"`
	Strategy  HealingStrategy `json:"strategy,omitempty"`
	Reason    string          `json:"reason"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventFunc observes healing events
type EventFunc func(event HealingEvent)

// HealedFunc is notified when a service heals successfully
type HealedFunc func(service string)

type healingFlight struct {
	done chan struct{}
	err  error
}

// HealingCoordinator drives automated remediation. One attempt runs per
// service at a time; concurrent triggers for the same service await the
// in-progress attempt's result instead of starting a duplicate.
type HealingCoordinator struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	configs      map[string]HealingConfig
	strategies   map[HealingStrategy]StrategyFunc
	custom       map[string]StrategyFunc
	inflight     map[string]*healingFlight
	lastAttempt  map[string]time.Time
	triggerTimes map[string][]time.Time

	attempts    []HealingAttempt
	attemptNext int

	events []EventFunc
	healed []HealedFunc
}

// NewHealingCoordinator creates a healing coordinator
func NewHealingCoordinator(logger *logging.Logger, m *metrics.Metrics) *HealingCoordinator {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &HealingCoordinator{
		logger:       logger,
		metrics:      m,
		configs:      make(map[string]HealingConfig),
		strategies:   make(map[HealingStrategy]StrategyFunc),
		custom:       make(map[string]StrategyFunc),
		inflight:     make(map[string]*healingFlight),
		lastAttempt:  make(map[string]time.Time),
		triggerTimes: make(map[string][]time.Time),
		attempts:     make([]HealingAttempt, 0, attemptLogCapacity),
	}
}

// Configure sets the healing configuration for a service
func (h *HealingCoordinator) Configure(service string, config HealingConfig) {
	if config.AttemptWindow <= 0 {
		config.AttemptWindow = 10 * time.Minute
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = time.Minute
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}

	h.mu.Lock()
	h.configs[service] = config
	h.mu.Unlock()

	h.logger.Info("Healing configured",
		"service", service,
		"enabled", config.Enabled,
		"max_attempts", config.MaxAttempts,
		"cooldown", config.CooldownPeriod,
	)
}

// ConfigureByCriticality applies the tier defaults for a service
func (h *HealingCoordinator) ConfigureByCriticality(service string, criticality Criticality) {
	h.Configure(service, DefaultHealingConfig(criticality))
}

// RegisterStrategy installs the shared implementation for a strategy
func (h *HealingCoordinator) RegisterStrategy(strategy HealingStrategy, fn StrategyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies[strategy] = fn
}

// RegisterCustomStrategy installs a per-service custom strategy, used when
// the service's strategy list contains StrategyCustom.
func (h *HealingCoordinator) RegisterCustomStrategy(service string, fn StrategyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.custom[service] = fn
}

// OnEvent registers a healing event observer
func (h *HealingCoordinator) OnEvent(fn EventFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fn)
}

// OnHealed registers a recovery observer, invoked after a strategy succeeds
func (h *HealingCoordinator) OnHealed(fn HealedFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.healed = append(h.healed, fn)
}

// TriggerHealing starts a healing attempt for the service. Disabled healing
// and cooldown windows are silent no-ops. A second trigger while an attempt
// is in flight blocks until that attempt finishes and returns its result.
func (h *HealingCoordinator) TriggerHealing(ctx context.Context, service, reason string) error {
	h.mu.Lock()

	config, exists := h.configs[service]
	if !exists || !config.Enabled {
		h.mu.Unlock()
		h.logger.Debug("Healing not enabled, ignoring trigger",
			"service", service,
			"reason", reason,
		)
		return nil
	}

	if flight, running := h.inflight[service]; running {
		h.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-flight.done:
			return flight.err
		}
	}

	if last, ok := h.lastAttempt[service]; ok && time.Since(last) < config.CooldownPeriod {
		h.mu.Unlock()
		h.logger.Debug("Healing in cooldown, ignoring trigger",
			"service", service,
			"reason", reason,
		)
		return nil
	}

	if h.triggersInWindowLocked(service, config.AttemptWindow) >= config.MaxAttempts {
		h.mu.Unlock()
		h.logger.Warn("Healing attempt limit reached",
			"service", service,
			"max_attempts", config.MaxAttempts,
			"window", config.AttemptWindow,
		)
		return ErrHealingAttemptsExceeded
	}

	flight := &healingFlight{done: make(chan struct{})}
	h.inflight[service] = flight
	now := time.Now()
	h.lastAttempt[service] = now
	h.triggerTimes[service] = append(h.triggerTimes[service], now)
	h.mu.Unlock()

	err := h.runStrategies(ctx, service, reason, config)

	h.mu.Lock()
	delete(h.inflight, service)
	h.mu.Unlock()

	flight.err = err
	close(flight.done)
	return err
}

// triggersInWindowLocked counts triggers inside the rolling window, pruning
// expired entries. Caller must hold h.mu.
func (h *HealingCoordinator) triggersInWindowLocked(service string, window time.Duration) int {
	cutoff := time.Now().Add(-window)
	times := h.triggerTimes[service]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	h.triggerTimes[service] = kept
	return len(kept)
}

// runStrategies tries each configured strategy in order until one succeeds
func (h *HealingCoordinator) runStrategies(ctx context.Context, service, reason string, config HealingConfig) error {
	h.logger.Info("Healing started",
		"service", service,
		"reason", reason,
		"strategies", len(config.Strategies),
	)

	for _, strategy := range config.Strategies {
		fn := h.resolveStrategy(service, strategy)
		if fn == nil {
			h.logger.Warn("No implementation registered for healing strategy",
				"service", service,
				"strategy", string(strategy),
			)
			continue
		}

		start := time.Now()
		err := fn(ctx, service)
		duration := time.Since(start)

		attempt := HealingAttempt{
			Service:   service,
			Strategy:  strategy,
			Reason:    reason,
			Success:   err == nil,
			Duration:  duration,
			Timestamp: start,
		}
		if err != nil {
			attempt.Error = err.Error()
		}
		h.recordAttempt(attempt)

		if err == nil {
			h.logger.Info("Healing succeeded",
				"service", service,
				"strategy", string(strategy),
				"duration", duration,
			)
			h.metrics.RecordHealingAttempt(service, string(strategy), "success")
			h.emit(HealingEvent{
				Type:      "healing_succeeded",
				Severity:  "info",
				Service:   service,
				Strategy:  strategy,
				Reason:    reason,
				Message:   "service healed by " + string(strategy),
				Timestamp: time.Now(),
			})
			h.notifyHealed(service)
			return nil
		}

		h.logger.Warn("Healing strategy failed",
			"service", service,
			"strategy", string(strategy),
			"duration", duration,
			"error", err.Error(),
		)
		h.metrics.RecordHealingAttempt(service, string(strategy), "failure")

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	h.emit(HealingEvent{
		Type:      "healing_exhausted",
		Severity:  "critical",
		Service:   service,
		Reason:    reason,
		Message:   "all healing strategies failed, service remains degraded",
		Timestamp: time.Now(),
	})
	return ErrHealingExhausted
}

func (h *HealingCoordinator) resolveStrategy(service string, strategy HealingStrategy) StrategyFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	if strategy == StrategyCustom {
		return h.custom[service]
	}
	return h.strategies[strategy]
}

func (h *HealingCoordinator) recordAttempt(attempt HealingAttempt) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.attempts) < attemptLogCapacity {
		h.attempts = append(h.attempts, attempt)
	} else {
		h.attempts[h.attemptNext] = attempt
		h.attemptNext = (h.attemptNext + 1) % attemptLogCapacity
	}
}

func (h *HealingCoordinator) emit(event HealingEvent) {
	h.mu.Lock()
	observers := make([]EventFunc, len(h.events))
	copy(observers, h.events)
	h.mu.Unlock()

	for _, fn := range observers {
		fn(event)
	}
}

func (h *HealingCoordinator) notifyHealed(service string) {
	h.mu.Lock()
	observers := make([]HealedFunc, len(h.healed))
	copy(observers, h.healed)
	h.mu.Unlock()

	for _, fn := range observers {
		fn(service)
	}
}

// AttemptLog returns the recorded attempts, oldest first. An empty service
// filter returns everything.
func (h *HealingCoordinator) AttemptLog(service string) []HealingAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()

	var ordered []HealingAttempt
	if len(h.attempts) < attemptLogCapacity {
		ordered = h.attempts
	} else {
		ordered = make([]HealingAttempt, 0, attemptLogCapacity)
		ordered = append(ordered, h.attempts[h.attemptNext:]...)
		ordered = append(ordered, h.attempts[:h.attemptNext]...)
	}

	out := make([]HealingAttempt, 0, len(ordered))
	for _, attempt := range ordered {
		if service == "" || attempt.Service == service {
			out = append(out, attempt)
		}
	}
	return out
}

// CascadeAlert is a cascading-failure notification from an external monitor
type CascadeAlert struct {
	Type     string   `json:"type"`
	Severity string   `json:"severity"`
	Services []string `json:"services"`
	Message  string   `json:"message"`
}

// HandleCascadeAlert triggers healing for every service the alert names.
// Per-service gates (cooldown, window cap, single-flight) still apply, so a
// noisy feed cannot stampede remediation.
func (h *HealingCoordinator) HandleCascadeAlert(ctx context.Context, alert CascadeAlert) {
	h.logger.Warn("Cascading failure alert received",
		"type", alert.Type,
		"severity", alert.Severity,
		"services", len(alert.Services),
	)
	for _, service := range alert.Services {
		if err := h.TriggerHealing(ctx, service, "cascade:"+alert.Type); err != nil {
			h.logger.Warn("Cascade-triggered healing failed",
				"service", service,
				"error", err.Error(),
			)
		}
	}
}

// Healing reports whether a healing attempt is currently in flight
func (h *HealingCoordinator) Healing(service string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, running := h.inflight[service]
	return running
}
