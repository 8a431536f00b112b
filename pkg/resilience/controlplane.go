package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/tradeforge/resilience/pkg/errors"
	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
	"github.com/tradeforge/resilience/pkg/tracing"
)

// OperationFunc is the underlying integration call being governed
type OperationFunc func(ctx context.Context) error

// governedUnit bundles the per-integration protection mechanisms. Each
// integration gets its own unit so calls against different integrations
// never contend.
type governedUnit struct {
	breaker  *CircuitBreaker
	bulkhead *Bulkhead
	retry    *RetryExecutor
}

// ControlPlane is the facade over every resilience component. Construct one
// per process and pass it by reference; there is no global instance.
type ControlPlane struct {
	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.Service

	registry    *Registry
	classifier  *Classifier
	health      *HealthMonitor
	degradation *DegradationController
	healing     *HealingCoordinator
	dashboard   *Dashboard

	mu    sync.RWMutex
	units map[string]*governedUnit
}

// NewControlPlane assembles a control plane. The tracer may be nil when
// tracing is disabled.
func NewControlPlane(logger *logging.Logger, m *metrics.Metrics, tracer *tracing.Service, dashboardConfig DashboardConfig) *ControlPlane {
	if logger == nil {
		logger = logging.GetLogger()
	}

	registry := NewRegistry(logger)
	cp := &ControlPlane{
		logger:      logger,
		metrics:     m,
		tracer:      tracer,
		registry:    registry,
		classifier:  NewClassifier(registry, logger, m),
		health:      NewHealthMonitor(logger, m),
		degradation: NewDegradationController(logger, m),
		healing:     NewHealingCoordinator(logger, m),
		units:       make(map[string]*governedUnit),
	}
	cp.dashboard = NewDashboard(cp, dashboardConfig, logger)

	cp.healing.RegisterStrategy(StrategyCircuitBreakerReset, func(ctx context.Context, service string) error {
		return cp.ResetBreaker(service)
	})
	cp.healing.RegisterStrategy(StrategyBulkheadReset, func(ctx context.Context, service string) error {
		return cp.ResetBulkhead(service)
	})
	cp.healing.OnHealed(cp.degradation.MarkRecovered)

	return cp
}

// RegisterIntegration stores the descriptor and builds the integration's
// protection unit. An optional probe starts active health polling on the
// descriptor's interval.
func (cp *ControlPlane) RegisterIntegration(desc IntegrationDescriptor, probe ProbeFunc) error {
	if err := cp.registry.Register(desc); err != nil {
		return err
	}

	// Registration may have filled defaults
	desc = cp.registry.Lookup(desc.Name)
	cp.unit(desc.Name, desc)
	cp.health.Track(desc.Name)

	if probe != nil {
		timeout := desc.Timeouts.Read
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		cp.health.StartProbe(desc.Name, desc.HealthCheckInterval, timeout, probe)
	}
	return nil
}

// unit returns the integration's protection unit, building it on first use
func (cp *ControlPlane) unit(integration string, desc IntegrationDescriptor) *governedUnit {
	cp.mu.RLock()
	u, exists := cp.units[integration]
	cp.mu.RUnlock()
	if exists {
		return u
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if u, exists = cp.units[integration]; exists {
		return u
	}

	breaker := NewCircuitBreaker(integration, desc.CircuitBreaker, cp.logger, cp.metrics)
	breaker.OnStateChange(func(name string, from, to CircuitState) {
		if to != StateOpen {
			return
		}
		// The observer runs under the breaker lock; healing must not
		// block it.
		go func() {
			if err := cp.healing.TriggerHealing(context.Background(), name, "circuit_breaker_open"); err != nil {
				cp.logger.Warn("Healing trigger failed",
					"integration", name,
					"error", err.Error(),
				)
			}
		}()
	})

	u = &governedUnit{
		breaker:  breaker,
		bulkhead: NewBulkhead(integration, desc.MaxConcurrent, cp.logger, cp.metrics),
		retry: NewRetryExecutor(desc.Retry, func(err error) *errors.StandardizedError {
			return cp.classifier.Classify(err, integration, errors.GetStatus(err))
		}, cp.logger),
	}
	cp.units[integration] = u
	return u
}

// Execute runs one governed integration call: bulkhead admission, circuit
// breaker check, then the retry loop. The bulkhead slot is released on every
// exit path. Timeouts are enforced per attempt from the integration's read
// budget; a configured overall budget also bounds the whole retry sequence.
func (cp *ControlPlane) Execute(ctx context.Context, integration string, op OperationFunc) error {
	desc := cp.registry.Lookup(integration)
	u := cp.unit(integration, desc)

	start := time.Now()

	if desc.Timeouts.Overall > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, desc.Timeouts.Overall)
		defer cancel()
	}

	if err := u.bulkhead.TryAcquire(); err != nil {
		cp.metrics.RecordExecution(integration, "rejected", time.Since(start))
		return err
	}
	defer u.bulkhead.Release()

	if err := u.breaker.Allow(); err != nil {
		cp.metrics.RecordExecution(integration, "rejected", time.Since(start))
		return err
	}

	var span oteltrace.Span
	if cp.tracer != nil {
		ctx, span = cp.tracer.StartIntegrationSpan(ctx, integration, string(desc.Type))
		defer span.End()
	}

	attemptTimeout := desc.Timeouts.Read
	result, err := u.retry.Execute(ctx, func(ctx context.Context) error {
		if attemptTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, attemptTimeout)
			defer cancel()
		}
		return op(ctx)
	})

	duration := time.Since(start)
	cp.metrics.RecordRetries(integration, result.Attempts-1)

	if err == nil {
		u.breaker.RecordSuccess()
		cp.health.ReportOutcome(integration, true, duration, nil)
		cp.metrics.RecordExecution(integration, "success", duration)
		if span != nil {
			cp.tracer.MarkOK(span)
		}
		return nil
	}

	se := cp.classifier.Classify(err, integration, errors.GetStatus(err))

	// Caller faults, cancellation included, say nothing about the
	// integration's health.
	u.breaker.RecordFailure(se.Category)
	if !se.Category.CallerFault() {
		cp.health.ReportOutcome(integration, false, duration, se)
	}

	cp.metrics.RecordExecution(integration, "failure", duration)
	if span != nil {
		cp.tracer.RecordError(span, se)
	}
	return se
}

// RegisterFallbackChain registers the integration's fallback chain with the
// degradation controller, honoring the descriptor's FallbackEnabled switch.
// When fallback is disabled the degraded tiers are stripped and every level
// resolves to the primary function, so the level still moves and reports but
// never serves substitute responses.
func (cp *ControlPlane) RegisterFallbackChain(integration string, chain FallbackChain, config DegradationConfig, probe ProbeFunc) error {
	desc := cp.registry.Lookup(integration)
	if !desc.FallbackEnabled {
		cp.logger.Info("Fallback disabled for integration, registering primary tier only",
			"integration", integration,
		)
		chain = FallbackChain{Primary: chain.Primary}
	}
	return cp.degradation.RegisterService(integration, chain, config, probe)
}

// ResetBreaker forces an integration's breaker closed
func (cp *ControlPlane) ResetBreaker(integration string) error {
	cp.mu.RLock()
	u, exists := cp.units[integration]
	cp.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no circuit breaker for integration %q", integration)
	}
	u.breaker.Reset()
	return nil
}

// ResetBulkhead zeroes an integration's bulkhead counters
func (cp *ControlPlane) ResetBulkhead(integration string) error {
	cp.mu.RLock()
	u, exists := cp.units[integration]
	cp.mu.RUnlock()
	if !exists {
		return fmt.Errorf("no bulkhead for integration %q", integration)
	}
	u.bulkhead.Reset()
	return nil
}

// BreakerMetrics snapshots every integration's breaker
func (cp *ControlPlane) BreakerMetrics() map[string]CircuitBreakerMetrics {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	out := make(map[string]CircuitBreakerMetrics, len(cp.units))
	for name, u := range cp.units {
		out[name] = u.breaker.Metrics()
	}
	return out
}

// BulkheadMetrics snapshots every integration's bulkhead
func (cp *ControlPlane) BulkheadMetrics() map[string]BulkheadMetrics {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	out := make(map[string]BulkheadMetrics, len(cp.units))
	for name, u := range cp.units {
		out[name] = u.bulkhead.Metrics()
	}
	return out
}

// HealthStatuses snapshots every tracked integration's health record
func (cp *ControlPlane) HealthStatuses() map[string]HealthStatus {
	return cp.health.Statuses()
}

// Registry exposes the integration registry
func (cp *ControlPlane) Registry() *Registry { return cp.registry }

// Classifier exposes the error classifier
func (cp *ControlPlane) Classifier() *Classifier { return cp.classifier }

// Health exposes the health monitor
func (cp *ControlPlane) Health() *HealthMonitor { return cp.health }

// Degradation exposes the degradation controller
func (cp *ControlPlane) Degradation() *DegradationController { return cp.degradation }

// Healing exposes the self-healing coordinator
func (cp *ControlPlane) Healing() *HealingCoordinator { return cp.healing }

// Dashboard exposes the reliability dashboard
func (cp *ControlPlane) Dashboard() *Dashboard { return cp.dashboard }

// Shutdown stops every background loop and waits for them to exit
func (cp *ControlPlane) Shutdown() {
	cp.dashboard.Stop()
	cp.degradation.Stop()
	cp.health.Stop()
	cp.logger.Info("Control plane stopped")
}
