package resilience

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/resilience/pkg/errors"
)

func newTestControlPlane(t *testing.T) *ControlPlane {
	t.Helper()
	cp := NewControlPlane(nil, nil, nil, DefaultDashboardConfig())
	t.Cleanup(cp.Shutdown)
	return cp
}

func fastDescriptor(name string) IntegrationDescriptor {
	return IntegrationDescriptor{
		Name: name,
		Type: IntegrationExternalAPI,
		Retry: RetryPolicy{
			MaxRetries:        2,
			InitialDelay:      time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			BackoffMultiplier: 2.0,
			RetryableCategories: []errors.Category{
				errors.CategoryTimeout,
				errors.CategoryNetwork,
				errors.CategoryServerError,
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 3,
			SuccessThreshold: 1,
			ResetTimeout:     50 * time.Millisecond,
			HalfOpenMaxCalls: 1,
		},
		MaxConcurrent: 2,
	}
}

func TestControlPlane_SuccessfulExecution(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	status, ok := cp.Health().Status("api")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, 1, status.SampleCount)
}

func TestControlPlane_RetriesThenSucceeds(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	calls := 0
	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return stderrors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, StateClosed, cp.BreakerMetrics()["api"].State)
}

func TestControlPlane_FailureReturnsStandardizedError(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		return stderrors.New("row not found")
	})
	require.Error(t, err)

	se, ok := errors.AsStandardized(err)
	require.True(t, ok)
	assert.Equal(t, "api", se.Integration)
	assert.Equal(t, errors.CategoryUnknown, se.Category)
}

func TestControlPlane_BreakerOpensAndFailsFast(t *testing.T) {
	cp := newTestControlPlane(t)
	desc := fastDescriptor("api")
	desc.Retry.MaxRetries = 0
	require.NoError(t, cp.RegisterIntegration(desc, nil))

	for i := 0; i < 3; i++ {
		cp.Execute(context.Background(), "api", func(ctx context.Context) error {
			return stderrors.New("connection refused")
		})
	}
	assert.Equal(t, StateOpen, cp.BreakerMetrics()["api"].State)

	// Open breaker rejects without invoking the operation
	invoked := false
	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.False(t, invoked)
}

func TestControlPlane_BulkheadLimitsConcurrency(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	// Occupy both slots
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cp.Execute(context.Background(), "api", func(ctx context.Context) error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsBulkheadError(err))

	close(release)
	wg.Wait()

	// Slots released on completion
	assert.Equal(t, 0, cp.BulkheadMetrics()["api"].ActiveCalls)
	assert.NoError(t, cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		return nil
	}))
}

func TestControlPlane_CancellationNotCountedAgainstBreaker(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	for i := 0; i < 10; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		err := cp.Execute(ctx, "api", func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		require.Error(t, err)
		assert.Equal(t, errors.CategoryCancellation, errors.GetCategory(err))
	}

	m := cp.BreakerMetrics()["api"]
	assert.Equal(t, StateClosed, m.State)
	assert.Equal(t, 0, m.Failures)

	status, _ := cp.Health().Status("api")
	assert.True(t, status.Healthy)
}

func TestControlPlane_PerAttemptTimeout(t *testing.T) {
	cp := newTestControlPlane(t)
	desc := fastDescriptor("api")
	desc.Retry.MaxRetries = 1
	desc.Timeouts.Read = 10 * time.Millisecond
	require.NoError(t, cp.RegisterIntegration(desc, nil))

	calls := 0
	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.Equal(t, errors.CategoryTimeout, errors.GetCategory(err))
	assert.Equal(t, 2, calls) // timeout is retryable, so one retry happened
}

func TestControlPlane_OverallDeadlineBoundsRetries(t *testing.T) {
	cp := newTestControlPlane(t)
	desc := fastDescriptor("api")
	desc.Retry.MaxRetries = 100
	desc.Retry.InitialDelay = 20 * time.Millisecond
	desc.Timeouts.Overall = 30 * time.Millisecond
	require.NoError(t, cp.RegisterIntegration(desc, nil))

	start := time.Now()
	err := cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		return stderrors.New("connection refused")
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// A blown overall budget is the integration being slow, not the caller
	// walking away: it surfaces as a timeout and counts against the breaker
	assert.Equal(t, errors.CategoryTimeout, errors.GetCategory(err))
	assert.Equal(t, 1, cp.BreakerMetrics()["api"].Failures)
}

func TestControlPlane_FallbackChainHonorsDescriptorSwitch(t *testing.T) {
	cp := newTestControlPlane(t)

	enabled := fastDescriptor("quotes")
	enabled.FallbackEnabled = true
	require.NoError(t, cp.RegisterIntegration(enabled, nil))

	disabled := fastDescriptor("orders")
	disabled.FallbackEnabled = false
	require.NoError(t, cp.RegisterIntegration(disabled, nil))

	chain := FallbackChain{
		Primary: func(ctx context.Context) (interface{}, error) {
			return nil, stderrors.New("upstream down")
		},
		Partial: func(ctx context.Context) (interface{}, error) {
			return "cached", nil
		},
	}
	cfg := DegradationConfig{FailureThreshold: 1, SuccessThreshold: 1}
	require.NoError(t, cp.RegisterFallbackChain("quotes", chain, cfg, nil))
	require.NoError(t, cp.RegisterFallbackChain("orders", chain, cfg, nil))

	// Push both services to the partial level
	for _, service := range []string{"quotes", "orders"} {
		_, err := cp.Degradation().Execute(context.Background(), service)
		require.Error(t, err)
		state, ok := cp.Degradation().State(service)
		require.True(t, ok)
		assert.Equal(t, LevelPartial, state.Level)
	}

	// With fallback enabled the partial tier serves substitute data
	result, err := cp.Degradation().Execute(context.Background(), "quotes")
	require.NoError(t, err)
	assert.Equal(t, "cached", result)

	// With fallback disabled every level resolves to the primary function
	_, err = cp.Degradation().Execute(context.Background(), "orders")
	require.Error(t, err)
}

func TestControlPlane_UnknownIntegrationStillGoverned(t *testing.T) {
	cp := newTestControlPlane(t)

	// Never registered: conservative defaults apply and the call works
	err := cp.Execute(context.Background(), "mystery", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, cp.BreakerMetrics(), "mystery")
}

func TestControlPlane_BreakerOpenTriggersHealing(t *testing.T) {
	cp := newTestControlPlane(t)
	desc := fastDescriptor("api")
	desc.Retry.MaxRetries = 0
	require.NoError(t, cp.RegisterIntegration(desc, nil))

	cp.Healing().Configure("api", HealingConfig{
		Enabled:        true,
		MaxAttempts:    3,
		AttemptWindow:  time.Minute,
		CooldownPeriod: time.Millisecond,
		Strategies:     []HealingStrategy{StrategyCircuitBreakerReset},
	})

	for i := 0; i < 3; i++ {
		cp.Execute(context.Background(), "api", func(ctx context.Context) error {
			return stderrors.New("connection refused")
		})
	}

	// The built-in breaker-reset strategy closes the breaker again
	assert.Eventually(t, func() bool {
		return cp.BreakerMetrics()["api"].State == StateClosed
	}, time.Second, 5*time.Millisecond)
	assert.NotEmpty(t, cp.Healing().AttemptLog("api"))
}

func TestControlPlane_SnapshotFeedsDashboard(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	require.NoError(t, cp.Execute(context.Background(), "api", func(ctx context.Context) error {
		return nil
	}))

	summary := cp.Dashboard().Summary()
	assert.Equal(t, SystemHealthy, summary.Status)
	assert.Equal(t, 1, summary.TotalIntegrations)
	assert.Equal(t, 1, summary.HealthyIntegrations)
}

func TestControlPlane_ResetOperations(t *testing.T) {
	cp := newTestControlPlane(t)
	require.NoError(t, cp.RegisterIntegration(fastDescriptor("api"), nil))

	require.NoError(t, cp.ResetBreaker("api"))
	require.NoError(t, cp.ResetBulkhead("api"))

	assert.Error(t, cp.ResetBreaker("ghost"))
	assert.Error(t, cp.ResetBulkhead("ghost"))
}
