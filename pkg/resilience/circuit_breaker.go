package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradeforge/resilience/pkg/errors"
	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed allows all calls through
	StateClosed CircuitState = iota
	// StateOpen fails fast without invoking the integration
	StateOpen
	// StateHalfOpen allows a limited number of probe calls
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	Integration string
	State       CircuitState
	RetryAfter  time.Duration
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is %s, retry after %s",
		e.Integration, e.State, e.RetryAfter.Round(time.Millisecond))
}

// IsCircuitBreakerError reports whether err is a breaker rejection
func IsCircuitBreakerError(err error) bool {
	_, ok := err.(*CircuitBreakerError)
	return ok
}

// StateChangeFunc observes breaker state transitions
type StateChangeFunc func(integration string, from, to CircuitState)

// CircuitBreakerMetrics is a point-in-time snapshot for dashboards
type CircuitBreakerMetrics struct {
	Integration     string       `json:"integration"`
	State           CircuitState `json:"state"`
	Failures        int          `json:"failures"`
	Successes       int          `json:"successes"`
	HalfOpenCalls   int          `json:"half_open_calls"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	OpenedAt        time.Time    `json:"opened_at,omitempty"`
	NextAttemptTime time.Time    `json:"next_attempt_time,omitempty"`
}

// CircuitBreaker guards one integration against repeated failures. Failures
// caused by the caller (client errors, validation, cancellation) never move
// the breaker; only the integration's own faults count against it.
type CircuitBreaker struct {
	integration string
	config      CircuitBreakerConfig
	logger      *logging.Logger
	metrics     *metrics.Metrics

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	halfOpenCalls   int
	lastFailureTime time.Time
	openedAt        time.Time
	nextAttemptTime time.Time

	onStateChange []StateChangeFunc
}

// NewCircuitBreaker creates a circuit breaker for the given integration
func NewCircuitBreaker(integration string, config CircuitBreakerConfig, logger *logging.Logger, m *metrics.Metrics) *CircuitBreaker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config.FailureThreshold <= 0 {
		config = DefaultCircuitBreakerConfig()
	}

	cb := &CircuitBreaker{
		integration: integration,
		config:      config,
		logger:      logger,
		metrics:     m,
		state:       StateClosed,
	}
	m.SetCircuitBreakerState(integration, int(StateClosed))
	return cb
}

// OnStateChange registers a transition observer. Observers are invoked
// synchronously while the breaker lock is held, so they must not call back
// into the breaker.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = append(cb.onStateChange, fn)
}

// Allow decides whether a call may proceed. In the open state it checks the
// reset deadline lazily: the first caller at or past the deadline flips the
// breaker to half-open and is admitted as a probe. Half-open admission is
// bounded by HalfOpenMaxCalls.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Now().Before(cb.nextAttemptTime) {
			return &CircuitBreakerError{
				Integration: cb.integration,
				State:       StateOpen,
				RetryAfter:  time.Until(cb.nextAttemptTime),
			}
		}
		cb.setState(StateHalfOpen)
		cb.halfOpenCalls++
		return nil

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			return &CircuitBreakerError{
				Integration: cb.integration,
				State:       StateHalfOpen,
			}
		}
		cb.halfOpenCalls++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call. A single success in the closed
// state wipes the failure count; recovery is all-or-nothing. In the half-open
// state, SuccessThreshold consecutive successes close the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0

	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

// RecordFailure records a failed call with its classified category. Caller
// fault categories are ignored so a flood of bad requests cannot open the
// breaker against a healthy integration.
func (cb *CircuitBreaker) RecordFailure(category errors.Category) {
	if category.CallerFault() {
		cb.releaseProbeSlot()
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.setState(StateOpen)
		}

	case StateHalfOpen:
		// Any failure during probing reopens immediately
		cb.setState(StateOpen)
	}
}

// releaseProbeSlot returns a half-open admission slot whose outcome was a
// caller fault. The call said nothing about the integration, so the slot is
// freed for another probe instead of being counted toward either threshold.
func (cb *CircuitBreaker) releaseProbeSlot() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// setState transitions the breaker and resets the counters the target state
// depends on. Caller must hold cb.mu.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState

	switch newState {
	case StateOpen:
		cb.openedAt = time.Now()
		cb.nextAttemptTime = cb.openedAt.Add(cb.config.ResetTimeout)
		cb.halfOpenCalls = 0
		cb.successes = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.halfOpenCalls = 0
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenCalls = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		"integration", cb.integration,
		"from", oldState.String(),
		"to", newState.String(),
	)

	cb.metrics.SetCircuitBreakerState(cb.integration, int(newState))
	cb.metrics.RecordCircuitBreakerTransition(cb.integration, newState.String())

	for _, fn := range cb.onStateChange {
		fn(cb.integration, oldState, newState)
	}
}

// State returns the current breaker state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker's internals
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerMetrics{
		Integration:     cb.integration,
		State:           cb.state,
		Failures:        cb.failures,
		Successes:       cb.successes,
		HalfOpenCalls:   cb.halfOpenCalls,
		LastFailureTime: cb.lastFailureTime,
		OpenedAt:        cb.openedAt,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// Reset forces the breaker back to closed. Used by healing strategies and
// operator endpoints.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
