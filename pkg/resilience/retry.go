package resilience

import (
	"context"
	stderrors "errors"
	"math"
	"math/rand"
	"time"

	"github.com/tradeforge/resilience/pkg/errors"
	"github.com/tradeforge/resilience/pkg/logging"
)

// ClassifyFunc converts a raw failure into a StandardizedError
type ClassifyFunc func(err error) *errors.StandardizedError

// RetryResult reports what the retry loop actually did, for health and
// metrics bookkeeping.
type RetryResult struct {
	Attempts   int           `json:"attempts"`
	TotalDelay time.Duration `json:"total_delay"`
}

// RetryExecutor drives bounded retry loops with exponential backoff and
// jitter for one integration.
type RetryExecutor struct {
	policy   RetryPolicy
	classify ClassifyFunc
	logger   *logging.Logger

	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// NewRetryExecutor creates a retry executor for the given policy
func NewRetryExecutor(policy RetryPolicy, classify ClassifyFunc, logger *logging.Logger) *RetryExecutor {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if policy.BackoffMultiplier <= 0 {
		policy.BackoffMultiplier = 2.0
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = 100 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}

	return &RetryExecutor{
		policy:   policy,
		classify: classify,
		logger:   logger,
	}
}

// Execute runs the operation, retrying retryable failures up to the policy
// limit. The returned error is always a StandardizedError. An expired context
// stops retrying immediately: an exhausted deadline surfaces as a timeout, an
// explicit cancel as a cancellation.
func (r *RetryExecutor) Execute(ctx context.Context, operation func(context.Context) error) (RetryResult, error) {
	result := RetryResult{}
	var lastErr *errors.StandardizedError

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return result, r.abortError(ctx, "retry loop")
		}

		result.Attempts++
		err := operation(ctx)
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Operation succeeded after retry",
					"attempts", result.Attempts,
					"total_delay", result.TotalDelay,
				)
			}
			return result, nil
		}

		lastErr = r.classify(err)

		if lastErr.Category == errors.CategoryCancellation {
			return result, lastErr
		}

		if !lastErr.Retryable {
			r.logger.Debug("Error is not retryable, stopping",
				"category", string(lastErr.Category),
				"attempt", result.Attempts,
			)
			return result, lastErr
		}

		if attempt == r.policy.MaxRetries {
			break
		}

		delay := r.Delay(attempt)

		r.logger.Debug("Operation failed, retrying",
			"category", string(lastErr.Category),
			"attempt", result.Attempts,
			"max_retries", r.policy.MaxRetries,
			"delay", delay,
		)

		if r.OnRetry != nil {
			r.OnRetry(attempt, lastErr, delay)
		}

		select {
		case <-ctx.Done():
			return result, r.abortError(ctx, "retry backoff")
		case <-time.After(delay):
			result.TotalDelay += delay
		}
	}

	r.logger.Warn("Operation failed after all retry attempts",
		"attempts", result.Attempts,
		"category", string(lastErr.Category),
	)
	return result, lastErr
}

// abortError maps an expired context to the right category: a blown deadline
// is a timeout and counts against the integration, only an explicit cancel is
// a cancellation.
func (r *RetryExecutor) abortError(ctx context.Context, operation string) *errors.StandardizedError {
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.NewTimeoutError(operation).
			WithCause(ctx.Err()).
			WithRetryable(false)
	}
	return errors.NewCancellationError(operation).WithCause(ctx.Err())
}

// Delay computes the backoff before retrying the attempt with the given
// zero-based index: min(initial * multiplier^attempt, max), optionally scaled
// by a uniform jitter factor in [0.5, 1.0] so concurrent callers spread out.
func (r *RetryExecutor) Delay(attempt int) time.Duration {
	delay := float64(r.policy.InitialDelay) * math.Pow(r.policy.BackoffMultiplier, float64(attempt))

	if delay > float64(r.policy.MaxDelay) {
		delay = float64(r.policy.MaxDelay)
	}

	if r.policy.Jitter {
		delay *= 0.5 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}
