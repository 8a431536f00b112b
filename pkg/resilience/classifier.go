package resilience

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/tradeforge/resilience/pkg/errors"
	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
)

const recentErrorsCapacity = 50

// Classifier maps arbitrary failures into the closed error taxonomy and
// tracks per-category and per-status counters for dashboard reporting.
// Retryability is not intrinsic to a category; it is looked up against the
// owning integration's retry policy, so the same category can be retryable
// for one integration and fatal for another.
type Classifier struct {
	registry *Registry
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu         sync.Mutex
	byCategory map[errors.Category]uint64
	byStatus   map[int]uint64
	recent     []*errors.StandardizedError
	recentNext int
}

// NewClassifier creates a classifier bound to an integration registry
func NewClassifier(registry *Registry, logger *logging.Logger, m *metrics.Metrics) *Classifier {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Classifier{
		registry:   registry,
		logger:     logger,
		metrics:    m,
		byCategory: make(map[errors.Category]uint64),
		byStatus:   make(map[int]uint64),
		recent:     make([]*errors.StandardizedError, 0, recentErrorsCapacity),
	}
}

// Classify converts a raw failure into a StandardizedError. Already
// standardized errors pass through untouched so no component inspects a raw
// error twice. statusCode may be 0 when unknown.
func (c *Classifier) Classify(err error, integration string, statusCode int) *errors.StandardizedError {
	if err == nil {
		return nil
	}

	if se, ok := errors.AsStandardized(err); ok {
		return se
	}

	category := categorize(err, statusCode)
	policy := c.registry.Lookup(integration).Retry

	se := errors.New(category, err.Error()).
		WithCause(err).
		WithIntegration(integration).
		WithRetryable(policy.IsRetryable(category))
	if statusCode > 0 {
		se.WithStatus(statusCode)
	}

	c.record(se)
	return se
}

// categorize applies the first-match-wins classification order
func categorize(err error, statusCode int) errors.Category {
	msg := strings.ToLower(err.Error())

	// Cancellation first: an aborted call must never be mistaken for a
	// timeout or an integration failure.
	if isCancellation(err, msg) {
		return errors.CategoryCancellation
	}

	if isTimeout(err, msg, statusCode) {
		return errors.CategoryTimeout
	}

	if statusCode == http.StatusTooManyRequests ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") {
		return errors.CategoryRateLimit
	}

	if isNetworkFailure(err, msg) {
		return errors.CategoryNetwork
	}

	if statusCode >= 500 {
		return errors.CategoryServerError
	}

	if statusCode >= 400 && statusCode < 500 {
		return errors.CategoryClientError
	}

	if strings.Contains(msg, "validation") || strings.Contains(msg, "invalid") {
		return errors.CategoryValidation
	}

	return errors.CategoryUnknown
}

func isCancellation(err error, msg string) bool {
	if stderrors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(msg, "cancelled") ||
		strings.Contains(msg, "canceled") ||
		strings.Contains(msg, "aborted")
}

func isTimeout(err error, msg string, statusCode int) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return statusCode == http.StatusRequestTimeout ||
		statusCode == http.StatusGatewayTimeout ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded")
}

func isNetworkFailure(err error, msg string) bool {
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		return true
	}
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "fetch failed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "network is unreachable")
}

// record updates the O(1) counters and the bounded recent-error ring
func (c *Classifier) record(se *errors.StandardizedError) {
	c.mu.Lock()
	c.byCategory[se.Category]++
	if se.StatusCode > 0 {
		c.byStatus[se.StatusCode]++
	}

	if len(c.recent) < recentErrorsCapacity {
		c.recent = append(c.recent, se)
	} else {
		c.recent[c.recentNext] = se
		c.recentNext = (c.recentNext + 1) % recentErrorsCapacity
	}
	c.mu.Unlock()

	c.metrics.RecordError(se.Integration, string(se.Category))
}

// CategoryCounts returns a copy of the running per-category counters
func (c *Classifier) CategoryCounts() map[errors.Category]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[errors.Category]uint64, len(c.byCategory))
	for k, v := range c.byCategory {
		counts[k] = v
	}
	return counts
}

// StatusCounts returns a copy of the running per-status counters
func (c *Classifier) StatusCounts() map[int]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[int]uint64, len(c.byStatus))
	for k, v := range c.byStatus {
		counts[k] = v
	}
	return counts
}

// RecentErrors returns the bounded ring of recently classified errors,
// oldest first.
func (c *Classifier) RecentErrors() []*errors.StandardizedError {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*errors.StandardizedError, 0, len(c.recent))
	if len(c.recent) < recentErrorsCapacity {
		out = append(out, c.recent...)
		return out
	}
	out = append(out, c.recent[c.recentNext:]...)
	out = append(out, c.recent[:c.recentNext]...)
	return out
}
