package resilience

import (
	"fmt"
	"sync"

	"github.com/tradeforge/resilience/pkg/logging"
	"github.com/tradeforge/resilience/pkg/metrics"
)

// BulkheadState summarizes bulkhead pressure for dashboards
type BulkheadState string

const (
	// BulkheadAvailable means utilization is below the pressure threshold
	BulkheadAvailable BulkheadState = "available"
	// BulkheadDegraded means utilization is high but slots remain
	BulkheadDegraded BulkheadState = "degraded"
	// BulkheadSaturated means every slot is occupied
	BulkheadSaturated BulkheadState = "saturated"
)

// utilization fraction at which the bulkhead reports degraded
const bulkheadPressureThreshold = 0.7

// BulkheadError is returned when admission is rejected at capacity
type BulkheadError struct {
	Integration   string
	MaxConcurrent int
}

func (e *BulkheadError) Error() string {
	return fmt.Sprintf("bulkhead for %s is saturated (%d concurrent calls)",
		e.Integration, e.MaxConcurrent)
}

// IsBulkheadError reports whether err is a bulkhead rejection
func IsBulkheadError(err error) bool {
	_, ok := err.(*BulkheadError)
	return ok
}

// BulkheadMetrics is a point-in-time snapshot of bulkhead occupancy
type BulkheadMetrics struct {
	Integration   string        `json:"integration"`
	ActiveCalls   int           `json:"active_calls"`
	MaxConcurrent int           `json:"max_concurrent"`
	TotalRejected uint64        `json:"total_rejected"`
	State         BulkheadState `json:"state"`
}

// Bulkhead caps the number of concurrent in-flight calls to one integration.
// Admission is fail-fast: callers at capacity are rejected immediately rather
// than queued, so a slow integration cannot pile up waiting goroutines.
type Bulkhead struct {
	integration   string
	maxConcurrent int
	logger        *logging.Logger
	metrics       *metrics.Metrics

	mu            sync.Mutex
	activeCalls   int
	totalRejected uint64
}

// NewBulkhead creates a bulkhead with the given concurrency limit
func NewBulkhead(integration string, maxConcurrent int, logger *logging.Logger, m *metrics.Metrics) *Bulkhead {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Bulkhead{
		integration:   integration,
		maxConcurrent: maxConcurrent,
		logger:        logger,
		metrics:       m,
	}
}

// TryAcquire claims a slot, failing fast when none is free. Every successful
// acquire must be paired with exactly one Release.
func (b *Bulkhead) TryAcquire() error {
	b.mu.Lock()
	if b.activeCalls >= b.maxConcurrent {
		b.totalRejected++
		b.mu.Unlock()

		b.metrics.RecordBulkheadRejection(b.integration)
		b.logger.Warn("Bulkhead rejected call at capacity",
			"integration", b.integration,
			"max_concurrent", b.maxConcurrent,
		)
		return &BulkheadError{
			Integration:   b.integration,
			MaxConcurrent: b.maxConcurrent,
		}
	}

	b.activeCalls++
	active := b.activeCalls
	b.mu.Unlock()

	b.metrics.SetBulkheadActiveCalls(b.integration, active)
	return nil
}

// Release returns a slot. Releasing below zero indicates a missing acquire
// and is clamped rather than allowed to corrupt the counter.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	if b.activeCalls > 0 {
		b.activeCalls--
	} else {
		b.logger.Error("Bulkhead release without matching acquire",
			"integration", b.integration,
		)
	}
	active := b.activeCalls
	b.mu.Unlock()

	b.metrics.SetBulkheadActiveCalls(b.integration, active)
}

// State derives the pressure state from current occupancy
func (b *Bulkhead) State() BulkheadState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return deriveBulkheadState(b.activeCalls, b.maxConcurrent)
}

func deriveBulkheadState(active, max int) BulkheadState {
	if active >= max {
		return BulkheadSaturated
	}
	if float64(active) >= float64(max)*bulkheadPressureThreshold {
		return BulkheadDegraded
	}
	return BulkheadAvailable
}

// Metrics returns a snapshot of bulkhead occupancy
func (b *Bulkhead) Metrics() BulkheadMetrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadMetrics{
		Integration:   b.integration,
		ActiveCalls:   b.activeCalls,
		MaxConcurrent: b.maxConcurrent,
		TotalRejected: b.totalRejected,
		State:         deriveBulkheadState(b.activeCalls, b.maxConcurrent),
	}
}

// Reset clears occupancy and rejection counters. Used by operator endpoints
// after a known leak has been fixed.
func (b *Bulkhead) Reset() {
	b.mu.Lock()
	b.activeCalls = 0
	b.totalRejected = 0
	b.mu.Unlock()

	b.metrics.SetBulkheadActiveCalls(b.integration, 0)
}
