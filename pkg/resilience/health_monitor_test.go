package resilience

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_StartsHealthy(t *testing.T) {
	h := NewHealthMonitor(nil, nil)
	h.Track("db")

	status, ok := h.Status("db")
	require.True(t, ok)
	assert.True(t, status.Healthy)
	assert.Equal(t, 0, status.SampleCount)
}

func TestHealthMonitor_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	h := NewHealthMonitor(nil, nil)
	failure := stderrors.New("connection refused")

	h.ReportOutcome("db", false, 10*time.Millisecond, failure)
	h.ReportOutcome("db", false, 10*time.Millisecond, failure)
	status, _ := h.Status("db")
	assert.True(t, status.Healthy)

	h.ReportOutcome("db", false, 10*time.Millisecond, failure)
	status, _ = h.Status("db")
	assert.False(t, status.Healthy)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, "connection refused", status.LastError)
}

func TestHealthMonitor_SuccessResetsFailureStreak(t *testing.T) {
	h := NewHealthMonitor(nil, nil)
	failure := stderrors.New("boom")

	h.ReportOutcome("db", false, time.Millisecond, failure)
	h.ReportOutcome("db", false, time.Millisecond, failure)
	h.ReportOutcome("db", true, time.Millisecond, nil)

	status, _ := h.Status("db")
	assert.True(t, status.Healthy)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, 1, status.ConsecutiveSuccesses)
	assert.Empty(t, status.LastError)
}

func TestHealthMonitor_RecoveryAfterUnhealthy(t *testing.T) {
	h := NewHealthMonitor(nil, nil)
	failure := stderrors.New("boom")

	for i := 0; i < 5; i++ {
		h.ReportOutcome("db", false, time.Millisecond, failure)
	}
	status, _ := h.Status("db")
	require.False(t, status.Healthy)

	h.ReportOutcome("db", true, time.Millisecond, nil)
	status, _ = h.Status("db")
	assert.True(t, status.Healthy)
}

func TestHealthMonitor_RollingStatistics(t *testing.T) {
	h := NewHealthMonitor(nil, nil)

	h.ReportOutcome("db", true, 10*time.Millisecond, nil)
	h.ReportOutcome("db", true, 20*time.Millisecond, nil)
	h.ReportOutcome("db", false, 30*time.Millisecond, stderrors.New("boom"))
	h.ReportOutcome("db", true, 40*time.Millisecond, nil)

	status, _ := h.Status("db")
	assert.Equal(t, 4, status.SampleCount)
	assert.Equal(t, 25*time.Millisecond, status.AverageLatency)
	assert.InDelta(t, 0.25, status.ErrorRate, 0.001)
}

func TestHealthMonitor_HistoryCapped(t *testing.T) {
	h := NewHealthMonitor(nil, nil)

	for i := 0; i < healthHistoryCapacity+50; i++ {
		h.ReportOutcome("db", true, time.Millisecond, nil)
	}

	status, _ := h.Status("db")
	assert.Equal(t, healthHistoryCapacity, status.SampleCount)
}

func TestHealthMonitor_ActiveProbeFeedsRecord(t *testing.T) {
	h := NewHealthMonitor(nil, nil)
	defer h.Stop()

	var calls atomic.Int32
	h.StartProbe("cache", 10*time.Millisecond, time.Second, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	assert.Eventually(t, func() bool {
		status, ok := h.Status("cache")
		return ok && status.SampleCount >= 2
	}, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestHealthMonitor_UntrackStopsProbe(t *testing.T) {
	h := NewHealthMonitor(nil, nil)

	var calls atomic.Int32
	h.StartProbe("cache", 10*time.Millisecond, time.Second, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	assert.Eventually(t, func() bool { return calls.Load() >= 1 }, time.Second, 5*time.Millisecond)

	h.Untrack("cache")
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, after, calls.Load())

	_, ok := h.Status("cache")
	assert.False(t, ok)
}

func TestHealthMonitor_Summary(t *testing.T) {
	h := NewHealthMonitor(nil, nil)

	h.ReportOutcome("db", true, 10*time.Millisecond, nil)
	for i := 0; i < 4; i++ {
		h.ReportOutcome("llm", false, 20*time.Millisecond, stderrors.New("boom"))
	}
	h.Track("idle")

	summary := h.Summary()
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Healthy) // db plus the idle never-checked one
	assert.Equal(t, 1, summary.Unhealthy)
	assert.Positive(t, summary.AverageLatency)
}
