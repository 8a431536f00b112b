package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/resilience/pkg/errors"
)

func newTestClassifier(t *testing.T) (*Classifier, *Registry) {
	t.Helper()
	registry := NewRegistry(nil)
	require.NoError(t, registry.Register(IntegrationDescriptor{Name: "db", Type: IntegrationDatabase}))
	require.NoError(t, registry.Register(IntegrationDescriptor{Name: "llm", Type: IntegrationAIService}))
	return NewClassifier(registry, nil, nil), registry
}

func TestClassifier_Categories(t *testing.T) {
	c, _ := newTestClassifier(t)

	tests := []struct {
		name     string
		err      error
		status   int
		expected errors.Category
	}{
		{"deadline exceeded", context.DeadlineExceeded, 0, errors.CategoryTimeout},
		{"timeout text", stderrors.New("request timed out"), 0, errors.CategoryTimeout},
		{"gateway timeout", stderrors.New("upstream error"), 504, errors.CategoryTimeout},
		{"context canceled", context.Canceled, 0, errors.CategoryCancellation},
		{"aborted text", stderrors.New("operation aborted"), 0, errors.CategoryCancellation},
		{"429 status", stderrors.New("slow down"), 429, errors.CategoryRateLimit},
		{"rate limit text", stderrors.New("rate limit exceeded"), 0, errors.CategoryRateLimit},
		{"connection refused", stderrors.New("dial tcp: connection refused"), 0, errors.CategoryNetwork},
		{"dns failure", stderrors.New("no such host"), 0, errors.CategoryNetwork},
		{"500 status", stderrors.New("boom"), 500, errors.CategoryServerError},
		{"404 status", stderrors.New("not found"), 404, errors.CategoryClientError},
		{"validation text", stderrors.New("invalid symbol"), 0, errors.CategoryValidation},
		{"mystery", stderrors.New("something odd"), 0, errors.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := c.Classify(tt.err, "db", tt.status)
			assert.Equal(t, tt.expected, se.Category)
		})
	}
}

func TestClassifier_CancellationBeatsTimeout(t *testing.T) {
	c, _ := newTestClassifier(t)

	// An aborted call must never be mistaken for a timeout even when the
	// message mentions one.
	se := c.Classify(stderrors.New("request cancelled while waiting for timeout"), "db", 0)
	assert.Equal(t, errors.CategoryCancellation, se.Category)
}

func TestClassifier_RetryabilityPerIntegration(t *testing.T) {
	c, _ := newTestClassifier(t)

	rateLimited := stderrors.New("rate limit exceeded")

	// AI services retry rate limits; databases surface them to the caller
	assert.True(t, c.Classify(rateLimited, "llm", 429).Retryable)
	assert.False(t, c.Classify(rateLimited, "db", 429).Retryable)
}

func TestClassifier_NotFoundNotRetryable(t *testing.T) {
	c, _ := newTestClassifier(t)

	se := c.Classify(stderrors.New("row not found"), "db", 404)
	assert.Equal(t, errors.CategoryClientError, se.Category)
	assert.False(t, se.Retryable)
}

func TestClassifier_StandardizedErrorsPassThrough(t *testing.T) {
	c, _ := newTestClassifier(t)

	original := errors.NewTimeoutError("db query").WithIntegration("db")
	se := c.Classify(original, "db", 0)
	assert.Same(t, original, se)
}

func TestClassifier_NilError(t *testing.T) {
	c, _ := newTestClassifier(t)
	assert.Nil(t, c.Classify(nil, "db", 0))
}

func TestClassifier_CountsAndRecentRing(t *testing.T) {
	c, _ := newTestClassifier(t)

	for i := 0; i < 3; i++ {
		c.Classify(stderrors.New("connection refused"), "db", 0)
	}
	c.Classify(stderrors.New("boom"), "db", 500)

	counts := c.CategoryCounts()
	assert.Equal(t, uint64(3), counts[errors.CategoryNetwork])
	assert.Equal(t, uint64(1), counts[errors.CategoryServerError])
	assert.Equal(t, uint64(1), c.StatusCounts()[500])

	// Overflow the ring and check oldest entries are evicted
	for i := 0; i < recentErrorsCapacity+10; i++ {
		c.Classify(fmt.Errorf("failure %d", i), "db", 500)
	}
	recent := c.RecentErrors()
	require.Len(t, recent, recentErrorsCapacity)
	assert.Contains(t, recent[len(recent)-1].Message, fmt.Sprint(recentErrorsCapacity+9))
}
