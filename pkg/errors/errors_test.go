package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardizedError_Error(t *testing.T) {
	err := New(CategoryTimeout, "query exceeded budget")
	assert.Equal(t, "timeout: query exceeded budget", err.Error())

	cause := stderrors.New("i/o timeout")
	err = err.WithCause(cause)
	assert.Contains(t, err.Error(), "caused by: i/o timeout")
	assert.Equal(t, cause, stderrors.Unwrap(err))
}

func TestStandardizedError_Builders(t *testing.T) {
	err := New(CategoryRateLimit, "throttled").
		WithStatus(429).
		WithIntegration("llm").
		WithRetryable(true).
		WithDetail("provider", "anthropic")

	assert.Equal(t, 429, err.StatusCode)
	assert.Equal(t, "llm", err.Integration)
	assert.True(t, err.Retryable)
	assert.Equal(t, "anthropic", err.Details["provider"])
	assert.False(t, err.Timestamp.IsZero())
}

func TestCategory_CallerFault(t *testing.T) {
	assert.True(t, CategoryClientError.CallerFault())
	assert.True(t, CategoryValidation.CallerFault())
	assert.True(t, CategoryCancellation.CallerFault())

	assert.False(t, CategoryTimeout.CallerFault())
	assert.False(t, CategoryRateLimit.CallerFault())
	assert.False(t, CategoryNetwork.CallerFault())
	assert.False(t, CategoryServerError.CallerFault())
	assert.False(t, CategoryUnknown.CallerFault())
}

func TestHelpers_ThroughWrappedChain(t *testing.T) {
	se := NewNetworkError("connection reset").WithStatus(502).WithRetryable(true)
	wrapped := fmt.Errorf("fetching quotes: %w", se)

	assert.True(t, IsCategory(wrapped, CategoryNetwork))
	assert.Equal(t, CategoryNetwork, GetCategory(wrapped))
	assert.Equal(t, 502, GetStatus(wrapped))
	assert.True(t, IsRetryable(wrapped))

	got, ok := AsStandardized(wrapped)
	require.True(t, ok)
	assert.Same(t, se, got)
}

func TestHelpers_RawErrors(t *testing.T) {
	raw := stderrors.New("boom")

	assert.False(t, IsCategory(raw, CategoryNetwork))
	assert.Equal(t, CategoryUnknown, GetCategory(raw))
	assert.Equal(t, 0, GetStatus(raw))
	assert.False(t, IsRetryable(raw))

	_, ok := AsStandardized(raw)
	assert.False(t, ok)
}

func TestConstructors(t *testing.T) {
	assert.Equal(t, CategoryTimeout, NewTimeoutError("db query").Category)
	assert.Equal(t, CategoryCancellation, NewCancellationError("request").Category)
	assert.Equal(t, CategoryNetwork, NewNetworkError("dns failure").Category)
	assert.Equal(t, CategoryRateLimit, NewRateLimitError("throttled").Category)
	assert.Equal(t, CategoryValidation, NewValidationError("bad symbol").Category)
}
