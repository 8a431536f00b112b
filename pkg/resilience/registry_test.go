package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeforge/resilience/pkg/errors"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)

	desc := IntegrationDescriptor{
		Name:          "pricing_feed",
		Type:          IntegrationMarketData,
		MaxConcurrent: 4,
	}
	require.NoError(t, r.Register(desc))

	got := r.Lookup("pricing_feed")
	assert.Equal(t, "pricing_feed", got.Name)
	assert.Equal(t, IntegrationMarketData, got.Type)
	assert.Equal(t, 4, got.MaxConcurrent)
	assert.True(t, r.Known("pricing_feed"))
}

func TestRegistry_RegistrationIdempotent(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(IntegrationDescriptor{Name: "db", MaxConcurrent: 5}))
	require.NoError(t, r.Register(IntegrationDescriptor{Name: "db", MaxConcurrent: 99}))

	// First registration wins
	assert.Equal(t, 5, r.Lookup("db").MaxConcurrent)
}

func TestRegistry_UnknownNameGetsDefault(t *testing.T) {
	r := NewRegistry(nil)

	desc := r.Lookup("never_registered")
	assert.Equal(t, "never_registered", desc.Name)
	assert.Equal(t, IntegrationExternalAPI, desc.Type)
	assert.Positive(t, desc.MaxConcurrent)
	assert.Positive(t, desc.CircuitBreaker.FailureThreshold)
	assert.False(t, r.Known("never_registered"))
}

func TestRegistry_RejectsInvalidDescriptors(t *testing.T) {
	r := NewRegistry(nil)

	assert.Error(t, r.Register(IntegrationDescriptor{}))
	assert.Error(t, r.Register(IntegrationDescriptor{Name: "x", Type: "mainframe"}))
}

func TestRegistry_FillsDefaults(t *testing.T) {
	r := NewRegistry(nil)

	require.NoError(t, r.Register(IntegrationDescriptor{Name: "bare"}))
	desc := r.Lookup("bare")

	assert.Equal(t, IntegrationExternalAPI, desc.Type)
	assert.Equal(t, 3, desc.Retry.MaxRetries)
	assert.Equal(t, 2.0, desc.Retry.BackoffMultiplier)
	assert.Equal(t, 5, desc.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, desc.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 10, desc.MaxConcurrent)
}

func TestDefaultRetryPolicy_RateLimitRetryability(t *testing.T) {
	// Throttle-heavy integration types treat rate limits as transient
	assert.True(t, DefaultRetryPolicy(IntegrationAIService).IsRetryable(errors.CategoryRateLimit))
	assert.True(t, DefaultRetryPolicy(IntegrationMarketData).IsRetryable(errors.CategoryRateLimit))

	assert.False(t, DefaultRetryPolicy(IntegrationDatabase).IsRetryable(errors.CategoryRateLimit))
	assert.False(t, DefaultRetryPolicy(IntegrationExternalAPI).IsRetryable(errors.CategoryRateLimit))
}

func TestDefaultRetryPolicy_TransientCategories(t *testing.T) {
	policy := DefaultRetryPolicy(IntegrationDatabase)

	assert.True(t, policy.IsRetryable(errors.CategoryTimeout))
	assert.True(t, policy.IsRetryable(errors.CategoryNetwork))
	assert.True(t, policy.IsRetryable(errors.CategoryServerError))
	assert.False(t, policy.IsRetryable(errors.CategoryClientError))
	assert.False(t, policy.IsRetryable(errors.CategoryValidation))
	assert.False(t, policy.IsRetryable(errors.CategoryCancellation))
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(IntegrationDescriptor{Name: "a"}))
	require.NoError(t, r.Register(IntegrationDescriptor{Name: "b"}))

	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
