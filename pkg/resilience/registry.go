package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/tradeforge/resilience/pkg/errors"
	"github.com/tradeforge/resilience/pkg/logging"
)

// IntegrationType is the closed set of external integration kinds
type IntegrationType string

const (
	IntegrationDatabase    IntegrationType = "database"
	IntegrationAIService   IntegrationType = "ai_service"
	IntegrationMarketData  IntegrationType = "market_data"
	IntegrationCache       IntegrationType = "cache"
	IntegrationExternalAPI IntegrationType = "external_api"
)

// Timeouts holds the per-integration timeout budgets
type Timeouts struct {
	Connect time.Duration `json:"connect"`
	Read    time.Duration `json:"read"`
	Write   time.Duration `json:"write"`
	Overall time.Duration `json:"overall"`
}

// RetryPolicy configures the retry executor for one integration
type RetryPolicy struct {
	MaxRetries          int               `json:"max_retries"`
	InitialDelay        time.Duration     `json:"initial_delay"`
	MaxDelay            time.Duration     `json:"max_delay"`
	BackoffMultiplier   float64           `json:"backoff_multiplier"`
	Jitter              bool              `json:"jitter"`
	RetryableCategories []errors.Category `json:"retryable_categories"`
}

// IsRetryable reports whether the policy allows retrying the given category
func (p RetryPolicy) IsRetryable(category errors.Category) bool {
	for _, c := range p.RetryableCategories {
		if c == category {
			return true
		}
	}
	return false
}

// CircuitBreakerConfig configures the per-integration circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
}

// IntegrationDescriptor is the static per-integration configuration.
// Descriptors are immutable after registration.
type IntegrationDescriptor struct {
	Name                string               `json:"name"`
	Type                IntegrationType      `json:"type"`
	Timeouts            Timeouts             `json:"timeouts"`
	Retry               RetryPolicy          `json:"retry"`
	CircuitBreaker      CircuitBreakerConfig `json:"circuit_breaker"`
	MaxConcurrent       int                  `json:"max_concurrent"`
	FallbackEnabled     bool                 `json:"fallback_enabled"`
	HealthCheckInterval time.Duration        `json:"health_check_interval"`
}

// DefaultRetryPolicy returns the conservative retry policy used when an
// integration supplies none. Only transient categories are retried.
func DefaultRetryPolicy(integrationType IntegrationType) RetryPolicy {
	policy := RetryPolicy{
		MaxRetries:        3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableCategories: []errors.Category{
			errors.CategoryTimeout,
			errors.CategoryNetwork,
			errors.CategoryServerError,
		},
	}

	// AI services and market-data feeds throttle aggressively; rate limits
	// are transient for them. Databases and generic APIs surface 429 to the
	// caller instead.
	switch integrationType {
	case IntegrationAIService, IntegrationMarketData:
		policy.RetryableCategories = append(policy.RetryableCategories, errors.CategoryRateLimit)
	}

	return policy
}

// DefaultCircuitBreakerConfig returns the default breaker thresholds
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// DefaultDescriptor returns the generic conservative descriptor handed out
// for integrations that were never registered explicitly.
func DefaultDescriptor(name string) IntegrationDescriptor {
	return IntegrationDescriptor{
		Name: name,
		Type: IntegrationExternalAPI,
		Timeouts: Timeouts{
			Connect: 5 * time.Second,
			Read:    10 * time.Second,
			Write:   10 * time.Second,
			Overall: 30 * time.Second,
		},
		Retry:               DefaultRetryPolicy(IntegrationExternalAPI),
		CircuitBreaker:      DefaultCircuitBreakerConfig(),
		MaxConcurrent:       10,
		FallbackEnabled:     false,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Registry holds the static integration configuration. It is an explicit
// dependency-injected object; construct one per control plane instance.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]IntegrationDescriptor
	logger      *logging.Logger
}

// NewRegistry creates an empty integration registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Registry{
		descriptors: make(map[string]IntegrationDescriptor),
		logger:      logger,
	}
}

// Register stores a descriptor. Registration is idempotent: a second
// registration under the same name keeps the first descriptor.
func (r *Registry) Register(desc IntegrationDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("integration descriptor requires a name")
	}

	if err := validateDescriptor(&desc); err != nil {
		return fmt.Errorf("invalid descriptor for %q: %w", desc.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[desc.Name]; exists {
		r.logger.Debug("Integration already registered, keeping existing descriptor",
			"integration", desc.Name,
		)
		return nil
	}

	r.descriptors[desc.Name] = desc
	r.logger.Info("Integration registered",
		"integration", desc.Name,
		"type", string(desc.Type),
		"max_concurrent", desc.MaxConcurrent,
	)
	return nil
}

// Lookup returns the descriptor for the given name. Unknown names fall back
// to a generic conservative default and log a warning so operators are nudged
// to add explicit configuration.
func (r *Registry) Lookup(name string) IntegrationDescriptor {
	r.mu.RLock()
	desc, exists := r.descriptors[name]
	r.mu.RUnlock()

	if !exists {
		r.logger.Warn("No descriptor configured for integration, using conservative defaults",
			"integration", name,
		)
		return DefaultDescriptor(name)
	}
	return desc
}

// Known reports whether the integration was explicitly registered
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.descriptors[name]
	return exists
}

// Names returns all registered integration names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	return names
}

func validateDescriptor(desc *IntegrationDescriptor) error {
	switch desc.Type {
	case IntegrationDatabase, IntegrationAIService, IntegrationMarketData,
		IntegrationCache, IntegrationExternalAPI:
	case "":
		desc.Type = IntegrationExternalAPI
	default:
		return fmt.Errorf("unknown integration type %q", desc.Type)
	}

	if desc.Retry.MaxRetries == 0 && desc.Retry.InitialDelay == 0 {
		desc.Retry = DefaultRetryPolicy(desc.Type)
	}
	if desc.Retry.BackoffMultiplier <= 0 {
		desc.Retry.BackoffMultiplier = 2.0
	}
	if desc.Retry.InitialDelay <= 0 {
		desc.Retry.InitialDelay = 100 * time.Millisecond
	}
	if desc.Retry.MaxDelay <= 0 {
		desc.Retry.MaxDelay = 5 * time.Second
	}

	if desc.CircuitBreaker.FailureThreshold <= 0 {
		desc.CircuitBreaker = DefaultCircuitBreakerConfig()
	}
	if desc.CircuitBreaker.SuccessThreshold <= 0 {
		desc.CircuitBreaker.SuccessThreshold = 2
	}
	if desc.CircuitBreaker.HalfOpenMaxCalls <= 0 {
		desc.CircuitBreaker.HalfOpenMaxCalls = desc.CircuitBreaker.SuccessThreshold
	}
	if desc.CircuitBreaker.ResetTimeout <= 0 {
		desc.CircuitBreaker.ResetTimeout = 30 * time.Second
	}

	if desc.MaxConcurrent <= 0 {
		desc.MaxConcurrent = 10
	}
	if desc.HealthCheckInterval <= 0 {
		desc.HealthCheckInterval = 30 * time.Second
	}

	return nil
}
