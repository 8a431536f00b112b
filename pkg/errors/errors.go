package errors

import (
	"errors"
	"fmt"
	"time"
)

// Category is the closed set of failure categories every raw error is mapped
// into before any retry, circuit-breaker, or health decision is made.
type Category string

const (
	CategoryTimeout      Category = "timeout"
	CategoryRateLimit    Category = "rate_limit"
	CategoryNetwork      Category = "network"
	CategoryServerError  Category = "server_error"
	CategoryClientError  Category = "client_error"
	CategoryValidation   Category = "validation"
	CategoryCancellation Category = "cancellation"
	CategoryUnknown      Category = "unknown"
)

// CallerFault reports whether the category signals a problem with the request
// rather than with the integration. Caller faults are never counted against
// integration health.
func (c Category) CallerFault() bool {
	return c == CategoryClientError || c == CategoryValidation || c == CategoryCancellation
}

// StandardizedError is the single failure shape the control plane works with.
// It is created once per failed call and never mutated afterwards.
type StandardizedError struct {
	Category    Category          `json:"category"`
	Message     string            `json:"message"`
	StatusCode  int               `json:"status_code,omitempty"`
	Integration string            `json:"integration,omitempty"`
	Retryable   bool              `json:"retryable"`
	Details     map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
	Cause       error             `json:"-"`
}

// Error implements the error interface
func (e *StandardizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause
func (e *StandardizedError) Unwrap() error {
	return e.Cause
}

// New creates a new standardized error
func New(category Category, message string) *StandardizedError {
	return &StandardizedError{
		Category:  category,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithCause attaches the originating error
func (e *StandardizedError) WithCause(cause error) *StandardizedError {
	e.Cause = cause
	return e
}

// WithStatus attaches the numeric/HTTP status when known
func (e *StandardizedError) WithStatus(status int) *StandardizedError {
	e.StatusCode = status
	return e
}

// WithIntegration records the owning integration name
func (e *StandardizedError) WithIntegration(name string) *StandardizedError {
	e.Integration = name
	return e
}

// WithRetryable marks the error per the owning integration's retry policy
func (e *StandardizedError) WithRetryable(retryable bool) *StandardizedError {
	e.Retryable = retryable
	return e
}

// WithDetail adds a detail to the error
func (e *StandardizedError) WithDetail(key, value string) *StandardizedError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewTimeoutError(operation string) *StandardizedError {
	return New(CategoryTimeout, fmt.Sprintf("%s timed out", operation))
}

func NewCancellationError(operation string) *StandardizedError {
	return New(CategoryCancellation, fmt.Sprintf("%s was cancelled", operation))
}

func NewNetworkError(message string) *StandardizedError {
	return New(CategoryNetwork, message)
}

func NewRateLimitError(message string) *StandardizedError {
	return New(CategoryRateLimit, message)
}

func NewValidationError(message string) *StandardizedError {
	return New(CategoryValidation, message)
}

// IsCategory checks if the error carries a specific category
func IsCategory(err error, category Category) bool {
	var se *StandardizedError
	if errors.As(err, &se) {
		return se.Category == category
	}
	return false
}

// GetCategory returns the error's category, or CategoryUnknown for raw errors
func GetCategory(err error) Category {
	var se *StandardizedError
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryUnknown
}

// GetStatus returns the error's status code if known, 0 otherwise
func GetStatus(err error) int {
	var se *StandardizedError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsRetryable reports the retryability verdict recorded on the error.
// Raw errors that were never classified default to not retryable.
func IsRetryable(err error) bool {
	var se *StandardizedError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// AsStandardized extracts a StandardizedError from an error chain
func AsStandardized(err error) (*StandardizedError, bool) {
	var se *StandardizedError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
