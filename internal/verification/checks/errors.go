package checks

import (
	"errors"
	"fmt"
)

// ErrorCategory is the normalized failure taxonomy for external checks.
type ErrorCategory string

const (
	// ErrorUnavailable covers timeouts, network failures, rate limits and 5xx
	// responses. It is the only retryable category.
	ErrorUnavailable ErrorCategory = "unavailable"

	// ErrorInvalidInput means the provider refused the request data.
	ErrorInvalidInput ErrorCategory = "invalid_input"

	// ErrorRejected means the provider refused us (credentials, contract) or
	// answered with something we cannot interpret.
	ErrorRejected ErrorCategory = "rejected"

	// ErrorNotConfigured means no provider is wired. Verification fails closed.
	ErrorNotConfigured ErrorCategory = "not_configured"
)

// Error wraps a check failure with its category.
type Error struct {
	Category   ErrorCategory
	Check      Type
	Message    string
	Underlying error
	Retryable  bool
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("check %s [%s]: %s: %v", e.Check, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("check %s [%s]: %s", e.Check, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// NewError creates a categorized check error.
func NewError(category ErrorCategory, check Type, message string, underlying error) *Error {
	return &Error{
		Category:   category,
		Check:      check,
		Message:    message,
		Underlying: underlying,
		Retryable:  category == ErrorUnavailable,
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Retryable
	}
	return false
}

// GetCategory extracts the category. Uncategorized errors count as
// unavailable so a bug in an adapter never looks like a provider verdict.
func GetCategory(err error) ErrorCategory {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ErrorUnavailable
}

// IsNotConfigured reports whether err means no provider is wired.
func IsNotConfigured(err error) bool {
	return GetCategory(err) == ErrorNotConfigured
}
