// Package errors provides typed error handling for the gompow search tool.
//
// Every failure that crosses a package boundary is a *ServiceError carrying
// its category, the failing operation and whether a retry can help. The
// search loop uses the category to decide between aborting the run and
// continuing with the next pass.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeEncoding represents malformed header, hash or bits input
	ErrorTypeEncoding ErrorType = "encoding"
	// ErrorTypeDevice represents compute device and kernel launch errors
	ErrorTypeDevice ErrorType = "device"
	// ErrorTypeVerification represents a device result rejected by the host
	ErrorTypeVerification ErrorType = "verification"
	// ErrorTypeConfig represents invalid configuration
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeNetwork represents network-related errors
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeBitcoin represents Bitcoin RPC errors
	ErrorTypeBitcoin ErrorType = "bitcoin"
	// ErrorTypeStorage represents telemetry store errors
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeMessaging represents Kafka messaging errors
	ErrorTypeMessaging ErrorType = "messaging"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeInternal represents internal/unknown errors
	ErrorTypeInternal ErrorType = "internal"
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Type      ErrorType
	Operation string
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp time.Time
	Retryable bool
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s operation '%s' failed: %s (caused by: %v)", e.Type, e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s operation '%s' failed: %s", e.Type, e.Operation, e.Message)
}

// Unwrap returns the underlying cause for error unwrapping
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error should be retried
func (e *ServiceError) IsRetryable() bool {
	return e.Retryable
}

// WithContext adds additional context to the error
func (e *ServiceError) WithContext(key string, value any) *ServiceError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates a new ServiceError
func New(errorType ErrorType, operation, message string) *ServiceError {
	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: isRetryableByType(errorType),
	}
}

// Newf creates a new ServiceError with a formatted message
func Newf(errorType ErrorType, operation, format string, args ...any) *ServiceError {
	return New(errorType, operation, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with context.
//
// Device and verification failures stay non-retryable whatever they wrap, so
// a transient-looking driver message never turns a bad kernel result into a
// retry.
func Wrap(err error, errorType ErrorType, operation, message string) *ServiceError {
	if err == nil {
		return nil
	}

	retryable := isRetryableByDefault(err)
	if se, ok := err.(*ServiceError); ok {
		retryable = se.Retryable
	}
	if isFatalType(errorType) {
		retryable = false
	}

	return &ServiceError{
		Type:      errorType,
		Operation: operation,
		Message:   message,
		Cause:     err,
		Timestamp: time.Now(),
		Retryable: retryable,
	}
}

// isRetryableByType determines if an error type is generally retryable
func isRetryableByType(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeMessaging, ErrorTypeStorage:
		return true
	default:
		return false
	}
}

func isFatalType(errorType ErrorType) bool {
	return errorType == ErrorTypeDevice || errorType == ErrorTypeVerification
}

// isRetryableByDefault checks if an error is retryable based on common patterns
func isRetryableByDefault(err error) bool {
	if err == nil {
		return false
	}

	// Check for context cancellation/timeout (not retryable)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	networkErrors := []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"timeout",
		"temporary failure",
		"broken pipe",
	}

	for _, netErr := range networkErrors {
		if strings.Contains(errStr, netErr) {
			return true
		}
	}

	return false
}

// IsType checks if an error is of a specific type anywhere in its chain
func IsType(err error, errorType ErrorType) bool {
	for err != nil {
		var se *ServiceError
		if !errors.As(err, &se) {
			return false
		}
		if se.Type == errorType {
			return true
		}
		err = se.Cause
	}
	return false
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.IsRetryable()
	}
	return isRetryableByDefault(err)
}

// IsFatal reports whether err must abort the whole run: device failures and
// rejected proofs of work.
func IsFatal(err error) bool {
	return IsType(err, ErrorTypeDevice) || IsType(err, ErrorTypeVerification)
}

// GetContext retrieves context from a ServiceError
func GetContext(err error) map[string]any {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Context
	}
	return nil
}
