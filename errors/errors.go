// Package errors provides the error taxonomy shared by all fleetstream
// components. Errors are classified so callers can decide between retry,
// dead-letter, and synchronous rejection without string matching.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorMalformed represents structurally invalid input that can never
	// succeed on retry
	ErrorMalformed
	// ErrorUnauthorized represents an unknown or revoked credential
	ErrorUnauthorized
	// ErrorForbidden represents a policy denial for an authenticated device
	ErrorForbidden
	// ErrorTerminal represents an exhausted retry budget; the message is
	// dead-lettered, never silently dropped
	ErrorTerminal
	// ErrorAlreadyClaimed represents a provisioning idempotency violation
	ErrorAlreadyClaimed
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorMalformed:
		return "malformed"
	case ErrorUnauthorized:
		return "unauthorized"
	case ErrorForbidden:
		return "forbidden"
	case ErrorTerminal:
		return "terminal"
	case ErrorAlreadyClaimed:
		return "already_claimed"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Identity and authorization errors
	ErrUnknownCredential = errors.New("unknown credential")
	ErrCredentialRevoked = errors.New("credential revoked")
	ErrDeviceNotActive   = errors.New("device not active")
	ErrDeviceNotFound    = errors.New("device not found")
	ErrPolicyNotFound    = errors.New("policy not found")
	ErrPolicyDenied      = errors.New("policy denies action on topic")
	ErrPolicyInUse       = errors.New("policy referenced by active device")

	// Provisioning errors
	ErrClaimNotFound = errors.New("claim not found")
	ErrClaimReplayed = errors.New("claim already claimed")

	// Rule engine errors
	ErrUnknownSink     = errors.New("rule references unknown sink")
	ErrBadTopicPattern = errors.New("invalid topic pattern")
	ErrBadPredicate    = errors.New("invalid predicate expression")
	ErrDuplicateRule   = errors.New("duplicate rule id")

	// Delivery errors
	ErrSinkUnavailable    = errors.New("sink temporarily unavailable")
	ErrDeliveryTimeout    = errors.New("delivery deadline exceeded")
	ErrRetryBudgetSpent   = errors.New("retry budget exhausted")
	ErrQueueSaturated     = errors.New("delivery queue saturated")
	ErrPayloadUndecodable = errors.New("payload cannot be decoded")

	// Admission control errors
	ErrAdmissionTimeout = errors.New("admission wait timed out")
	ErrRateLimited      = errors.New("publish rate limit exceeded")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// classOf returns the classification of err, and whether one was found
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	return errors.Is(err, ErrSinkUnavailable) ||
		errors.Is(err, ErrDeliveryTimeout) ||
		errors.Is(err, ErrQueueSaturated) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

// IsMalformed checks if an error indicates undecodable input.
// Malformed messages are dead-lettered, never retried.
func IsMalformed(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorMalformed
	}
	return errors.Is(err, ErrPayloadUndecodable)
}

// IsUnauthorized checks if an error indicates an unknown or revoked credential
func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorUnauthorized
	}
	return errors.Is(err, ErrUnknownCredential) ||
		errors.Is(err, ErrCredentialRevoked) ||
		errors.Is(err, ErrDeviceNotActive)
}

// IsForbidden checks if an error indicates a policy denial
func IsForbidden(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorForbidden
	}
	return errors.Is(err, ErrPolicyDenied)
}

// IsTerminal checks if an error indicates an exhausted retry budget
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTerminal
	}
	return errors.Is(err, ErrRetryBudgetSpent)
}

// IsAlreadyClaimed checks if an error indicates a replayed provisioning claim
func IsAlreadyClaimed(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorAlreadyClaimed
	}
	return errors.Is(err, ErrClaimReplayed)
}

// Classify returns the error class for an error. Unknown errors default to
// transient so the retry machinery gets a chance before dead-lettering.
func Classify(err error) ErrorClass {
	if class, ok := classOf(err); ok {
		return class
	}
	switch {
	case IsUnauthorized(err):
		return ErrorUnauthorized
	case IsForbidden(err):
		return ErrorForbidden
	case IsMalformed(err):
		return ErrorMalformed
	case IsTerminal(err):
		return ErrorTerminal
	case IsAlreadyClaimed(err):
		return ErrorAlreadyClaimed
	default:
		return ErrorTransient
	}
}

// newClassified creates a new classified error.
// Internal helper - use the Wrap* functions instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(class, wrappedErr, component, method, wrappedErr.Error())
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapMalformed wraps an error as malformed with context
func WrapMalformed(err error, component, method, action string) error {
	return wrapAs(ErrorMalformed, err, component, method, action)
}

// WrapUnauthorized wraps an error as unauthorized with context
func WrapUnauthorized(err error, component, method, action string) error {
	return wrapAs(ErrorUnauthorized, err, component, method, action)
}

// WrapForbidden wraps an error as forbidden with context
func WrapForbidden(err error, component, method, action string) error {
	return wrapAs(ErrorForbidden, err, component, method, action)
}

// WrapTerminal wraps an error as terminal with context
func WrapTerminal(err error, component, method, action string) error {
	return wrapAs(ErrorTerminal, err, component, method, action)
}

// WrapAlreadyClaimed wraps an error as a claim idempotency violation
func WrapAlreadyClaimed(err error, component, method, action string) error {
	return wrapAs(ErrorAlreadyClaimed, err, component, method, action)
}
