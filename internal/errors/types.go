package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType classifies an error for propagation policy decisions.
type ErrorType int

const (
	// ErrorTypeFatal - programming or validation errors, never retried
	ErrorTypeFatal ErrorType = iota
	// ErrorTypeExpected - steady-state degraded conditions, handled by fallback
	ErrorTypeExpected
)

// IsolationViolationError reports an operation that attempted to cross user
// boundaries. This is always a programming error and is never retried or
// silently corrected.
type IsolationViolationError struct {
	Operation string
	UserID    string
	OtherID   string
}

func (e *IsolationViolationError) Error() string {
	return fmt.Sprintf("isolation violation in %s: user %q touched state owned by %q", e.Operation, e.UserID, e.OtherID)
}

// ContextValidationError reports an execution context missing required fields.
// It is raised before any state mutation.
type ContextValidationError struct {
	Missing []string
}

func (e *ContextValidationError) Error() string {
	return fmt.Sprintf("execution context missing required fields: %s", strings.Join(e.Missing, ", "))
}

// FactoryError reports that an agent-type factory failed or is unregistered.
// The session is left unmodified when this is returned.
type FactoryError struct {
	AgentType string
	Err       error
}

func (e *FactoryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("no factory registered for agent type %q", e.AgentType)
	}
	return fmt.Sprintf("factory for agent type %q failed: %v", e.AgentType, e.Err)
}

func (e *FactoryError) Unwrap() error {
	return e.Err
}

// CircuitOpenError reports that a dependency is currently circuit-broken.
// Callers should treat it as a retryable/degraded condition, not a hard
// failure.
type CircuitOpenError struct {
	Dependency string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s, retry in %v", e.Dependency, e.RetryAfter.Round(time.Millisecond))
}

// ServiceUnavailableError reports that a wrapped dependency call failed or
// timed out. Occurrences are counted against the circuit breaker.
type ServiceUnavailableError struct {
	Dependency string
	Err        error
	Timeout    bool
}

func (e *ServiceUnavailableError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("call to %s timed out: %v", e.Dependency, e.Err)
	}
	return fmt.Sprintf("call to %s failed: %v", e.Dependency, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Err
}

// IsIsolationViolation checks if an error is a cross-user access violation.
func IsIsolationViolation(err error) bool {
	var target *IsolationViolationError
	return errors.As(err, &target)
}

// IsContextValidation checks if an error is a rejected execution context.
func IsContextValidation(err error) bool {
	var target *ContextValidationError
	return errors.As(err, &target)
}

// IsFactory checks if an error came from an agent factory.
func IsFactory(err error) bool {
	var target *FactoryError
	return errors.As(err, &target)
}

// IsCircuitOpen checks if an error means a dependency is circuit-broken.
func IsCircuitOpen(err error) bool {
	var target *CircuitOpenError
	return errors.As(err, &target)
}

// IsServiceUnavailable checks if an error is a counted dependency failure.
func IsServiceUnavailable(err error) bool {
	var target *ServiceUnavailableError
	return errors.As(err, &target)
}

// GetErrorType classifies an error for the propagation policy: circuit-open
// and service-unavailable conditions are expected steady state and must be
// handled by falling back; everything else is fatal to the operation.
func GetErrorType(err error) ErrorType {
	if IsCircuitOpen(err) || IsServiceUnavailable(err) {
		return ErrorTypeExpected
	}
	return ErrorTypeFatal
}

// As is a passthrough to the standard library so callers never need two
// errors imports.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Helper constructors

// NewIsolationViolation creates an isolation violation error.
func NewIsolationViolation(operation, userID, otherID string) *IsolationViolationError {
	return &IsolationViolationError{Operation: operation, UserID: userID, OtherID: otherID}
}

// NewContextValidation creates a context validation error for missing fields.
func NewContextValidation(missing ...string) *ContextValidationError {
	return &ContextValidationError{Missing: missing}
}

// NewFactoryError wraps a factory failure for an agent type. A nil err means
// the factory was never registered.
func NewFactoryError(agentType string, err error) *FactoryError {
	return &FactoryError{AgentType: agentType, Err: err}
}

// NewCircuitOpen creates a circuit-open error with the remaining cooldown.
func NewCircuitOpen(dependency string, retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{Dependency: dependency, RetryAfter: retryAfter}
}

// NewServiceUnavailable wraps a dependency call failure.
func NewServiceUnavailable(dependency string, err error, timeout bool) *ServiceUnavailableError {
	return &ServiceUnavailableError{Dependency: dependency, Err: err, Timeout: timeout}
}
