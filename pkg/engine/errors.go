package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: provider timeouts, 5xx-class responses, transient network errors.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried with a longer backoff than plain transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates an optimistic-concurrency conflict.
	// The caller must re-read current state and retry the operation.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: validation failures, policy denials, illegal transitions.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error represents a classified harness error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// RunID is the run involved, if applicable.
	RunID string `json:"run_id,omitempty"`

	// StepID is the step involved, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.RunID != "" {
		return fmt.Sprintf("[%s] %s (run=%s): %s", e.Class, e.Message, e.RunID, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality for errors.Is: two harness errors are equal
// when class and code match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *Error {
	return &Error{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *Error {
	return &Error{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new optimistic-concurrency conflict error.
func NewConflictError(message string, err error) *Error {
	return &Error{Class: ErrorClassConflict, Message: message, Code: ErrCodeVersionConflict, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *Error {
	return &Error{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithRun adds run context.
func (e *Error) WithRun(runID string) *Error {
	e.RunID = runID
	return e
}

// WithStep adds step context.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error codes covering the harness error taxonomy.
const (
	// ErrCodeValidation marks a malformed submission, rejected before any
	// state change.
	ErrCodeValidation = "VALIDATION_ERROR"

	// ErrCodeInvalidTransition marks an attempted state-machine transition
	// not present in the transition table, or one presented with a wrong
	// expected-from state. Never coerced, always surfaced.
	ErrCodeInvalidTransition = "INVALID_TRANSITION"

	// ErrCodePolicyDenied marks a policy refusal. Always recorded in the
	// audit trail together with the matched rule.
	ErrCodePolicyDenied = "POLICY_DENIED"

	// ErrCodeProviderFailure marks a retryable provider failure driving
	// backoff and the circuit breaker.
	ErrCodeProviderFailure = "PROVIDER_FAILURE"

	// ErrCodeDeadLettered marks a step that exhausted its attempt budget.
	ErrCodeDeadLettered = "DEAD_LETTERED"

	// ErrCodeAuditIntegrity marks a broken audit hash chain. Fatal
	// system-level alarm; never auto-repaired.
	ErrCodeAuditIntegrity = "AUDIT_INTEGRITY_ERROR"

	// ErrCodeVersionConflict marks a stale-version transition attempt; the
	// caller retries against current state.
	ErrCodeVersionConflict = "VERSION_CONFLICT"

	// ErrCodeAlreadyDecided marks a duplicate approval decision; the prior
	// decision stands.
	ErrCodeAlreadyDecided = "ALREADY_DECIDED"

	// ErrCodeUnauthenticated marks a credential the identity resolver could
	// not positively verify.
	ErrCodeUnauthenticated = "UNAUTHENTICATED"

	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeTimeout  = "TIMEOUT"
	ErrCodeInternal = "INTERNAL_ERROR"
)

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is an optimistic-concurrency conflict.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsRetryable returns true if the error can be retried by the executor.
// Transient and throttled failures are retryable; conflicts are retried by
// the registry caller, not the executor.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// HasCode reports whether err carries the given harness error code.
func HasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsInvalidTransition returns true for state-machine protocol violations.
func IsInvalidTransition(err error) bool { return HasCode(err, ErrCodeInvalidTransition) }

// IsPolicyDenied returns true for policy refusals.
func IsPolicyDenied(err error) bool { return HasCode(err, ErrCodePolicyDenied) }

// IsValidation returns true for malformed submissions.
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }

// IsNotFound returns true for missing entities.
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

// IsAuditIntegrity returns true for broken audit chains.
func IsAuditIntegrity(err error) bool { return HasCode(err, ErrCodeAuditIntegrity) }

// IsUnauthenticated returns true for rejected credentials.
func IsUnauthenticated(err error) bool { return HasCode(err, ErrCodeUnauthenticated) }
