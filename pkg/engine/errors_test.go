package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	transient := NewTransientError("provider timed out", nil)
	throttled := NewThrottledError("rate limited", nil)
	conflict := NewConflictError("stale version", nil)
	permanent := NewPermanentError("bad payload", nil)

	if !IsTransient(transient) || IsTransient(permanent) {
		t.Error("IsTransient misclassified")
	}
	if !IsThrottled(throttled) || IsThrottled(transient) {
		t.Error("IsThrottled misclassified")
	}
	if !IsConflict(conflict) || IsConflict(transient) {
		t.Error("IsConflict misclassified")
	}
	if !IsRetryable(transient) || !IsRetryable(throttled) {
		t.Error("transient and throttled errors should be retryable")
	}
	if IsRetryable(conflict) {
		t.Error("conflicts are retried by the registry caller, not the executor")
	}
	if IsRetryable(permanent) {
		t.Error("permanent errors must not be retried")
	}
}

func TestErrorClassificationThroughWrapping(t *testing.T) {
	inner := NewTransientError("connection reset", errors.New("ECONNRESET"))
	wrapped := fmt.Errorf("invoking provider: %w", inner)

	if !IsTransient(wrapped) {
		t.Error("classification should survive fmt.Errorf wrapping")
	}
	if !IsRetryable(wrapped) {
		t.Error("wrapped transient error should stay retryable")
	}
}

func TestHasCode(t *testing.T) {
	err := NewPermanentError("action refused", nil).WithCode(ErrCodePolicyDenied)

	if !HasCode(err, ErrCodePolicyDenied) {
		t.Error("expected POLICY_DENIED code")
	}
	if HasCode(err, ErrCodeValidation) {
		t.Error("unexpected VALIDATION_ERROR code")
	}
	if !IsPolicyDenied(err) {
		t.Error("IsPolicyDenied should match the code")
	}
	if HasCode(errors.New("plain"), ErrCodePolicyDenied) {
		t.Error("plain errors carry no code")
	}
}

func TestConflictErrorCarriesVersionConflictCode(t *testing.T) {
	err := NewConflictError("stale version", nil)
	if !HasCode(err, ErrCodeVersionConflict) {
		t.Error("conflict errors should carry VERSION_CONFLICT")
	}
}

func TestErrorIsMatchesClassAndCode(t *testing.T) {
	err := NewPermanentError("run missing", nil).WithCode(ErrCodeNotFound).WithRun("run-1")
	target := NewPermanentError("anything", nil).WithCode(ErrCodeNotFound)

	if !errors.Is(err, target) {
		t.Error("errors with same class and code should match via errors.Is")
	}

	other := NewPermanentError("anything", nil).WithCode(ErrCodeValidation)
	if errors.Is(err, other) {
		t.Error("errors with different codes must not match")
	}
}

func TestErrorMessageIncludesContext(t *testing.T) {
	err := NewTransientError("call failed", errors.New("dial tcp: refused")).
		WithRun("run-42").
		WithStep("step-7").
		WithOperation("invoke")

	msg := err.Error()
	if !strings.Contains(msg, "transient") {
		t.Errorf("message should name the class: %s", msg)
	}
	if !strings.Contains(msg, "run-42") {
		t.Errorf("message should name the run: %s", msg)
	}
	if !strings.Contains(msg, "dial tcp") {
		t.Errorf("message should include the cause: %s", msg)
	}
	if err.StepID != "step-7" || err.Operation != "invoke" {
		t.Error("context builders should populate the error fields")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := NewPermanentError("write failed", cause)

	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the underlying cause")
	}
}

func TestWithDetail(t *testing.T) {
	err := NewPermanentError("denied", nil).
		WithDetail("rule", "prod-freeze").
		WithDetail("resource", "env:prod")

	if err.Details["rule"] != "prod-freeze" {
		t.Errorf("expected rule detail, got %v", err.Details["rule"])
	}
	if len(err.Details) != 2 {
		t.Errorf("expected 2 details, got %d", len(err.Details))
	}
}
