package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	err := Conflict("run already terminal")
	if got := err.Error(); got != "CONFLICT: run already terminal" {
		t.Fatalf("unexpected message: %q", got)
	}

	withCause := StoreError(fmt.Errorf("disk full"))
	if got := withCause.Error(); got != "STORE_ERROR: A state store error occurred. Please try again. (cause: disk full)" {
		t.Fatalf("unexpected message with cause: %q", got)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := BackendUnavailable(cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected errors.Is to find cause")
	}
}

func TestCycleDetected(t *testing.T) {
	err := CycleDetected("etl", []string{"a", "b", "a"})
	if err.Code != ErrCodeCycleDetected {
		t.Fatalf("expected CYCLE_DETECTED, got %s", err.Code)
	}
	if err.Retryable {
		t.Fatal("cycle errors must not be retryable")
	}
	if err.HTTPStatus != http.StatusUnprocessableEntity {
		t.Fatalf("unexpected status %d", err.HTTPStatus)
	}
	if err.Details["dag_id"] != "etl" {
		t.Fatalf("expected dag_id detail, got %v", err.Details)
	}
}

func TestInvalidTransition(t *testing.T) {
	err := InvalidTransition("failed", "success")
	if err.Code != ErrCodeInvalidTransition {
		t.Fatalf("expected INVALID_TRANSITION, got %s", err.Code)
	}
	if err.Details["from"] != "failed" || err.Details["to"] != "success" {
		t.Fatalf("unexpected details: %v", err.Details)
	}
}

func TestRetryableCodes(t *testing.T) {
	cases := []struct {
		code ErrorCode
		want bool
	}{
		{ErrCodeBackendUnavailable, true},
		{ErrCodeResourceUnavailable, true},
		{ErrCodeStoreError, true},
		{ErrCodeRetryExhausted, false},
		{ErrCodeCycleDetected, false},
		{ErrCodeInvalidTransition, false},
	}
	for _, tc := range cases {
		if got := IsRetryableCode(tc.code); got != tc.want {
			t.Fatalf("IsRetryableCode(%s) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestAsAppError(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", ResourceUnavailable("default"))
	appErr, ok := AsAppError(wrapped)
	if !ok {
		t.Fatal("expected AsAppError to unwrap")
	}
	if appErr.Code != ErrCodeResourceUnavailable {
		t.Fatalf("unexpected code %s", appErr.Code)
	}

	if _, ok := AsAppError(fmt.Errorf("plain")); ok {
		t.Fatal("plain error must not convert")
	}
}

func TestIsCode(t *testing.T) {
	err := NotFound("dag_run", "etl/2026-01-01")
	if !IsCode(err, ErrCodeNotFound) {
		t.Fatal("expected IsCode match")
	}
	if IsCode(err, ErrCodeConflict) {
		t.Fatal("unexpected IsCode match")
	}
}

func TestToResponse(t *testing.T) {
	resp := NotFound("dag", "etl").ToResponse()
	if resp.Error.Code != ErrCodeNotFound {
		t.Fatalf("unexpected code %s", resp.Error.Code)
	}
	if resp.Error.Details["resource"] != "dag" {
		t.Fatalf("unexpected details %v", resp.Error.Details)
	}
}
