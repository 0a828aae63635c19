package errors

// ErrorCode represents a machine-readable error code.
type ErrorCode string

// Graph construction errors (fatal, the DAG is rejected entirely)
const (
	// ErrCodeCycleDetected indicates the task graph contains a dependency cycle.
	ErrCodeCycleDetected ErrorCode = "CYCLE_DETECTED"
	// ErrCodeUnknownTask indicates an edge references a task that does not exist.
	ErrCodeUnknownTask ErrorCode = "UNKNOWN_TASK"
)

// Scheduling errors
const (
	// ErrCodeInvalidTransition indicates a state change from an illegal source
	// state. Recovered: the stale update is discarded, never reapplied.
	ErrCodeInvalidTransition ErrorCode = "INVALID_TRANSITION"
	// ErrCodeRetryExhausted indicates an instance failed after its last try.
	ErrCodeRetryExhausted ErrorCode = "RETRY_EXHAUSTED"
	// ErrCodeBackendUnavailable indicates submission to the execution backend
	// failed before the attempt started. The instance stays scheduled and is
	// retried next tick without consuming its retry budget.
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE"
	// ErrCodeResourceUnavailable indicates no pool slot was free. Retried next tick.
	ErrCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"
)

// Resource errors
const (
	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeAlreadyExists indicates the resource already exists.
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	// ErrCodeConflict indicates a conflict with the current state of the resource.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// Validation errors
const (
	// ErrCodeInvalidInput indicates the input is invalid.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrCodeMissingField indicates a required field is missing.
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"
)

// Internal errors
const (
	// ErrCodeInternal indicates an internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	// ErrCodeStoreError indicates a state store error.
	ErrCodeStoreError ErrorCode = "STORE_ERROR"
)

var retryableCodes = map[ErrorCode]bool{
	ErrCodeBackendUnavailable:  true,
	ErrCodeResourceUnavailable: true,
	ErrCodeStoreError:          true,
}

// IsRetryableCode returns true if the error code indicates a retryable error.
func IsRetryableCode(code ErrorCode) bool {
	return retryableCodes[code]
}
