package logger

import "time"

// Standard field key constants for structured logging.
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldOperation   = "operation"
	FieldStatus      = "status"
	FieldError       = "error"
	FieldDuration    = "duration_ms"
	FieldDagID       = "dag_id"
	FieldRunID       = "run_id"
	FieldTaskID      = "task_id"
	FieldInstanceID  = "instance_id"
	FieldMapIndex    = "map_index"
	FieldTryNumber   = "try_number"
	FieldPool        = "pool"
	FieldLogicalDate = "logical_date"
	FieldState       = "state"
)

// Fields builds a map[string]interface{} from alternating key-value pairs.
//
//	logger.Info("dispatched", logger.Fields(logger.FieldTaskID, "load", logger.FieldTryNumber, 2))
func Fields(kvs ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kvs)/2)
	for i := 0; i < len(kvs)-1; i += 2 {
		if key, ok := kvs[i].(string); ok {
			m[key] = kvs[i+1]
		}
	}
	return m
}

// ErrorFields creates fields for an operation that failed.
func ErrorFields(op string, err error) map[string]interface{} {
	return map[string]interface{}{
		FieldOperation: op,
		FieldError:     err.Error(),
	}
}

// DurationFields creates fields for a timed operation.
func DurationFields(op string, d time.Duration) map[string]interface{} {
	return map[string]interface{}{
		FieldOperation: op,
		FieldDuration:  d.Milliseconds(),
	}
}

// InstanceFields creates the identifying fields for a task instance.
func InstanceFields(dagID, runID, taskID string, mapIndex int) map[string]interface{} {
	return map[string]interface{}{
		FieldDagID:    dagID,
		FieldRunID:    runID,
		FieldTaskID:   taskID,
		FieldMapIndex: mapIndex,
	}
}
