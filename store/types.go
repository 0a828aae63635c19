package store

import (
	"fmt"
	"time"

	"github.com/kbukum/flowkit/state"
)

// RunType records how a DagRun came to exist.
type RunType string

const (
	RunTypeScheduled RunType = "scheduled"
	RunTypeManual    RunType = "manual"
	RunTypeBackfill  RunType = "backfill"
)

// DagRun is one instantiation of a DAG for a logical schedule interval.
// (DagID, LogicalDate) is unique.
type DagRun struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	DagID        string         `gorm:"index:idx_dag_logical,unique;index"`
	LogicalDate  time.Time      `gorm:"index:idx_dag_logical,unique"`
	State        state.RunState `gorm:"index"`
	RunType      RunType
	GraphVersion string
	Conf         map[string]any `gorm:"serializer:json"`
	StartDate    *time.Time
	EndDate      *time.Time
	CreatedAt    time.Time `gorm:"autoCreateTime"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TaskInstance is one attempt-tracking record for a (DagRun, Task, MapIndex)
// triple. TryNumber never exceeds MaxTries.
type TaskInstance struct {
	ID          string `gorm:"primaryKey"`
	RunID       string `gorm:"index"`
	DagID       string `gorm:"index"`
	TaskID      string `gorm:"index"`
	MapIndex    int
	State       state.InstanceState `gorm:"index"`
	TryNumber   int
	MaxTries    int
	Pool        string
	QueuedAt    *time.Time
	StartDate   *time.Time
	EndDate     *time.Time
	NextRetryAt *time.Time
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// InstanceKey builds the stable identifier for a task instance.
func InstanceKey(runID, taskID string, mapIndex int) string {
	return fmt.Sprintf("%s/%s/%d", runID, taskID, mapIndex)
}

// RunFilter selects DagRuns. Results are ordered by LogicalDate ascending
// (oldest first) to avoid starvation of old work.
type RunFilter struct {
	DagID  string
	States []state.RunState
	// Since/Until bound LogicalDate (inclusive since, exclusive until).
	Since *time.Time
	Until *time.Time
	// Limit bounds the batch (0 = no limit).
	Limit int
}

// InstanceFilter selects TaskInstances.
type InstanceFilter struct {
	RunID  string
	DagID  string
	TaskID string
	States []state.InstanceState
}

// InstanceUpdate carries side fields applied atomically with a state change.
type InstanceUpdate struct {
	// IncrementTry bumps TryNumber with the transition (used on dispatch).
	IncrementTry bool
	// NextRetryAt schedules re-eligibility for up_for_retry instances.
	NextRetryAt *time.Time
}
