package store

import (
	"context"
	"time"

	"github.com/kbukum/flowkit/state"
)

// Store is the durable record of runs and instances.
//
// SetRunState and SetInstanceState are compare-and-set operations: the write
// applies only when the stored state still equals expect AND the transition
// table in package state allows expect -> next. A mismatch returns an
// INVALID_TRANSITION error and leaves the row untouched; callers discard the
// stale update and continue.
type Store interface {
	// CreateRun persists a run together with its expanded task instances.
	// Fails with ALREADY_EXISTS if (DagID, LogicalDate) is taken.
	CreateRun(ctx context.Context, run *DagRun, instances []*TaskInstance) error

	// GetRun fetches a run by DAG id and logical date.
	GetRun(ctx context.Context, dagID string, logicalDate time.Time) (*DagRun, error)

	// GetRunByID fetches a run by its id.
	GetRunByID(ctx context.Context, id string) (*DagRun, error)

	// ListRuns returns runs matching the filter, oldest logical date first.
	ListRuns(ctx context.Context, f RunFilter) ([]*DagRun, error)

	// CountActiveRuns counts non-terminal runs for a DAG.
	CountActiveRuns(ctx context.Context, dagID string) (int, error)

	// LatestLogicalDate returns the most recent logical date a run exists
	// for, or ok=false when the DAG has no runs yet.
	LatestLogicalDate(ctx context.Context, dagID string) (time.Time, bool, error)

	// SetRunState transitions a run. Start/end timestamps are maintained by
	// the store: entering running sets StartDate, entering a terminal state
	// sets EndDate.
	SetRunState(ctx context.Context, id string, expect, next state.RunState) (*DagRun, error)

	// GetInstance fetches an instance by its key.
	GetInstance(ctx context.Context, id string) (*TaskInstance, error)

	// ListInstances returns instances matching the filter, ordered by
	// (TaskID, MapIndex).
	ListInstances(ctx context.Context, f InstanceFilter) ([]*TaskInstance, error)

	// CountActiveInstances counts queued/running instances for a task across
	// all runs of a DAG. An empty taskID counts the whole DAG.
	CountActiveInstances(ctx context.Context, dagID, taskID string) (int, error)

	// SetInstanceState transitions an instance, applying upd atomically.
	// Timestamps are maintained by the store: entering queued sets QueuedAt,
	// running sets StartDate, a terminal state sets EndDate, and a reset to
	// none clears all attempt fields.
	SetInstanceState(ctx context.Context, id string, expect, next state.InstanceState, upd InstanceUpdate) (*TaskInstance, error)

	// ForceInstanceState sets an instance state without consulting the
	// transition table. Operator override (mark_success, mark_failed);
	// timestamps are maintained the same way SetInstanceState does.
	ForceInstanceState(ctx context.Context, id string, next state.InstanceState) (*TaskInstance, error)

	// ForceRunState sets a run state without consulting the transition
	// table. Forcing running clears EndDate so a finished run reopens.
	ForceRunState(ctx context.Context, id string, next state.RunState) (*DagRun, error)
}

// applyInstanceTimestamps maintains the bookkeeping fields shared by both
// store implementations. Must be called after the state field is set.
func applyInstanceTimestamps(ti *TaskInstance, next state.InstanceState, upd InstanceUpdate, now time.Time) {
	if upd.IncrementTry {
		ti.TryNumber++
	}
	ti.NextRetryAt = upd.NextRetryAt

	switch {
	case next == state.InstanceQueued:
		ti.QueuedAt = &now
	case next == state.InstanceRunning:
		ti.StartDate = &now
	case next.Terminal():
		ti.EndDate = &now
	case next == state.InstanceNone:
		ti.TryNumber = 0
		ti.QueuedAt = nil
		ti.StartDate = nil
		ti.EndDate = nil
		ti.NextRetryAt = nil
	}
}
