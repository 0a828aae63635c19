package store

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/state"
)

func seedRun(t *testing.T, s *MemoryStore, runID, dagID string, logical time.Time, tasks ...string) {
	t.Helper()
	run := &DagRun{
		ID: runID, DagID: dagID, LogicalDate: logical,
		State: state.RunQueued, RunType: RunTypeScheduled,
	}
	var tis []*TaskInstance
	for _, task := range tasks {
		tis = append(tis, &TaskInstance{
			ID: InstanceKey(runID, task, 0), RunID: runID, DagID: dagID,
			TaskID: task, State: state.InstanceNone, MaxTries: 3, Pool: "default",
		})
	}
	if err := s.CreateRun(context.Background(), run, tis); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCreateRun_DuplicateLogicalDate(t *testing.T) {
	s := NewMemoryStore()
	logical := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, s, "r1", "etl", logical, "a")

	err := s.CreateRun(context.Background(), &DagRun{ID: "r2", DagID: "etl", LogicalDate: logical, State: state.RunQueued}, nil)
	if !apperrors.IsCode(err, apperrors.ErrCodeAlreadyExists) {
		t.Fatalf("expected ALREADY_EXISTS, got %v", err)
	}
}

func TestGetRun_ByLogicalDate(t *testing.T) {
	s := NewMemoryStore()
	logical := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, s, "r1", "etl", logical, "a")

	run, err := s.GetRun(context.Background(), "etl", logical)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.ID != "r1" {
		t.Fatalf("expected r1, got %s", run.ID)
	}

	if _, err := s.GetRun(context.Background(), "etl", logical.Add(time.Hour)); !apperrors.IsCode(err, apperrors.ErrCodeNotFound) {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestListRuns_OldestFirstAndFiltered(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, s, "r3", "etl", base.Add(2*time.Hour), "a")
	seedRun(t, s, "r1", "etl", base, "a")
	seedRun(t, s, "r2", "etl", base.Add(time.Hour), "a")
	seedRun(t, s, "x1", "other", base, "a")

	runs, err := s.ListRuns(context.Background(), RunFilter{DagID: "etl"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"r1", "r2", "r3"} {
		if runs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, runs[i].ID)
		}
	}

	runs, err = s.ListRuns(context.Background(), RunFilter{DagID: "etl", Limit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 2 || runs[1].ID != "r2" {
		t.Fatalf("limit not applied oldest first: %+v", runs)
	}

	until := base.Add(time.Hour)
	runs, err = s.ListRuns(context.Background(), RunFilter{DagID: "etl", Since: &base, Until: &until})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r1" {
		t.Fatalf("window filter wrong: %+v", runs)
	}
}

func TestSetRunState_CASAndTimestamps(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	seedRun(t, s, "r1", "etl", clock, "a")

	ctx := context.Background()
	run, err := s.SetRunState(ctx, "r1", state.RunQueued, state.RunRunning)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.StartDate == nil || !run.StartDate.Equal(clock) {
		t.Fatalf("StartDate not set on running: %+v", run.StartDate)
	}

	// Stale expect: the run already moved on.
	if _, err := s.SetRunState(ctx, "r1", state.RunQueued, state.RunFailed); !apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}

	clock = clock.Add(time.Minute)
	run, err = s.SetRunState(ctx, "r1", state.RunRunning, state.RunSuccess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.EndDate == nil || !run.EndDate.Equal(clock) {
		t.Fatalf("EndDate not set on terminal: %+v", run.EndDate)
	}
}

func TestSetInstanceState_CASDiscardsStaleWriter(t *testing.T) {
	s := NewMemoryStore()
	seedRun(t, s, "r1", "etl", time.Now().UTC(), "a")
	ctx := context.Background()
	id := InstanceKey("r1", "a", 0)

	if _, err := s.SetInstanceState(ctx, id, state.InstanceNone, state.InstanceScheduled, InstanceUpdate{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.SetInstanceState(ctx, id, state.InstanceScheduled, state.InstanceQueued, InstanceUpdate{IncrementTry: true}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A second writer still holding expect=scheduled loses.
	_, err := s.SetInstanceState(ctx, id, state.InstanceScheduled, state.InstanceQueued, InstanceUpdate{IncrementTry: true})
	if !apperrors.IsCode(err, apperrors.ErrCodeInvalidTransition) {
		t.Fatalf("expected INVALID_TRANSITION, got %v", err)
	}

	ti, err := s.GetInstance(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ti.TryNumber != 1 {
		t.Fatalf("stale writer must not double-increment: try=%d", ti.TryNumber)
	}
}

func TestSetInstanceState_Timestamps(t *testing.T) {
	s := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return clock })
	seedRun(t, s, "r1", "etl", clock, "a")
	ctx := context.Background()
	id := InstanceKey("r1", "a", 0)

	steps := []struct {
		expect, next state.InstanceState
		upd          InstanceUpdate
	}{
		{state.InstanceNone, state.InstanceScheduled, InstanceUpdate{}},
		{state.InstanceScheduled, state.InstanceQueued, InstanceUpdate{IncrementTry: true}},
		{state.InstanceQueued, state.InstanceRunning, InstanceUpdate{}},
		{state.InstanceRunning, state.InstanceSuccess, InstanceUpdate{}},
	}
	var ti *TaskInstance
	var err error
	for _, st := range steps {
		clock = clock.Add(time.Second)
		ti, err = s.SetInstanceState(ctx, id, st.expect, st.next, st.upd)
		if err != nil {
			t.Fatalf("%s -> %s: unexpected error: %v", st.expect, st.next, err)
		}
	}
	if ti.QueuedAt == nil || ti.StartDate == nil || ti.EndDate == nil {
		t.Fatalf("timestamps missing: %+v", ti)
	}
	if !ti.StartDate.After(*ti.QueuedAt) || !ti.EndDate.After(*ti.StartDate) {
		t.Fatal("timestamps out of order")
	}
	if ti.TryNumber != 1 {
		t.Fatalf("expected try 1, got %d", ti.TryNumber)
	}

	// Clear resets attempt bookkeeping.
	ti, err = s.SetInstanceState(ctx, id, state.InstanceSuccess, state.InstanceNone, InstanceUpdate{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ti.TryNumber != 0 || ti.QueuedAt != nil || ti.StartDate != nil || ti.EndDate != nil || ti.NextRetryAt != nil {
		t.Fatalf("clear did not reset fields: %+v", ti)
	}
}

func TestCountActiveInstances(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, s, "r1", "etl", base, "a", "b")
	seedRun(t, s, "r2", "etl", base.Add(time.Hour), "a", "b")
	ctx := context.Background()

	advance := func(runID, task string, to ...state.InstanceState) {
		id := InstanceKey(runID, task, 0)
		from := state.InstanceNone
		for _, next := range to {
			if _, err := s.SetInstanceState(ctx, id, from, next, InstanceUpdate{}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			from = next
		}
	}
	advance("r1", "a", state.InstanceScheduled, state.InstanceQueued)
	advance("r2", "a", state.InstanceScheduled, state.InstanceQueued, state.InstanceRunning)
	advance("r1", "b", state.InstanceScheduled)

	n, err := s.CountActiveInstances(ctx, "etl", "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 active for task a, got %d", n)
	}
	n, err = s.CountActiveInstances(ctx, "etl", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 active for dag, got %d", n)
	}
}

func TestLatestLogicalDate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := s.LatestLogicalDate(ctx, "etl"); err != nil || ok {
		t.Fatalf("expected no runs, got ok=%v err=%v", ok, err)
	}

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedRun(t, s, "r1", "etl", base, "a")
	seedRun(t, s, "r2", "etl", base.Add(time.Hour), "a")

	latest, ok, err := s.LatestLogicalDate(ctx, "etl")
	if err != nil || !ok {
		t.Fatalf("expected a latest date, got ok=%v err=%v", ok, err)
	}
	if !latest.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected %v, got %v", base.Add(time.Hour), latest)
	}
}
