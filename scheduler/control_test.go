package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/kbukum/flowkit/dispatch"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

func TestMarkSuccessUnblocksDownstream(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:    "chain",
		Tasks: []graph.Task{{ID: "first"}, {ID: "second"}},
		Edges: []graph.Edge{{From: "first", To: "second"}},
	})
	// No handler for "first": it can never run. Only "second" can.
	e.succeed("chain", "second")

	ctx := context.Background()
	run, err := e.sched.TriggerRun(ctx, "chain", time.Time{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := e.sched.MarkSuccess(ctx, store.InstanceKey(run.ID, "first", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := e.instanceState(t, run.ID, "first"); got != state.InstanceSuccess {
		t.Fatalf("expected success, got %s", got)
	}

	final := e.settle(t, run.ID, 10)
	if final.State != state.RunSuccess {
		t.Fatalf("expected success, got %s", final.State)
	}
	if got := e.instanceState(t, run.ID, "second"); got != state.InstanceSuccess {
		t.Fatalf("second: expected success, got %s", got)
	}
}

func TestMarkFailedPropagates(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:    "chain",
		Tasks: []graph.Task{{ID: "first", Retries: 5}, {ID: "second"}},
		Edges: []graph.Edge{{From: "first", To: "second"}},
	})

	ctx := context.Background()
	run, err := e.sched.TriggerRun(ctx, "chain", time.Time{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Forcing failed skips the remaining retry budget entirely.
	if _, err := e.sched.MarkFailed(ctx, store.InstanceKey(run.ID, "first", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := e.settle(t, run.ID, 10)
	if final.State != state.RunFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}
	if got := e.instanceState(t, run.ID, "second"); got != state.InstanceUpstreamFailed {
		t.Fatalf("second: expected upstream_failed, got %s", got)
	}
}

func TestMarkTerminalInstanceRejected(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, diamondConfig())
	e.succeed("diamond", "a", "b", "c", "d")

	ctx := context.Background()
	run, err := e.sched.TriggerRun(ctx, "diamond", time.Time{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.settle(t, run.ID, 10)

	if _, err := e.sched.MarkSuccess(ctx, store.InstanceKey(run.ID, "a", 0)); err == nil {
		t.Fatal("expected mark_success on terminal instance to be rejected")
	}
}

func TestClearReopensFinishedRun(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:    "chain",
		Tasks: []graph.Task{{ID: "first"}, {ID: "second"}},
		Edges: []graph.Edge{{From: "first", To: "second"}},
	})
	e.succeed("chain", "second")
	e.fail("chain", "first")

	ctx := context.Background()
	run, err := e.sched.TriggerRun(ctx, "chain", time.Time{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	final := e.settle(t, run.ID, 10)
	if final.State != state.RunFailed {
		t.Fatalf("expected failed, got %s", final.State)
	}

	// The operator fixes "first" and clears both instances.
	e.succeed("chain", "first")
	if _, err := e.sched.Clear(ctx, store.InstanceKey(run.ID, "first", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.sched.Clear(ctx, store.InstanceKey(run.ID, "second", 0)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	reopened, err := e.store.GetRunByID(ctx, run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reopened.State != state.RunRunning {
		t.Fatalf("expected reopened run, got %s", reopened.State)
	}
	ti, _ := e.store.GetInstance(ctx, store.InstanceKey(run.ID, "first", 0))
	if ti.TryNumber != 0 || ti.State != state.InstanceNone {
		t.Fatalf("clear must reset the attempt record: %s try=%d", ti.State, ti.TryNumber)
	}

	final = e.settle(t, run.ID, 10)
	if final.State != state.RunSuccess {
		t.Fatalf("expected success after clear, got %s", final.State)
	}
}

func TestBackfillCreatesMissedRuns(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:       "hourly",
		Schedule: "@every 1h",
		Tasks:    []graph.Task{{ID: "work"}},
	})

	ctx := context.Background()
	start := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Hour)

	created, err := e.sched.Backfill(ctx, "hourly", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 backfill runs, got %d", len(created))
	}
	for i, run := range created {
		if run.RunType != store.RunTypeBackfill {
			t.Fatalf("run %d: expected backfill type, got %s", i, run.RunType)
		}
		want := start.Add(time.Duration(i+1) * time.Hour)
		if !run.LogicalDate.Equal(want) {
			t.Fatalf("run %d: expected logical %s, got %s", i, want, run.LogicalDate)
		}
	}

	// The same window again only fills gaps; everything exists already.
	again, err := e.sched.Backfill(ctx, "hourly", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no new runs, got %d", len(again))
	}

	if _, err := e.sched.Backfill(ctx, "hourly", end, start); err == nil {
		t.Fatal("expected inverted window to be rejected")
	}
}

func TestBackfillRespectsMaxActiveRuns(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:            "throttled",
		Schedule:      "@every 1h",
		MaxActiveRuns: 1,
		Tasks:         []graph.Task{{ID: "work"}},
	})
	release := make(chan struct{})
	e.backend.Register("throttled", "work", func(ctx context.Context, _ dispatch.Job) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	ctx := context.Background()
	created, err := e.sched.Backfill(ctx, "throttled", e.clock, e.clock.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 backfill runs, got %d", len(created))
	}

	// However many ticks pass, only one run may be running at a time.
	for i := 0; i < 3; i++ {
		if err := e.sched.Tick(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	running, err := e.store.ListRuns(ctx, store.RunFilter{
		DagID:  "throttled",
		States: []state.RunState{state.RunRunning},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("expected 1 running run, got %d", len(running))
	}
	if !running[0].LogicalDate.Equal(created[0].LogicalDate) {
		t.Fatalf("oldest run must be admitted first, got %v", running[0].LogicalDate)
	}
	queued, _ := e.store.ListRuns(ctx, store.RunFilter{
		DagID:  "throttled",
		States: []state.RunState{state.RunQueued},
	})
	if len(queued) != 2 {
		t.Fatalf("expected 2 runs held queued, got %d", len(queued))
	}

	// Draining the backlog admits the rest one at a time.
	close(release)
	e.backend.Drain()
	for i := 0; i < 20; i++ {
		if err := e.sched.Tick(ctx); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		e.backend.Drain()
		running, _ = e.store.ListRuns(ctx, store.RunFilter{
			DagID:  "throttled",
			States: []state.RunState{state.RunRunning},
		})
		if len(running) > 1 {
			t.Fatalf("tick %d: %d runs running concurrently", i, len(running))
		}
	}
	runs, _ := e.store.ListRuns(ctx, store.RunFilter{DagID: "throttled"})
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for _, run := range runs {
		if run.State != state.RunSuccess {
			t.Fatalf("run %v: expected success, got %s", run.LogicalDate, run.State)
		}
	}
}

func TestBackfillRequiresSchedule(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:    "manual-only",
		Tasks: []graph.Task{{ID: "work"}},
	})

	start := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	if _, err := e.sched.Backfill(context.Background(), "manual-only", start, start.Add(time.Hour)); err == nil {
		t.Fatal("expected backfill of unscheduled dag to be rejected")
	}
}

func TestCancelRun(t *testing.T) {
	e := newEnv(t, Config{})
	e.load(t, graph.Config{
		ID:    "cancellable",
		Tasks: []graph.Task{{ID: "slow"}},
	})
	release := make(chan struct{})
	e.backend.Register("cancellable", "slow", func(ctx context.Context, _ dispatch.Job) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	ctx := context.Background()
	run, err := e.sched.TriggerRun(ctx, "cancellable", time.Time{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.sched.Tick(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cancelled, err := e.sched.CancelRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.State != state.RunCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.State)
	}
	e.backend.Drain()

	// The terminated try's late report must not resurrect the instance.
	if got := e.instanceState(t, run.ID, "slow"); got != state.InstanceCancelled {
		t.Fatalf("expected cancelled instance, got %s", got)
	}

	if _, err := e.sched.CancelRun(ctx, run.ID); err == nil {
		t.Fatal("expected cancel of terminal run to be rejected")
	}
}
