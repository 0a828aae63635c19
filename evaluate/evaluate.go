package evaluate

import (
	"context"
	"fmt"

	apperrors "github.com/kbukum/flowkit/errors"
	"github.com/kbukum/flowkit/graph"
	"github.com/kbukum/flowkit/pool"
	"github.com/kbukum/flowkit/state"
	"github.com/kbukum/flowkit/store"
)

// Outcome classifies an evaluation.
type Outcome string

const (
	// Ready means dependencies and capacity both allow dispatch now.
	Ready Outcome = "ready"
	// Waiting means the instance cannot run yet but may later: predecessors
	// are still in flight, or capacity is exhausted.
	Waiting Outcome = "waiting"
	// Blocked means the trigger rule can no longer be satisfied. The
	// instance must be forced into Result.ForceState.
	Blocked Outcome = "blocked"
)

// Result is the evaluator's decision for one instance.
type Result struct {
	Outcome Outcome
	// ForceState is the terminal state a Blocked instance is moved to,
	// either upstream_failed or skipped.
	ForceState state.InstanceState
	// Reason is a human-readable explanation for Waiting/Blocked.
	Reason string
}

// Evaluator applies trigger rules and capacity limits.
type Evaluator struct {
	store store.Store
	pools *pool.Pools
}

// New creates an Evaluator.
func New(st store.Store, pools *pool.Pools) *Evaluator {
	return &Evaluator{store: st, pools: pools}
}

// Evaluate decides for one instance. siblings must contain every instance of
// the same run (the caller fetches them once per run). Only instances in
// state none or scheduled are evaluated; anything else is never re-offered.
func (e *Evaluator) Evaluate(ctx context.Context, g *graph.Graph, ti *store.TaskInstance, siblings []*store.TaskInstance) (Result, error) {
	if ti.State != state.InstanceNone && ti.State != state.InstanceScheduled {
		return Result{}, apperrors.Conflict(
			fmt.Sprintf("instance %s is %s, not evaluable", ti.ID, ti.State))
	}

	task, ok := g.Task(ti.TaskID)
	if !ok {
		return Result{}, apperrors.UnknownTask(g.ID(), ti.TaskID)
	}

	res := applyTriggerRule(task.Rule, predecessorStates(g, task, ti, siblings))
	if res.Outcome != Ready {
		return res, nil
	}
	return e.checkCapacity(ctx, g, task, ti)
}

// predecessorStates collects the states the trigger rule is applied to.
// A mapped task joining a predecessor of the same width reads only the
// sibling with its own map index; every other shape is a full fan-in over
// all of the predecessor's instances.
func predecessorStates(g *graph.Graph, task graph.Task, ti *store.TaskInstance, siblings []*store.TaskInstance) []state.InstanceState {
	var states []state.InstanceState
	for _, pred := range g.Predecessors(task.ID) {
		aligned := task.MapWidth > 1 && pred.MapWidth == task.MapWidth
		for _, sib := range siblings {
			if sib.TaskID != pred.ID {
				continue
			}
			if aligned && sib.MapIndex != ti.MapIndex {
				continue
			}
			states = append(states, sib.State)
		}
	}
	return states
}

// stateTally is the multiset of predecessor states a rule is matched against.
type stateTally struct {
	total    int
	success  int
	failed   int // failed, upstream_failed, cancelled
	skipped  int
	terminal int
}

func tally(states []state.InstanceState) stateTally {
	var t stateTally
	t.total = len(states)
	for _, s := range states {
		if s.Terminal() {
			t.terminal++
		}
		switch s {
		case state.InstanceSuccess:
			t.success++
		case state.InstanceFailed, state.InstanceUpstreamFailed, state.InstanceCancelled:
			t.failed++
		case state.InstanceSkipped:
			t.skipped++
		}
	}
	return t
}

// applyTriggerRule is the exhaustive match over the closed rule set.
func applyTriggerRule(rule graph.TriggerRule, states []state.InstanceState) Result {
	t := tally(states)
	allTerminal := t.terminal == t.total

	switch rule {
	case graph.TriggerAllSuccess:
		if t.failed > 0 {
			return blocked(state.InstanceUpstreamFailed, "upstream failed")
		}
		if t.skipped > 0 {
			return blocked(state.InstanceSkipped, "upstream skipped")
		}
		if t.success == t.total {
			return Result{Outcome: Ready}
		}
		return waiting("waiting for upstream")

	case graph.TriggerAllFailed:
		if t.success > 0 || t.skipped > 0 {
			return blocked(state.InstanceSkipped, "an upstream did not fail")
		}
		if t.failed == t.total {
			return Result{Outcome: Ready}
		}
		return waiting("waiting for upstream")

	case graph.TriggerOneSuccess:
		if allTerminal {
			if t.success > 0 {
				return Result{Outcome: Ready}
			}
			if t.failed > 0 {
				return blocked(state.InstanceUpstreamFailed, "no upstream succeeded")
			}
			return blocked(state.InstanceSkipped, "all upstreams skipped")
		}
		return waiting("waiting for upstream")

	case graph.TriggerOneFailed:
		if allTerminal {
			if t.failed > 0 {
				return Result{Outcome: Ready}
			}
			return blocked(state.InstanceSkipped, "no upstream failed")
		}
		return waiting("waiting for upstream")

	case graph.TriggerNoneFailed:
		if t.failed > 0 {
			return blocked(state.InstanceUpstreamFailed, "upstream failed")
		}
		if allTerminal {
			return Result{Outcome: Ready}
		}
		return waiting("waiting for upstream")

	case graph.TriggerAlways:
		// Predecessor instances exist from run creation; state is irrelevant.
		return Result{Outcome: Ready}
	}

	// Unreachable for a validated graph.
	return blocked(state.InstanceUpstreamFailed, "unknown trigger rule "+string(rule))
}

// checkCapacity gates a dependency-ready instance on concurrency ceilings
// and pool slots. Shortfall yields Waiting, never Blocked.
func (e *Evaluator) checkCapacity(ctx context.Context, g *graph.Graph, task graph.Task, ti *store.TaskInstance) (Result, error) {
	if limit := g.Concurrency(); limit > 0 {
		active, err := e.store.CountActiveInstances(ctx, ti.DagID, "")
		if err != nil {
			return Result{}, err
		}
		if active >= limit {
			return waiting(fmt.Sprintf("dag concurrency limit %d reached", limit)), nil
		}
	}

	if limit := task.Concurrency; limit > 0 {
		active, err := e.store.CountActiveInstances(ctx, ti.DagID, ti.TaskID)
		if err != nil {
			return Result{}, err
		}
		if active >= limit {
			return waiting(fmt.Sprintf("task concurrency limit %d reached", limit)), nil
		}
	}

	if e.pools.Free(task.Pool) < 1 {
		return waiting(fmt.Sprintf("no free slots in pool %s", task.Pool)), nil
	}

	return Result{Outcome: Ready}, nil
}

func waiting(reason string) Result {
	return Result{Outcome: Waiting, Reason: reason}
}

func blocked(force state.InstanceState, reason string) Result {
	return Result{Outcome: Blocked, ForceState: force, Reason: reason}
}
