package state

// RunState is the lifecycle state of a DagRun.
type RunState string

const (
	RunQueued    RunState = "queued"
	RunRunning   RunState = "running"
	RunSuccess   RunState = "success"
	RunFailed    RunState = "failed"
	RunCancelled RunState = "cancelled"
)

// Terminal reports whether no further transitions are allowed for the run.
func (s RunState) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// InstanceState is the lifecycle state of a TaskInstance.
type InstanceState string

const (
	InstanceNone           InstanceState = "none"
	InstanceScheduled      InstanceState = "scheduled"
	InstanceQueued         InstanceState = "queued"
	InstanceRunning        InstanceState = "running"
	InstanceSuccess        InstanceState = "success"
	InstanceFailed         InstanceState = "failed"
	InstanceUpstreamFailed InstanceState = "upstream_failed"
	InstanceSkipped        InstanceState = "skipped"
	InstanceUpForRetry     InstanceState = "up_for_retry"
	InstanceCancelled      InstanceState = "cancelled"
)

// Terminal reports whether the instance has reached a final state.
func (s InstanceState) Terminal() bool {
	switch s {
	case InstanceSuccess, InstanceFailed, InstanceUpstreamFailed, InstanceSkipped, InstanceCancelled:
		return true
	}
	return false
}

// Active reports whether the instance currently occupies execution capacity.
// Active instances count against concurrency limits and pool slots and are
// never re-offered by the evaluator.
func (s InstanceState) Active() bool {
	return s == InstanceQueued || s == InstanceRunning
}

// instanceSources maps a target state to the set of states it may be
// entered from. InstanceNone is absent on purpose: clearing an instance is
// an operator command allowed from any state. Queued may fall back to
// scheduled when the backend rejects a submission.
var instanceSources = map[InstanceState][]InstanceState{
	InstanceScheduled:      {InstanceNone, InstanceUpForRetry, InstanceQueued},
	InstanceQueued:         {InstanceScheduled},
	InstanceRunning:        {InstanceQueued},
	InstanceSuccess:        {InstanceRunning},
	InstanceFailed:         {InstanceQueued, InstanceRunning},
	InstanceUpForRetry:     {InstanceRunning},
	InstanceUpstreamFailed: {InstanceNone, InstanceScheduled},
	InstanceSkipped:        {InstanceNone, InstanceScheduled},
	InstanceCancelled:      {InstanceNone, InstanceScheduled, InstanceQueued, InstanceRunning, InstanceUpForRetry},
}

// CanTransition reports whether an instance may move from one state to
// another. A transition to InstanceNone (clear) is always allowed.
func CanTransition(from, to InstanceState) bool {
	if to == InstanceNone {
		return true
	}
	for _, src := range instanceSources[to] {
		if src == from {
			return true
		}
	}
	return false
}

var runSources = map[RunState][]RunState{
	RunRunning:   {RunQueued},
	RunSuccess:   {RunRunning},
	RunFailed:    {RunQueued, RunRunning},
	RunCancelled: {RunQueued, RunRunning},
}

// CanTransitionRun reports whether a run may move from one state to another.
func CanTransitionRun(from, to RunState) bool {
	for _, src := range runSources[to] {
		if src == from {
			return true
		}
	}
	return false
}
