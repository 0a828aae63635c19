package graph

import "time"

// DefaultPool is the pool tasks run in when none is configured.
const DefaultPool = "default"

// Task is one node of a Graph. Owned by its Graph; never mutated after load.
type Task struct {
	// ID is unique within the graph.
	ID string
	// Rule decides readiness from predecessor states.
	Rule TriggerRule
	// Retries is the number of retries after the first failed try.
	// MaxTries for an instance is Retries+1.
	Retries int
	// RetryDelay is the base delay before the first retry.
	RetryDelay time.Duration
	// BackoffFactor multiplies the delay per retry (exponential).
	BackoffFactor float64
	// MaxRetryDelay caps the computed backoff delay (0 = uncapped).
	MaxRetryDelay time.Duration
	// Concurrency limits simultaneously active instances of this task
	// across all runs (0 = unlimited).
	Concurrency int
	// Timeout is the wall-clock limit for a single try (0 = none).
	Timeout time.Duration
	// Pool names the resource pool a slot is taken from.
	Pool string
	// PriorityWeight orders admission when more work is ready than capacity allows.
	PriorityWeight int
	// MapWidth expands the task into N map-indexed instances per run.
	MapWidth int
}

// MaxTries returns the total number of attempts an instance may make.
func (t Task) MaxTries() int {
	if t.Retries < 0 {
		return 1
	}
	return t.Retries + 1
}

// normalize fills zero values with defaults. Called once at graph construction.
func (t Task) normalize() Task {
	if t.Rule == "" {
		t.Rule = TriggerAllSuccess
	}
	if t.BackoffFactor <= 0 {
		t.BackoffFactor = 2.0
	}
	if t.RetryDelay <= 0 {
		t.RetryDelay = 30 * time.Second
	}
	if t.Pool == "" {
		t.Pool = DefaultPool
	}
	if t.PriorityWeight <= 0 {
		t.PriorityWeight = 1
	}
	if t.MapWidth <= 0 {
		t.MapWidth = 1
	}
	return t
}
