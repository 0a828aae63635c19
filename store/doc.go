// Package store persists DagRuns and TaskInstances and serializes their
// state transitions. Every state change goes through a compare-and-set
// keyed on the caller's last-read state, so stale updates (late callbacks,
// concurrent ticks) are rejected instead of overwriting newer state.
//
// Two implementations are provided: an in-memory store for tests and
// single-process use, and a GORM-backed store for durable deployments.
package store
