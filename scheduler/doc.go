// Package scheduler runs the orchestration loop. Each tick it creates runs
// that have come due, advances every non-terminal run (promoting retries,
// enforcing timeouts, applying trigger rules, forcing blocked instances
// terminal), admits ready instances against the global parallelism ceiling
// in priority order, and rolls finished runs up to their terminal state.
//
// Ticks are idempotent: every state change is a compare-and-set, so a
// repeated tick over unchanged state is a no-op. DAGs advance independently;
// a panic while advancing one run is isolated to that run's goroutine.
package scheduler
