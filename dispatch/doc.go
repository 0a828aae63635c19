// Package dispatch hands ready task instances to an execution backend and
// folds the backend's reports back into the store. Every state change goes
// through the store's compare-and-set, so a stale report (the instance was
// cleared, cancelled, or re-dispatched in the meantime) is discarded instead
// of corrupting the record. Retry backoff, per-try timeouts, and pool slot
// accounting live here.
package dispatch
