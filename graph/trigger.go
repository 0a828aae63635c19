package graph

import "fmt"

// TriggerRule determines when a task becomes ready based on the terminal
// states of its predecessors. The set is closed: the evaluator matches
// exhaustively and adding a rule is a compile-time-checked extension point.
type TriggerRule string

const (
	// TriggerAllSuccess requires every predecessor to have succeeded.
	TriggerAllSuccess TriggerRule = "all_success"
	// TriggerAllFailed requires every predecessor to have failed or been
	// failed transitively by its own upstream.
	TriggerAllFailed TriggerRule = "all_failed"
	// TriggerOneSuccess requires at least one successful predecessor once
	// all predecessors are terminal.
	TriggerOneSuccess TriggerRule = "one_success"
	// TriggerOneFailed requires at least one failed predecessor once all
	// predecessors are terminal.
	TriggerOneFailed TriggerRule = "one_failed"
	// TriggerNoneFailed requires no failed predecessor once all are
	// terminal; skipped predecessors are acceptable.
	TriggerNoneFailed TriggerRule = "none_failed"
	// TriggerAlways fires as soon as all predecessors exist, regardless of
	// their state.
	TriggerAlways TriggerRule = "always"
)

// Valid reports whether the rule is a known member of the closed set.
func (r TriggerRule) Valid() bool {
	switch r {
	case TriggerAllSuccess, TriggerAllFailed, TriggerOneSuccess,
		TriggerOneFailed, TriggerNoneFailed, TriggerAlways:
		return true
	}
	return false
}

func (r TriggerRule) String() string { return string(r) }

// ParseTriggerRule converts a string into a TriggerRule.
func ParseTriggerRule(s string) (TriggerRule, error) {
	r := TriggerRule(s)
	if !r.Valid() {
		return "", fmt.Errorf("graph: unknown trigger rule %q", s)
	}
	return r, nil
}
