// Package evaluate decides whether a task instance may run. For each
// instance the evaluator applies the task's trigger rule to the states of
// its predecessor instances, then checks DAG, task, and pool capacity.
// Dependency failure (Blocked) and capacity shortfall (Waiting) are distinct
// outcomes: a blocked instance is forced into a terminal state, a waiting
// one is simply re-offered next tick.
package evaluate
