// Package state defines the run and task-instance state machines.
// States are closed string enums; every mutation of persisted state must
// pass the transition tables in this package, never a blind overwrite.
package state
