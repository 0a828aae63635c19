// Package graph provides the immutable task-graph model.
// A Graph is validated acyclic at construction and never mutated afterwards;
// any structural change produces a new Graph with a new version id.
package graph
