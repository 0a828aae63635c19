// Package pool implements named execution-slot accounting. A pool is a
// shared ceiling on concurrently executing task instances; acquisition is an
// atomic check-and-increment under a single lock, so a slot can never be
// double-granted across concurrent scheduler ticks.
package pool
