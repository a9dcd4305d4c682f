// Package task defines the unit of background work and the time-ordered
// queue that holds it.
//
// A Task is owned by exactly one Queue at a time (the scheduler's running or
// finished queue) or by nobody (before Push, after gather). Handlers and
// progress readers may run on different goroutines, so mutable metadata is
// only reachable through the locked accessors.
package task
