// Package storage is the task journal.
//
// The journal records what the scheduler did with tasks (gathered, rejected,
// mode swaps) for later inspection. It is write-mostly and never feeds tasks
// back into the scheduler.
package storage
