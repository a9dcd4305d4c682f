// Package trigger pushes tasks into the scheduler on a timetable
// (cron/interval/once).
//
// It only decides when. Building the task is up to the caller's Factory,
// and the push itself is posted to the main loop so a sync-mode scheduler is
// only ever touched from its owning goroutine.
package trigger
