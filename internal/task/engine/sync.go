package engine

import "taskq/internal/task"

// syncBackend runs everything on the caller's goroutine. No locking: only the
// goroutine that owns the scheduler may call into it.
type syncBackend struct {
	env      *env
	running  task.Queue
	finished task.Queue

	// inflight holds the tasks Gather took off running and has not put back
	// yet, the one whose handler is executing included. They still count as
	// running for admission and Scan.
	inflight []*task.Task
}

func newSyncBackend(e *env, running, finished []*task.Task) *syncBackend {
	b := &syncBackend{env: e}
	for _, t := range running {
		b.running.Put(t)
	}
	for _, t := range finished {
		b.finished.Put(t)
	}
	return b
}

func (b *syncBackend) Mode() Mode { return ModeSync }

func (b *syncBackend) Push(t *task.Task) error {
	if t.Type == task.TypeBlocking && b.hasBlocking() {
		return errBlockingActive
	}
	b.running.Put(t)
	return nil
}

func (b *syncBackend) hasBlocking() bool {
	if b.running.HasBlocking() {
		return true
	}
	for _, t := range b.inflight {
		if t.Type == task.TypeBlocking {
			return true
		}
	}
	return false
}

// Gather runs every due task once, then drains the finished queue.
//
// The running queue is taken back to front, so tasks that are due in the
// same tick run in reverse queue order.
func (b *syncBackend) Gather() {
	b.inflight = b.running.TakeReversed()
	for len(b.inflight) > 0 {
		t := b.inflight[0]
		if t.Due(b.env.clock()) {
			b.env.invoke(ModeSync, t)
			b.env.report(t)
		}
		if len(b.inflight) == 0 {
			// Closed by the handler; Close handed t back already.
			return
		}
		b.inflight[0] = nil
		b.inflight = b.inflight[1:]
		if t.Finished() {
			b.finished.Put(t)
		} else {
			b.running.Put(t)
		}
	}
	b.inflight = nil
	for t := b.finished.Get(); t != nil; t = b.finished.Get() {
		b.env.finish(ModeSync, t)
	}
}

func (b *syncBackend) Wait(cond func() bool) {
	for b.running.FrontDue(b.env.clock()) && (cond == nil || cond()) {
		b.Gather()
	}
}

func (b *syncBackend) Cancel(t *task.Task) {
	t.SetFlags(task.FlagCancelled, true)
}

func (b *syncBackend) Reset() {
	b.Scan(func(t *task.Task) bool {
		t.SetFlags(task.FlagCancelled, true)
		return true
	})
}

// Scan visits the running queue, then the tasks of a gather in progress.
func (b *syncBackend) Scan(fn func(t *task.Task) bool) {
	stopped := false
	b.running.Each(func(t *task.Task) bool {
		if !fn(t) {
			stopped = true
			return false
		}
		return true
	})
	if stopped {
		return
	}
	for _, t := range b.inflight {
		if !fn(t) {
			return
		}
	}
}

func (b *syncBackend) Len() (int, int) {
	return b.running.Len() + len(b.inflight), b.finished.Len()
}

func (b *syncBackend) Close() ([]*task.Task, []*task.Task) {
	running := append(b.running.TakeAll(), b.inflight...)
	b.inflight = nil
	return running, b.finished.TakeAll()
}
