package engine

import (
	"sync"
	"time"

	"taskq/internal/task"
)

// dispatchBackend runs every task as its own goroutine that resubmits itself
// until the handler finishes the task.
//
// Locks: mu guards running, finMu guards finished, pmu guards pending,
// closing and timers. Nested order is pmu, then mu, then finMu.
type dispatchBackend struct {
	env      *env
	progress chan struct{}

	mu      sync.Mutex
	running task.Queue

	finMu    sync.Mutex
	finished task.Queue

	pmu     sync.Mutex
	drained *sync.Cond
	pending int
	closing bool
	timers  map[*task.Task]*time.Timer
}

func newDispatchBackend(e *env, running, finished []*task.Task) *dispatchBackend {
	b := &dispatchBackend{
		env:      e,
		progress: make(chan struct{}, 1),
		timers:   make(map[*task.Task]*time.Timer),
	}
	b.drained = sync.NewCond(&b.pmu)
	for _, t := range finished {
		b.finished.Put(t)
	}
	for _, t := range running {
		b.running.Put(t)
	}
	b.pending = len(running)
	for _, t := range running {
		go b.run(t)
	}
	return b
}

func (b *dispatchBackend) Mode() Mode { return ModeDispatch }

func (b *dispatchBackend) Push(t *task.Task) error {
	b.pmu.Lock()
	if b.closing {
		b.pmu.Unlock()
		return ErrClosed
	}
	b.mu.Lock()
	if t.Type == task.TypeBlocking && b.running.HasBlocking() {
		b.mu.Unlock()
		b.pmu.Unlock()
		return errBlockingActive
	}
	b.running.Put(t)
	b.mu.Unlock()
	b.pending++
	b.pmu.Unlock()

	go b.run(t)
	return nil
}

// release drops one pending unit. pmu must be held.
func (b *dispatchBackend) release() {
	b.pending--
	if b.pending == 0 {
		b.drained.Broadcast()
	}
}

// run is one submission of t. It either defers itself until t is due, runs
// the handler once and resubmits, or moves a finished t to the finished queue.
func (b *dispatchBackend) run(t *task.Task) {
	b.pmu.Lock()
	if b.closing {
		b.release()
		b.pmu.Unlock()
		return
	}
	if d := b.env.delay(t); d > 0 {
		b.timers[t] = time.AfterFunc(d, func() {
			b.pmu.Lock()
			delete(b.timers, t)
			b.pmu.Unlock()
			b.run(t)
		})
		b.pmu.Unlock()
		return
	}
	b.pmu.Unlock()

	b.env.invoke(ModeDispatch, t)
	if !t.Finished() {
		// Re-sort under the When the handler may have just set.
		b.mu.Lock()
		b.running.Requeue(t)
		b.mu.Unlock()
		go b.run(t)
		return
	}

	// Both locks, so due never sees t in neither queue.
	b.mu.Lock()
	b.finMu.Lock()
	b.running.Remove(t)
	b.finished.Put(t)
	b.finMu.Unlock()
	b.mu.Unlock()
	poke(b.progress)

	b.pmu.Lock()
	b.release()
	b.pmu.Unlock()
}

func (b *dispatchBackend) Cancel(t *task.Task) {
	t.SetFlags(task.FlagCancelled, true)
}

func (b *dispatchBackend) Reset() {
	b.Scan(func(t *task.Task) bool {
		t.SetFlags(task.FlagCancelled, true)
		return true
	})
}

func (b *dispatchBackend) Scan(fn func(t *task.Task) bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.running.Each(fn)
}

func (b *dispatchBackend) Len() (running, finished int) {
	b.mu.Lock()
	running = b.running.Len()
	b.mu.Unlock()
	b.finMu.Lock()
	finished = b.finished.Len()
	b.finMu.Unlock()
	return running, finished
}

func (b *dispatchBackend) Gather() {
	var active []*task.Task
	b.Scan(func(t *task.Task) bool {
		active = append(active, t)
		return true
	})
	for _, t := range active {
		b.env.report(t)
	}

	b.finMu.Lock()
	done := b.finished.TakeAll()
	b.finMu.Unlock()
	for _, t := range done {
		b.env.finish(ModeDispatch, t)
	}
}

func (b *dispatchBackend) due() bool {
	b.mu.Lock()
	due := b.running.FrontDue(b.env.clock())
	b.mu.Unlock()
	if due {
		return true
	}
	b.finMu.Lock()
	defer b.finMu.Unlock()
	return b.finished.Len() > 0
}

func (b *dispatchBackend) Wait(cond func() bool) {
	waitPoll(b, b.progress, b.env.waitPoll, cond)
}

// Close refuses new work and waits for in-flight submissions to drain.
// Delayed submissions whose timer has not fired are dropped without waiting.
func (b *dispatchBackend) Close() ([]*task.Task, []*task.Task) {
	b.pmu.Lock()
	if !b.closing {
		b.closing = true
		for t, tm := range b.timers {
			if tm.Stop() {
				b.release()
			}
			delete(b.timers, t)
		}
	}
	for b.pending > 0 {
		b.drained.Wait()
	}
	b.pmu.Unlock()

	b.mu.Lock()
	running := b.running.TakeAll()
	b.mu.Unlock()
	b.finMu.Lock()
	finished := b.finished.TakeAll()
	b.finMu.Unlock()
	return running, finished
}
