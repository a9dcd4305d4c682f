package engine

import (
	"context"
	"sync"
	"time"

	rtsup "taskq/internal/runtime/supervisor"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// threadBackend runs handlers one at a time on a dedicated worker goroutine.
//
// The running queue belongs to the loop goroutine. Every operation on it is
// sent to the loop as a closure over reqs, so there is no running-queue lock
// and no lock ordering to get wrong. Handlers run on a second goroutine
// (runner) so the loop keeps serving Push/Find/Cancel while a handler is busy.
// The finished queue is drained by Gather on the caller's goroutine and has
// its own mutex.
type threadBackend struct {
	env *env
	sup *rtsup.Supervisor

	reqs      chan func()
	quit      chan struct{}
	closeOnce sync.Once
	progress  chan struct{}

	// loop-owned
	running task.Queue

	finMu    sync.Mutex
	finished task.Queue
}

func newThreadBackend(e *env, running, finished []*task.Task) *threadBackend {
	b := &threadBackend{
		env:      e,
		reqs:     make(chan func()),
		quit:     make(chan struct{}),
		progress: make(chan struct{}, 1),
	}
	for _, t := range running {
		b.running.Put(t)
	}
	for _, t := range finished {
		b.finished.Put(t)
	}

	b.sup = rtsup.NewSupervisor(context.Background(),
		rtsup.WithLogger(e.log.With(logx.String("comp", "task.worker"))),
	)
	run := make(chan *task.Task)
	done := make(chan *task.Task)
	b.sup.Go0("task.runner", func(context.Context) {
		for t := range run {
			b.env.invoke(ModeThread, t)
			done <- t
		}
	})
	b.sup.Go0("task.loop", func(context.Context) {
		b.loop(run, done)
	})
	return b
}

func (b *threadBackend) Mode() Mode { return ModeThread }

func (b *threadBackend) loop(run chan<- *task.Task, done <-chan *task.Task) {
	defer close(run)

	var busy *task.Task
	for {
		var (
			wake  <-chan time.Time
			timer *time.Timer
		)
		if busy == nil {
			if front, when := b.running.FrontWhen(); front != nil {
				if d := b.env.delayUntil(when); d > 0 {
					timer = time.NewTimer(d)
					wake = timer.C
				} else {
					busy = front
					run <- front
				}
			}
		}

		select {
		case fn := <-b.reqs:
			fn()
		case t := <-done:
			busy = nil
			b.settle(t)
		case <-wake:
		case <-b.quit:
			if timer != nil {
				timer.Stop()
			}
			if busy != nil {
				b.settle(<-done)
			}
			return
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// settle moves a task that just ran: finished ones to the finished queue,
// the rest behind their When-peers.
func (b *threadBackend) settle(t *task.Task) {
	if t.Finished() {
		b.running.Remove(t)
		b.finMu.Lock()
		b.finished.Put(t)
		b.finMu.Unlock()
	} else {
		b.running.Requeue(t)
	}
	poke(b.progress)
}

// do runs fn on the loop goroutine and waits for it. It reports false once
// the backend is closing.
func (b *threadBackend) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case b.reqs <- func() { fn(); close(done) }:
	case <-b.quit:
		return false
	}
	<-done
	return true
}

func (b *threadBackend) Push(t *task.Task) error {
	var err error
	ok := b.do(func() {
		if t.Type == task.TypeBlocking && b.running.HasBlocking() {
			err = errBlockingActive
			return
		}
		b.running.Put(t)
	})
	if !ok {
		return ErrClosed
	}
	return err
}

// Cancel only flags t; the handler has to notice and finish itself.
func (b *threadBackend) Cancel(t *task.Task) {
	t.SetFlags(task.FlagCancelled, true)
}

func (b *threadBackend) Reset() {
	b.do(func() {
		b.running.Each(func(t *task.Task) bool {
			t.SetFlags(task.FlagCancelled, true)
			return true
		})
	})
}

func (b *threadBackend) Scan(fn func(t *task.Task) bool) {
	b.do(func() { b.running.Each(fn) })
}

func (b *threadBackend) Len() (running, finished int) {
	b.do(func() { running = b.running.Len() })
	b.finMu.Lock()
	finished = b.finished.Len()
	b.finMu.Unlock()
	return running, finished
}

// Gather reports progress for running tasks and drains the finished queue.
func (b *threadBackend) Gather() {
	var active []*task.Task
	b.do(func() {
		b.running.Each(func(t *task.Task) bool {
			active = append(active, t)
			return true
		})
	})
	for _, t := range active {
		b.env.report(t)
	}

	b.finMu.Lock()
	done := b.finished.TakeAll()
	b.finMu.Unlock()
	for _, t := range done {
		b.env.finish(ModeThread, t)
	}
}

func (b *threadBackend) due() bool {
	due := false
	b.do(func() { due = b.running.FrontDue(b.env.clock()) })
	if due {
		return true
	}
	b.finMu.Lock()
	defer b.finMu.Unlock()
	return b.finished.Len() > 0
}

func (b *threadBackend) Wait(cond func() bool) {
	waitPoll(b, b.progress, b.env.waitPoll, cond)
}

func (b *threadBackend) Close() ([]*task.Task, []*task.Task) {
	b.closeOnce.Do(func() { close(b.quit) })
	_ = b.sup.Wait(context.Background())

	b.finMu.Lock()
	finished := b.finished.TakeAll()
	b.finMu.Unlock()
	return b.running.TakeAll(), finished
}

type poller interface {
	Gather()
	due() bool
}

// waitPoll gathers until nothing is due or cond fails, sleeping between
// passes until a task settles or the poll interval elapses.
func waitPoll(p poller, progress <-chan struct{}, every time.Duration, cond func() bool) {
	t := time.NewTimer(every)
	defer t.Stop()
	for {
		p.Gather()
		if !p.due() {
			return
		}
		if cond != nil && !cond() {
			return
		}
		t.Reset(every)
		select {
		case <-progress:
		case <-t.C:
		}
	}
}
