package engine

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

var errBlockingActive = errors.New("a blocking task is already running")

// Backend is one execution strategy behind the Scheduler facade.
//
// Push must perform the blocking-admission check and the insert atomically.
// Scan visits the running queue in order while it is held stable; fn must not
// call back into the backend.
type Backend interface {
	Mode() Mode
	Push(t *task.Task) error
	Cancel(t *task.Task)
	Reset()
	Gather()
	Wait(cond func() bool)
	Scan(fn func(t *task.Task) bool)
	Len() (running, finished int)

	// Close stops the backend and hands back every task it still holds, in
	// queue order. No handler runs after Close returns.
	Close() (running, finished []*task.Task)
}

// env is what every backend shares with the facade.
type env struct {
	clock     func() int64
	sink      MessageSink
	log       logx.Logger
	metrics   Metrics
	wakeSlack time.Duration
	waitPoll  time.Duration

	// gathered runs after a finished task's callback and cleanup.
	gathered func(mode Mode, t *task.Task)
}

// delay returns how long to sleep before t may run, or <= 0 if it may run now.
func (e *env) delay(t *task.Task) time.Duration { return e.delayUntil(t.When()) }

// delayUntil is delay for a When already read.
func (e *env) delayUntil(when int64) time.Duration {
	if when == 0 {
		return 0
	}
	return time.Duration(when-e.clock())*time.Microsecond - e.wakeSlack
}

// invoke runs the handler once. A panic fails and finishes the task.
func (e *env) invoke(mode Mode, t *task.Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			t.SetError(fmt.Errorf("%w: %v", ErrHandlerPanic, r))
			t.Finish()
			e.log.Error("task.panic",
				logx.Uint64("ident", t.Ident()),
				logx.String("task", t.Title()),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
		}
		e.metrics.RecordHandlerDuration(mode.String(), time.Since(start))
	}()
	t.Handler(t)
}

// report pushes one progress message for t.
func (e *env) report(t *task.Task) {
	msg, flush, ok := t.Message()
	if !ok {
		return
	}
	if e.sink != nil {
		e.sink.Push(t, msg, 1, 60, flush)
	}
	if t.ProgressFunc != nil {
		t.ProgressFunc(t)
	}
}

// finish delivers a finished task: final message, callback, cleanup.
func (e *env) finish(mode Mode, t *task.Task) {
	e.report(t)
	func() {
		defer func() {
			if r := recover(); r != nil {
				e.log.Error("task.callback panic",
					logx.Uint64("ident", t.Ident()),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
			}
		}()
		if t.Callback != nil {
			t.Callback(t, t.Data(), t.UserData, t.Err())
		}
		if t.Cleanup != nil {
			t.Cleanup(t)
		}
	}()
	if e.gathered != nil {
		e.gathered(mode, t)
	}
}

func newBackend(mode Mode, e *env, running, finished []*task.Task) Backend {
	switch mode {
	case ModeThread:
		return newThreadBackend(e, running, finished)
	case ModeDispatch:
		return newDispatchBackend(e, running, finished)
	default:
		return newSyncBackend(e, running, finished)
	}
}

// poke does a non-blocking send so a waiter re-checks the queues.
func poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
