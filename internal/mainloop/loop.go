// Package mainloop is the frame loop that owns the task scheduler.
//
// Run pins itself to an OS thread and calls the frame function once per
// tick. Other goroutines hand work to it with Post; the work runs at the
// start of the next frame, on the loop.
package mainloop

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	logx "taskq/pkg/logx"
)

const (
	defaultTick    = 16 * time.Millisecond
	postQueueDepth = 256
)

// mainOwner is the id of whichever loop is running in the process.
var mainOwner atomic.Int64

var (
	ErrAlreadyRunning = errors.New("main loop already running")
	ErrReentrantRun   = errors.New("main loop Run called from the loop")
)

type Config struct {
	// Tick is the frame period. Defaults to 16ms.
	Tick time.Duration
}

type Loop struct {
	log logx.Logger

	tick   atomic.Int64
	posts  chan func()
	stop   chan struct{}
	stopMu sync.Once

	running atomic.Bool
	owner   atomic.Int64 // OS thread or goroutine id of the running loop, 0 when idle
	frames  atomic.Uint64
	posted  atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Loop {
	l := &Loop{
		log:   log.With(logx.String("comp", "mainloop")),
		posts: make(chan func(), postQueueDepth),
		stop:  make(chan struct{}),
	}
	l.SetTick(cfg.Tick)
	return l
}

// SetTick changes the frame period from the next frame on.
func (l *Loop) SetTick(d time.Duration) {
	if d <= 0 {
		d = defaultTick
	}
	l.tick.Store(int64(d))
}

func (l *Loop) Tick() time.Duration { return time.Duration(l.tick.Load()) }

// Post queues fn to run on the loop. It blocks while the queue is full and
// reports false once the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.posts <- fn:
		l.posted.Add(1)
		return true
	case <-l.stop:
		return false
	}
}

// OnLoop reports whether the caller is running on the loop.
func (l *Loop) OnLoop() bool {
	id := l.owner.Load()
	return id != 0 && id == currentID()
}

// IsMainThread reports whether the caller is the goroutine running a frame
// loop.
func IsMainThread() bool {
	id := mainOwner.Load()
	return id != 0 && id == currentID()
}

func (l *Loop) Frames() uint64 { return l.frames.Load() }

// Run calls frame once per tick until ctx is done or Stop is called. Posted
// work runs before each frame. Work still queued when the loop stops runs
// once more before Run returns.
func (l *Loop) Run(ctx context.Context, frame func()) error {
	if l.OnLoop() {
		return ErrReentrantRun
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	id := currentID()
	l.owner.Store(id)
	mainOwner.Store(id)
	defer func() {
		mainOwner.CompareAndSwap(id, 0)
		l.owner.Store(0)
	}()

	cur := l.Tick()
	ticker := time.NewTicker(cur)
	defer ticker.Stop()
	l.log.Info("main loop started", logx.Duration("tick", cur))

	for {
		select {
		case <-ctx.Done():
			l.Stop()
			l.drain()
			l.log.Info("main loop stopped", logx.Uint64("frames", l.frames.Load()))
			return nil
		case <-l.stop:
			l.drain()
			l.log.Info("main loop stopped", logx.Uint64("frames", l.frames.Load()))
			return nil
		case <-ticker.C:
		}

		l.drain()
		if frame != nil {
			frame()
		}
		l.frames.Add(1)

		if d := l.Tick(); d != cur {
			cur = d
			ticker.Reset(cur)
		}
	}
}

// Stop makes Run return after its current frame.
func (l *Loop) Stop() {
	l.stopMu.Do(func() { close(l.stop) })
}

func (l *Loop) drain() {
	for {
		select {
		case fn := <-l.posts:
			l.call(fn)
		default:
			return
		}
	}
}

func (l *Loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("posted func panicked", logx.Any("panic", r))
		}
	}()
	fn()
}
