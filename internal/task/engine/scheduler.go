package engine

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"taskq/internal/eventbus"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// Scheduler owns the active backend and routes the public task API to it.
//
// Check, Wait and Close belong to the owning (main loop) goroutine. Push,
// Cancel, Find and the mode setters may be called from anywhere, including
// from inside a handler.
type Scheduler struct {
	cfg     Config
	env     *env
	log     logx.Logger
	bus     eventbus.Bus
	metrics Metrics

	// swapMu serializes backend replacement (Check, Close).
	swapMu sync.Mutex

	// mu guards backend. It is never held while a backend closes, so a
	// handler that pushes during a swap is refused instead of deadlocking.
	mu      sync.RWMutex
	backend Backend

	want   atomic.Int32
	closed atomic.Bool

	pushed   atomic.Uint64
	rejected atomic.Uint64
	gathered atomic.Uint64
	failed   atomic.Uint64
}

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithBus publishes task lifecycle events on bus.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Scheduler) { s.bus = bus }
}

func WithMetrics(m Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithClock replaces the monotonic microsecond clock. Tests use it to control
// which tasks are due.
func WithClock(now func() int64) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.env.clock = now
		}
	}
}

// New starts a scheduler in cfg.Mode. sink may be nil.
func New(cfg Config, sink MessageSink, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:     cfg,
		log:     logx.Nop(),
		metrics: nopMetrics{},
		env: &env{
			clock:     task.Now,
			sink:      sink,
			wakeSlack: cfg.WakeSlack,
			waitPoll:  cfg.WaitPoll,
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	s.env.log = s.log
	s.env.metrics = s.metrics
	s.env.gathered = s.onGathered

	s.want.Store(int32(cfg.Mode))
	s.backend = newBackend(cfg.Mode, s.env, nil, nil)
	s.log.Info("task scheduler started", logx.String("mode", cfg.Mode.String()))
	return s
}

func (s *Scheduler) current() Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backend
}

// Push hands t to the active backend. It reports false without queueing t
// when t has no handler, when a blocking task is already running and t is
// blocking too, or when the scheduler is closed or mid-swap.
func (s *Scheduler) Push(t *task.Task) bool {
	if t == nil || t.Handler == nil {
		s.reject(t, ModeSync, reasonInvalid)
		return false
	}

	s.mu.RLock()
	b := s.backend
	var err error
	if b == nil {
		err = ErrClosed
	} else {
		err = b.Push(t)
	}
	s.mu.RUnlock()

	mode := Mode(s.want.Load())
	if b != nil {
		mode = b.Mode()
	}
	switch {
	case err == nil:
	case errors.Is(err, errBlockingActive):
		s.reject(t, mode, reasonBlocking)
		return false
	default:
		s.reject(t, mode, reasonClosed)
		return false
	}

	s.pushed.Add(1)
	s.metrics.RecordPushed(mode.String())
	s.publish(EventPushed, s.taskEvent(t, mode, ""))
	if !s.log.IsZero() && s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("task pushed",
			logx.Uint64("ident", t.Ident()),
			logx.String("task", t.Title()),
			logx.String("type", t.Type.String()),
			logx.Int64("when", t.When()),
		)
	}
	return true
}

func (s *Scheduler) reject(t *task.Task, mode Mode, reason string) {
	s.rejected.Add(1)
	s.metrics.RecordRejected(mode.String(), reason)
	ev := TaskEvent{Mode: mode.String(), Reason: reason, Occurred: time.Now()}
	if t != nil {
		ev = s.taskEvent(t, mode, reason)
	}
	s.publish(EventRejected, ev)
	s.log.Debug("task rejected", logx.String("reason", reason), logx.String("task", ev.Title))
}

// Cancel asks t to stop. The handler has to observe Cancelled and finish.
func (s *Scheduler) Cancel(t *task.Task) {
	if t == nil {
		return
	}
	if b := s.current(); b != nil {
		b.Cancel(t)
		return
	}
	t.SetFlags(task.FlagCancelled, true)
}

// Reset cancels every running task.
func (s *Scheduler) Reset() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend != nil {
		s.backend.Reset()
	}
}

// Wait gathers until no task is due, or until cond returns false.
func (s *Scheduler) Wait(cond func() bool) {
	if b := s.current(); b != nil {
		b.Wait(cond)
	}
}

// Check applies a pending mode change, then gathers once: progress for
// running tasks, callbacks for finished ones. Call it once per frame.
func (s *Scheduler) Check() {
	s.swap(Mode(s.want.Load()))

	b := s.current()
	if b == nil {
		return
	}
	b.Gather()
	running, finished := b.Len()
	s.metrics.RecordQueueDepth(b.Mode().String(), running, finished)
}

// Find reports whether any running task satisfies pred. pred runs with the
// running queue held and must not call back into the scheduler.
func (s *Scheduler) Find(pred func(t *task.Task) bool) bool {
	if pred == nil {
		return false
	}
	found := false
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return false
	}
	s.backend.Scan(func(t *task.Task) bool {
		if pred(t) {
			found = true
			return false
		}
		return true
	})
	return found
}

// SetMode selects the backend used from the next Check on.
func (s *Scheduler) SetMode(m Mode) { s.want.Store(int32(m)) }

// SetThreaded switches to the configured threaded backend, or back to sync.
func (s *Scheduler) SetThreaded(on bool) {
	if on {
		s.SetMode(s.cfg.ThreadedMode)
		return
	}
	s.SetMode(ModeSync)
}

func (s *Scheduler) UnsetThreaded() { s.SetThreaded(false) }

// IsThreaded reports the requested mode, which may not be active until the
// next Check.
func (s *Scheduler) IsThreaded() bool { return Mode(s.want.Load()).Threaded() }

// Mode returns the active backend's mode.
func (s *Scheduler) Mode() Mode {
	if b := s.current(); b != nil {
		return b.Mode()
	}
	return Mode(s.want.Load())
}

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{
		Mode:     s.Mode(),
		Want:     Mode(s.want.Load()),
		Pushed:   s.pushed.Load(),
		Rejected: s.rejected.Load(),
		Gathered: s.gathered.Load(),
		Failed:   s.failed.Load(),
	}
	if b := s.current(); b != nil {
		snap.Running, snap.Finished = b.Len()
	}
	return snap
}

// swap replaces the active backend when to differs from it. Queued tasks
// move to the new backend in order; finished ones are gathered by it.
func (s *Scheduler) swap(to Mode) {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	if s.closed.Load() {
		return
	}

	s.mu.Lock()
	old := s.backend
	if old == nil || old.Mode() == to {
		s.mu.Unlock()
		return
	}
	s.backend = nil
	s.mu.Unlock()

	start := time.Now()
	running, finished := old.Close()
	nb := newBackend(to, s.env, running, finished)

	s.mu.Lock()
	s.backend = nb
	s.mu.Unlock()

	ev := ModeEvent{
		From:     old.Mode().String(),
		To:       to.String(),
		Running:  len(running),
		Finished: len(finished),
		Took:     time.Since(start),
	}
	s.publish(EventMode, ev)
	s.log.Info("task scheduler mode changed",
		logx.String("from", ev.From),
		logx.String("to", ev.To),
		logx.Int("running", ev.Running),
		logx.Int("finished", ev.Finished),
		logx.Duration("took", ev.Took),
	)
}

// Close stops the active backend. Tasks that already finished are gathered;
// tasks still running are abandoned without their callbacks.
func (s *Scheduler) Close() {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()
	if s.closed.Swap(true) {
		return
	}

	s.mu.Lock()
	b := s.backend
	s.backend = nil
	s.mu.Unlock()
	if b == nil {
		return
	}

	running, finished := b.Close()
	for _, t := range finished {
		s.env.finish(b.Mode(), t)
	}
	if len(running) > 0 {
		s.log.Warn("task scheduler closed with running tasks",
			logx.Int("abandoned", len(running)),
			logx.String("mode", b.Mode().String()),
		)
	}
	s.log.Info("task scheduler stopped",
		logx.Uint64("pushed", s.pushed.Load()),
		logx.Uint64("gathered", s.gathered.Load()),
	)
}

func (s *Scheduler) onGathered(mode Mode, t *task.Task) {
	s.gathered.Add(1)
	failed := t.Err() != nil
	if failed {
		s.failed.Add(1)
	}
	s.metrics.RecordGathered(mode.String(), failed)
	s.publish(EventGathered, s.taskEvent(t, mode, ""))
	if failed {
		s.log.Warn("task failed",
			logx.Uint64("ident", t.Ident()),
			logx.String("task", t.Title()),
			logx.Err(t.Err()),
		)
	}
}

func (s *Scheduler) taskEvent(t *task.Task, mode Mode, reason string) TaskEvent {
	ev := TaskEvent{
		Ident:    t.Ident(),
		Title:    t.Title(),
		Type:     t.Type.String(),
		Mode:     mode.String(),
		Reason:   reason,
		Occurred: time.Now(),
	}
	if err := t.Err(); err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
