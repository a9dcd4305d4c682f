package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskq/internal/task"
)

type message struct {
	ident uint64
	text  string
	flush bool
}

type recorder struct {
	mu   sync.Mutex
	msgs []message
}

func (r *recorder) Push(t *task.Task, msg string, priority uint, frames int, flush bool) {
	r.mu.Lock()
	r.msgs = append(r.msgs, message{ident: t.Ident(), text: msg, flush: flush})
	r.mu.Unlock()
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.msgs))
	for _, m := range r.msgs {
		out = append(out, m.text)
	}
	return out
}

func (r *recorder) find(text string) (message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msgs {
		if m.text == text {
			return m, true
		}
	}
	return message{}, false
}

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) Now() int64       { return c.now.Load() }
func (c *fakeClock) Set(us int64)     { c.now.Store(us) }
func (c *fakeClock) Advance(us int64) { c.now.Add(us) }

// order collects handler or callback names from any goroutine.
type order struct {
	mu    sync.Mutex
	names []string
}

func (o *order) add(name string) {
	o.mu.Lock()
	o.names = append(o.names, name)
	o.mu.Unlock()
}

func (o *order) get() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.names...)
}

func (o *order) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.names)
}

// pumpUntil drives Check from the test goroutine until cond holds.
func pumpUntil(t *testing.T, s *Scheduler, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s.Check()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %v", timeout)
		}
		time.Sleep(time.Millisecond)
	}
}

// oneShot finishes on its first run.
func oneShot(o *order, name string) *task.Task {
	tk := task.New(func(t *task.Task) {
		o.add(name)
		t.Finish()
	})
	tk.SetTitle(name)
	return tk
}

func newTestScheduler(t *testing.T, mode Mode, opts ...Option) (*Scheduler, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := New(Config{Mode: mode}, rec, opts...)
	t.Cleanup(s.Close)
	return s, rec
}
