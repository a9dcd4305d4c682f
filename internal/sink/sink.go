// Package sink renders task progress messages.
//
// The scheduler pushes one message per report; a sink decides what to show.
// LogSink writes them to the structured log, rate limited; Recorder keeps the
// most recent ones for the debug endpoint and tests.
package sink

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// Message is one rendered progress line.
type Message struct {
	Ident    uint64    `json:"ident"`
	Text     string    `json:"text"`
	Priority uint      `json:"priority"`
	Frames   int       `json:"frames"`
	Flush    bool      `json:"flush"`
	Alt      bool      `json:"alt,omitempty"`
	Final    bool      `json:"final,omitempty"`
	At       time.Time `json:"at"`
}

func newMessage(t *task.Task, text string, priority uint, frames int, flush bool) Message {
	f := t.Flags()
	return Message{
		Ident:    t.Ident(),
		Text:     text,
		Priority: priority,
		Frames:   frames,
		Flush:    flush,
		Alt:      f.Has(task.FlagAlternativeLook),
		Final:    f.Has(task.FlagFinished),
		At:       time.Now(),
	}
}

// Config controls LogSink throttling.
type Config struct {
	// RatePerSec bounds intermediate progress lines. Final messages
	// (finished or failed) are never dropped. Defaults to 5.
	RatePerSec int
	// Burst defaults to RatePerSec.
	Burst int
}

// maxTracked bounds the per-task repeat filter. Past it the filter starts over.
const maxTracked = 1024

// LogSink writes progress messages to a logger. Repeats of the previous
// line of the same task are skipped.
type LogSink struct {
	log logx.Logger

	mu      sync.Mutex
	limiter *rate.Limiter
	last    map[uint64]string

	written atomic.Uint64
	dropped atomic.Uint64
}

func NewLogSink(cfg Config, log logx.Logger) *LogSink {
	s := &LogSink{log: log.With(logx.String("comp", "sink")), last: map[uint64]string{}}
	s.Apply(cfg)
	return s
}

func (s *LogSink) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	s.mu.Lock()
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	s.mu.Unlock()
}

func (s *LogSink) Push(t *task.Task, msg string, priority uint, frames int, flush bool) {
	m := newMessage(t, msg, priority, frames, flush)

	s.mu.Lock()
	if m.Final {
		delete(s.last, m.Ident)
	} else {
		if s.last[m.Ident] == msg {
			s.mu.Unlock()
			return
		}
		if !s.limiter.Allow() {
			s.mu.Unlock()
			s.dropped.Add(1)
			return
		}
		if _, ok := s.last[m.Ident]; !ok && len(s.last) >= maxTracked {
			clear(s.last)
		}
		s.last[m.Ident] = msg
	}
	s.mu.Unlock()

	s.written.Add(1)
	s.log.Info(msg,
		logx.Uint64("ident", m.Ident),
		logx.Int("priority", int(priority)),
		logx.Int("frames", frames),
		logx.Bool("flush", flush),
		logx.Bool("alt", m.Alt),
	)
}

// Forget drops the repeat filter entry of a task that left the scheduler
// without a final message.
func (s *LogSink) Forget(ident uint64) {
	s.mu.Lock()
	delete(s.last, ident)
	s.mu.Unlock()
}

func (s *LogSink) tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.last)
}

// Stats returns how many lines were written and how many were throttled.
func (s *LogSink) Stats() (written, dropped uint64) {
	return s.written.Load(), s.dropped.Load()
}

// Recorder keeps the last N messages in a ring.
type Recorder struct {
	mu   sync.Mutex
	buf  []Message
	next int
	full bool
}

func NewRecorder(n int) *Recorder {
	if n <= 0 {
		n = 64
	}
	return &Recorder{buf: make([]Message, n)}
}

func (r *Recorder) Push(t *task.Task, msg string, priority uint, frames int, flush bool) {
	m := newMessage(t, msg, priority, frames, flush)
	r.mu.Lock()
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Messages returns the recorded messages, oldest first.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Message(nil), r.buf[:r.next]...)
	}
	out := make([]Message, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Pusher is what the scheduler calls; engine.MessageSink has the same shape.
type Pusher interface {
	Push(t *task.Task, msg string, priority uint, frames int, flush bool)
}

// Tee fans one message out to several sinks in order.
type Tee []Pusher

func (t Tee) Push(tk *task.Task, msg string, priority uint, frames int, flush bool) {
	for _, s := range t {
		if s != nil {
			s.Push(tk, msg, priority, frames, flush)
		}
	}
}
