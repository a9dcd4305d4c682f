package engine

import (
	"fmt"
	"strings"
	"time"

	"taskq/internal/task"
)

// Mode selects the execution backend.
type Mode int

const (
	// ModeSync runs handlers on the goroutine that calls Check/Wait.
	ModeSync Mode = iota
	// ModeThread runs handlers one at a time on a dedicated worker goroutine.
	ModeThread
	// ModeDispatch runs every task as its own self-resubmitting goroutine.
	ModeDispatch
)

func (m Mode) String() string {
	switch m {
	case ModeSync:
		return "sync"
	case ModeThread:
		return "thread"
	case ModeDispatch:
		return "dispatch"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// Threaded reports whether handlers run off the caller's goroutine.
func (m Mode) Threaded() bool { return m == ModeThread || m == ModeDispatch }

// ParseMode accepts "sync", "thread" and "dispatch" (plus a few aliases).
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync", "none", "regular":
		return ModeSync, nil
	case "thread", "threaded", "worker":
		return ModeThread, nil
	case "dispatch", "concurrent":
		return ModeDispatch, nil
	default:
		return ModeSync, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

const (
	defaultWakeSlack = 500 * time.Microsecond
	defaultWaitPoll  = time.Millisecond
)

// Config controls the scheduler.
type Config struct {
	Mode Mode

	// ThreadedMode is the backend SetThreaded(true) switches to.
	// Defaults to ModeThread.
	ThreadedMode Mode

	// WakeSlack is subtracted from a future When to absorb wake-up latency.
	// Defaults to 500µs.
	WakeSlack time.Duration

	// WaitPoll bounds how long Wait sleeps between polls of a threaded backend.
	// Defaults to 1ms.
	WaitPoll time.Duration
}

func (c Config) withDefaults() Config {
	if !c.ThreadedMode.Threaded() {
		c.ThreadedMode = ModeThread
	}
	if c.WakeSlack <= 0 {
		c.WakeSlack = defaultWakeSlack
	}
	if c.WaitPoll <= 0 {
		c.WaitPoll = defaultWaitPoll
	}
	return c
}

// MessageSink renders progress messages (toasts, OSD, logs).
//
// It is called from whichever goroutine runs Check/Wait.
type MessageSink interface {
	Push(t *task.Task, msg string, priority uint, durationFrames int, flush bool)
}

// SinkFunc adapts a function to MessageSink.
type SinkFunc func(t *task.Task, msg string, priority uint, durationFrames int, flush bool)

func (f SinkFunc) Push(t *task.Task, msg string, priority uint, durationFrames int, flush bool) {
	f(t, msg, priority, durationFrames, flush)
}

// Metrics receives scheduler measurements. See internal/observability/metrics.
type Metrics interface {
	RecordPushed(mode string)
	RecordRejected(mode, reason string)
	RecordHandlerDuration(mode string, d time.Duration)
	RecordGathered(mode string, failed bool)
	RecordQueueDepth(mode string, running, finished int)
}

type nopMetrics struct{}

func (nopMetrics) RecordPushed(string)                         {}
func (nopMetrics) RecordRejected(string, string)               {}
func (nopMetrics) RecordHandlerDuration(string, time.Duration) {}
func (nopMetrics) RecordGathered(string, bool)                 {}
func (nopMetrics) RecordQueueDepth(string, int, int)           {}

// TaskEvent is published on the event bus for task lifecycle events.
type TaskEvent struct {
	Ident    uint64    `json:"ident"`
	Title    string    `json:"title"`
	Type     string    `json:"type"`
	Mode     string    `json:"mode"`
	Error    string    `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// ModeEvent is published when the active backend changes.
type ModeEvent struct {
	From     string        `json:"from"`
	To       string        `json:"to"`
	Running  int           `json:"running"`
	Finished int           `json:"finished"`
	Took     time.Duration `json:"took"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Mode     Mode
	Want     Mode
	Running  int
	Finished int

	Pushed   uint64
	Rejected uint64
	Gathered uint64
	Failed   uint64
}

const (
	EventPushed   = "task.pushed"
	EventRejected = "task.rejected"
	EventGathered = "task.gathered"
	EventMode     = "scheduler.mode"
)
