package task

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// Flags is the lifecycle/presentation bitset of a task.
type Flags uint8

const (
	// FlagFinished is set by the handler once the task is done. Never cleared.
	FlagFinished Flags = 1 << iota
	// FlagCancelled asks the handler to stop. Cancellation is cooperative.
	FlagCancelled
	// FlagMute suppresses progress messages.
	FlagMute
	// FlagAlternativeLook is a rendering hint for the message sink.
	FlagAlternativeLook
)

func (f Flags) Has(bit Flags) bool { return f&bit == bit }

// Type controls admission. At most one TypeBlocking task may be running.
type Type int

const (
	TypeNone Type = iota
	TypeBlocking
)

func (t Type) String() string {
	if t == TypeBlocking {
		return "blocking"
	}
	return "none"
}

// Handler is invoked repeatedly until it sets FlagFinished.
type Handler func(t *Task)

// Callback runs once at gather time with the final task data and error.
type Callback func(t *Task, taskData, userData any, err error)

// Cleanup runs once at gather time, after Callback.
type Cleanup func(t *Task)

// ProgressFunc is called after each progress message of an unmuted, titled task.
type ProgressFunc func(t *Task)

// ProgressIndeterminate is the progress value for "unknown".
const ProgressIndeterminate = -1

var identSeq atomic.Uint64

// Task is one unit of schedulable work.
//
// The exported fields are configuration and must not be changed after Push.
// Everything a handler updates while the task is queued (flags, title,
// progress, error, task data, when) goes through the accessors, which take
// the task's property lock.
type Task struct {
	Handler      Handler
	Callback     Callback
	Cleanup      Cleanup
	ProgressFunc ProgressFunc

	Type Type

	// State and UserData are opaque to the scheduler.
	State    any
	UserData any

	ident uint64

	mu       sync.Mutex
	flags    Flags
	title    string
	progress int
	err      error
	data     any
	when     int64
}

// New returns a task with a fresh ident. Configure it and hand it to Push.
func New(h Handler) *Task {
	return &Task{
		Handler: h,
		ident:   identSeq.Add(1),
	}
}

// Ident is unique for the lifetime of the process.
func (t *Task) Ident() uint64 { return t.ident }

func (t *Task) Flags() Flags {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags
}

// SetFlags sets or clears bits. FlagFinished is monotonic: clearing it is ignored.
func (t *Task) SetFlags(f Flags, set bool) {
	t.mu.Lock()
	if set {
		t.flags |= f
	} else {
		t.flags &^= f &^ FlagFinished
	}
	t.mu.Unlock()
}

func (t *Task) Finished() bool  { return t.Flags().Has(FlagFinished) }
func (t *Task) Cancelled() bool { return t.Flags().Has(FlagCancelled) }

// Finish marks the task finished. Shorthand for SetFlags(FlagFinished, true).
func (t *Task) Finish() { t.SetFlags(FlagFinished, true) }

func (t *Task) Title() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.title
}

func (t *Task) SetTitle(title string) {
	t.mu.Lock()
	t.title = title
	t.mu.Unlock()
}

func (t *Task) Progress() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// SetProgress clamps p to [-1, 100].
func (t *Task) SetProgress(p int) {
	if p < ProgressIndeterminate {
		p = ProgressIndeterminate
	}
	if p > 100 {
		p = 100
	}
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// SetError records the failure reason. The first non-nil error wins.
func (t *Task) SetError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	t.mu.Unlock()
}

func (t *Task) SetErrorf(format string, args ...any) {
	t.SetError(fmt.Errorf(format, args...))
}

// Data is the task payload; handlers may replace it while running.
func (t *Task) Data() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data
}

func (t *Task) SetData(v any) {
	t.mu.Lock()
	t.data = v
	t.mu.Unlock()
}

// When is the earliest run time in clock microseconds. 0 means now.
func (t *Task) When() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.when
}

// SetWhen reschedules the task. A handler may call it to run again later.
func (t *Task) SetWhen(us int64) {
	if us < 0 {
		us = 0
	}
	t.mu.Lock()
	t.when = us
	t.mu.Unlock()
}

// Due reports whether the task may run at now.
func (t *Task) Due(now int64) bool {
	w := t.When()
	return w == 0 || w <= now
}

// Message renders the text pushed to the message sink and whether the sink
// should replace (flush) the previous message of this task.
// ok is false when the task has no title or is muted.
func (t *Task) Message() (msg string, flush, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.title == "" || t.flags.Has(FlagMute) {
		return "", false, false
	}
	switch {
	case t.flags.Has(FlagFinished) && t.err != nil:
		return "Task failed: " + t.title, true, true
	case t.flags.Has(FlagFinished):
		return "100%: " + t.title, false, true
	case t.progress >= 0 && t.progress <= 100:
		return fmt.Sprintf("%d%%: %s", t.progress, t.title), true, true
	default:
		return t.title + "...", false, true
	}
}

// HandledBy reports whether t runs the same handler function as h.
// Closures built from the same function literal compare equal.
func (t *Task) HandledBy(h Handler) bool {
	if t.Handler == nil || h == nil {
		return false
	}
	return reflect.ValueOf(t.Handler).Pointer() == reflect.ValueOf(h).Pointer()
}

var epoch = time.Now()

// Now is the default clock: monotonic microseconds since process start.
func Now() int64 {
	return time.Since(epoch).Microseconds()
}

// After returns the clock value d from now on the default clock.
func After(d time.Duration) int64 {
	return Now() + d.Microseconds()
}
