package trigger

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskq/internal/eventbus"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

// Config controls the trigger service.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Factory builds a fresh task for one firing of a schedule.
type Factory func(name string) *task.Task

// Pusher is the scheduler side of a trigger. engine.Scheduler implements it.
type Pusher interface {
	Push(t *task.Task) bool
}

// Poster runs fn on the goroutine that owns the scheduler. It reports false
// once that goroutine has stopped.
type Poster interface {
	Post(fn func()) bool
}

// PostFunc adapts a function to Poster.
type PostFunc func(fn func()) bool

func (f PostFunc) Post(fn func()) bool { return f(fn) }

// Options tune one schedule.
type Options struct {
	// AllowOverlap pushes a new task even while the previous one from the
	// same schedule has not been gathered yet. Off by default.
	AllowOverlap bool
}

const (
	EventFired   = "trigger.fired"
	EventSkipped = "trigger.skipped"
)

// Event is published on the bus for every firing.
type Event struct {
	Schedule string `json:"schedule"`
	Ident    uint64 `json:"ident,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	build         Factory
	opt           Options
	entryID       cron.EntryID
	startupSpread time.Duration
	inflight      *atomic.Bool
}

type onceDef struct {
	at       time.Time
	build    Factory
	ver      uint64
	timer    *time.Timer
	inflight *atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	loc  *time.Location
	bus  eventbus.Bus
	push Pusher
	post Poster

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Refusal warnings are throttled per schedule name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time

	// One-shot definitions survive Stop; their timers do not.
	tmu     sync.Mutex
	once    map[string]*onceDef
	onceSeq uint64
	running bool
}

type ScheduleInfo struct {
	Name     string
	Kind     SpecKind
	Spec     string
	Next     time.Time
	Prev     time.Time
	InFlight bool
}

type Snapshot struct {
	Enabled   bool
	Timezone  string
	Schedules []ScheduleInfo
}
