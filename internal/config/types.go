package config

import (
	"bytes"
	"encoding/json"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the task scheduler and its frame loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is the optional task journal. Nil disables it.
	Storage *StorageConfig `json:"storage,omitempty"`

	Debug    DebugConfig    `json:"debug,omitempty"`
	Triggers TriggersConfig `json:"triggers"`
}

// SchedulerConfig controls the scheduler.
//
// All durations are Go duration strings (e.g. "500us", "16ms").
//
// Defaults (when fields are omitted/zero):
//   - mode: "sync"
//   - threaded_mode: "thread"
//   - tick: "16ms"
//   - wake_slack: "500us"
//   - wait_poll: "1ms"
//   - message_rate: 5
//   - message_burst: message_rate
//   - shutdown_wait: "2s"
type SchedulerConfig struct {
	// Mode is one of sync, thread, dispatch. Changing it at runtime swaps
	// the backend on the next tick.
	Mode string `json:"mode"`
	// ThreadedMode is the backend "threaded" toggles switch to.
	ThreadedMode string `json:"threaded_mode,omitempty"`

	Tick      string `json:"tick,omitempty"`
	WakeSlack string `json:"wake_slack,omitempty"`
	WaitPoll  string `json:"wait_poll,omitempty"`

	MessageRate  int `json:"message_rate,omitempty"`
	MessageBurst int `json:"message_burst,omitempty"`

	// ShutdownWait bounds how long shutdown waits for cancelled tasks.
	ShutdownWait string `json:"shutdown_wait,omitempty"`
}

// StorageConfig controls the task journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./taskq_journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// DebugConfig controls the optional debug HTTP server (pprof and metrics).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Metrics serves Prometheus metrics on /metrics.
	Metrics bool `json:"metrics,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TriggersConfig controls the trigger service that pushes tasks on a
// schedule.
type TriggersConfig struct {
	Enabled bool `json:"enabled"`
	// Timezone for cron and daily schedules. Defaults to the local zone.
	Timezone string       `json:"timezone,omitempty"`
	Jobs     []TriggerJob `json:"jobs,omitempty"`
}

// TriggerJob is one scheduled task.
//
// Schedule accepts cron expressions, descriptors (@hourly), Go durations,
// HH:MM intervals, "at:<RFC3339>" and "in:<duration>".
type TriggerJob struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Kind selects the built-in task: "steps" (default), "sleep", "fail".
	Kind  string `json:"kind,omitempty"`
	Title string `json:"title,omitempty"`
	// Steps is how many handler runs a "steps" task takes to finish.
	Steps int `json:"steps,omitempty"`
	// Every delays each step ("sleep" and "steps"), Go duration string.
	Every string `json:"every,omitempty"`

	Mute         bool `json:"mute,omitempty"`
	Blocking     bool `json:"blocking,omitempty"`
	AllowOverlap bool `json:"allow_overlap,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in job definitions are
// caught on reload. Top-level decoding is already strict; this keeps jobs
// strict when a TriggerJob is decoded on its own.
func (j *TriggerJob) UnmarshalJSON(b []byte) error {
	type plain TriggerJob
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*j = TriggerJob(p)
	return nil
}
