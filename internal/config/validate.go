package config

import (
	"errors"
	"fmt"
	"strings"

	logx "taskq/pkg/logx"
)

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks fields that can be checked without building components:
// durations, log level, storage driver and trigger job definitions.
// Scheduler mode names are checked by the scheduler itself.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	sc := cfg.Scheduler
	for _, f := range []struct{ path, raw string }{
		{"scheduler.tick", sc.Tick},
		{"scheduler.wake_slack", sc.WakeSlack},
		{"scheduler.wait_poll", sc.WaitPoll},
		{"scheduler.shutdown_wait", sc.ShutdownWait},
		{"debug.read_timeout", cfg.Debug.ReadTimeout},
		{"debug.write_timeout", cfg.Debug.WriteTimeout},
		{"debug.idle_timeout", cfg.Debug.IdleTimeout},
	} {
		_, err := ParseDurationField(f.path, f.raw)
		add(err)
	}
	if sc.MessageRate < 0 {
		add(errors.New("scheduler.message_rate: must be >= 0"))
	}
	if sc.MessageBurst < 0 {
		add(errors.New("scheduler.message_burst: must be >= 0"))
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none", "disabled", "off", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
	}

	seen := make(map[string]struct{}, len(cfg.Triggers.Jobs))
	for i, j := range cfg.Triggers.Jobs {
		name := strings.TrimSpace(j.Name)
		prefix := fmt.Sprintf("triggers.jobs[%d]", i)
		if name == "" {
			add(fmt.Errorf("%s.name: required", prefix))
		} else if _, dup := seen[name]; dup {
			add(fmt.Errorf("%s.name: duplicate %q", prefix, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			add(fmt.Errorf("%s.schedule: required", prefix))
		}
		switch strings.ToLower(strings.TrimSpace(j.Kind)) {
		case "", "steps", "sleep", "fail":
		default:
			add(fmt.Errorf("%s.kind: unknown kind %q", prefix, j.Kind))
		}
		if j.Steps < 0 {
			add(fmt.Errorf("%s.steps: must be >= 0", prefix))
		}
		_, err := ParseDurationField(prefix+".every", j.Every)
		add(err)
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}
