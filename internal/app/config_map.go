package app

import (
	"fmt"
	"strings"
	"time"

	"taskq/internal/config"
	"taskq/internal/observability/debugserver"
	"taskq/internal/sink"
	"taskq/internal/task/engine"
	"taskq/internal/task/trigger"
	logx "taskq/pkg/logx"
)

const (
	defaultTick         = 16 * time.Millisecond
	defaultShutdownWait = 2 * time.Second
)

// schedulerSettings is the scheduler section resolved into component configs.
type schedulerSettings struct {
	engine       engine.Config
	tick         time.Duration
	sink         sink.Config
	shutdownWait time.Duration
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (schedulerSettings, error) {
	sc := cfg.Scheduler
	mode, err := engine.ParseMode(sc.Mode)
	if err != nil {
		return schedulerSettings{}, fmt.Errorf("scheduler.mode: %w", err)
	}
	threaded := engine.ModeThread
	if strings.TrimSpace(sc.ThreadedMode) != "" {
		if threaded, err = engine.ParseMode(sc.ThreadedMode); err != nil {
			return schedulerSettings{}, fmt.Errorf("scheduler.threaded_mode: %w", err)
		}
		if !threaded.Threaded() {
			return schedulerSettings{}, fmt.Errorf("scheduler.threaded_mode: %s is not threaded", threaded)
		}
	}

	out := schedulerSettings{
		engine: engine.Config{Mode: mode, ThreadedMode: threaded},
		sink:   sink.Config{RatePerSec: sc.MessageRate, Burst: sc.MessageBurst},
	}
	if out.tick, err = config.ParseDurationOrDefault("scheduler.tick", sc.Tick, defaultTick); err != nil {
		return schedulerSettings{}, err
	}
	if out.engine.WakeSlack, err = config.ParseDurationField("scheduler.wake_slack", sc.WakeSlack); err != nil {
		return schedulerSettings{}, err
	}
	if out.engine.WaitPoll, err = config.ParseDurationField("scheduler.wait_poll", sc.WaitPoll); err != nil {
		return schedulerSettings{}, err
	}
	if out.shutdownWait, err = config.ParseDurationOrDefault("scheduler.shutdown_wait", sc.ShutdownWait, defaultShutdownWait); err != nil {
		return schedulerSettings{}, err
	}
	return out, nil
}

func mapTriggerConfig(cfg *config.Config) trigger.Config {
	return trigger.Config{
		Enabled:  cfg.Triggers.Enabled,
		Timezone: strings.TrimSpace(cfg.Triggers.Timezone),
	}
}

func mapDebugConfig(cfg *config.Config) (debugserver.Config, error) {
	d := cfg.Debug
	out := debugserver.Config{
		Enabled:              d.Enabled,
		Addr:                 strings.TrimSpace(d.Addr),
		Prefix:               strings.TrimSpace(d.Prefix),
		Token:                strings.TrimSpace(d.Token),
		AllowInsecure:        d.AllowInsecure,
		Metrics:              d.Metrics,
		MutexProfileFraction: d.MutexProfileFraction,
		BlockProfileRate:     d.BlockProfileRate,
		MemProfileRate:       d.MemProfileRate,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", d.ReadTimeout, 10*time.Second); err != nil {
		return debugserver.Config{}, err
	}
	// 0 keeps /profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("debug.write_timeout", d.WriteTimeout); err != nil {
		return debugserver.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", d.IdleTimeout, time.Minute); err != nil {
		return debugserver.Config{}, err
	}
	return out, nil
}

// validate rejects configs the components would refuse. It runs on load and
// before a reloaded config is committed.
func validate(cfg *config.Config) error {
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDebugConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Triggers.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("triggers.timezone: invalid %q: %w", tz, err)
		}
	}
	now := time.Now()
	for _, j := range cfg.Triggers.Jobs {
		if _, err := trigger.ParseSchedule(j.Schedule, now); err != nil {
			return fmt.Errorf("triggers.jobs %q: %w", j.Name, err)
		}
		if _, err := buildFactory(j); err != nil {
			return fmt.Errorf("triggers.jobs %q: %w", j.Name, err)
		}
	}
	return nil
}
