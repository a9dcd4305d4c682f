package app

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskq/internal/config"
	"taskq/internal/task/engine"
)

func TestMapSchedulerConfigDefaults(t *testing.T) {
	ss, err := mapSchedulerConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeSync, ss.engine.Mode)
	assert.Equal(t, engine.ModeThread, ss.engine.ThreadedMode)
	assert.Equal(t, defaultTick, ss.tick)
	assert.Equal(t, defaultShutdownWait, ss.shutdownWait)
}

func TestMapSchedulerConfig(t *testing.T) {
	cfg := &config.Config{Scheduler: config.SchedulerConfig{
		Mode:         "dispatch",
		ThreadedMode: "dispatch",
		Tick:         "5ms",
		WakeSlack:    "1ms",
		WaitPoll:     "2ms",
		MessageRate:  3,
		MessageBurst: 6,
		ShutdownWait: "500ms",
	}}
	ss, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, engine.ModeDispatch, ss.engine.Mode)
	assert.Equal(t, engine.ModeDispatch, ss.engine.ThreadedMode)
	assert.Equal(t, 5*time.Millisecond, ss.tick)
	assert.Equal(t, time.Millisecond, ss.engine.WakeSlack)
	assert.Equal(t, 2*time.Millisecond, ss.engine.WaitPoll)
	assert.Equal(t, 3, ss.sink.RatePerSec)
	assert.Equal(t, 6, ss.sink.Burst)
	assert.Equal(t, 500*time.Millisecond, ss.shutdownWait)
}

func TestMapSchedulerConfigErrors(t *testing.T) {
	_, err := mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Mode: "fibers"}})
	assert.True(t, errors.Is(err, engine.ErrUnknownMode))

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{ThreadedMode: "sync"}})
	assert.ErrorContains(t, err, "not threaded")

	_, err = mapSchedulerConfig(&config.Config{Scheduler: config.SchedulerConfig{Tick: "fast"}})
	assert.ErrorContains(t, err, "scheduler.tick")
}

func TestMapStorageConfig(t *testing.T) {
	_, enabled, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, enabled)

	sc, enabled, err := mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "File"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, "file", sc.Driver)
	assert.Equal(t, "./taskq", sc.Path)

	sc, enabled, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite", Path: "j.db"}})
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.Equal(t, time.Second, sc.BusyTimeout)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "sqlite"}})
	assert.Error(t, err)

	_, _, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "redis"}})
	assert.ErrorContains(t, err, "unknown storage.driver")
}

func TestMapDebugConfigDefaults(t *testing.T) {
	d, err := mapDebugConfig(&config.Config{Debug: config.DebugConfig{Addr: " 127.0.0.1:0 "}})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:0", d.Addr)
	assert.Equal(t, 10*time.Second, d.ReadTimeout)
	assert.Zero(t, d.WriteTimeout)
	assert.Equal(t, time.Minute, d.IdleTimeout)
}

func TestValidate(t *testing.T) {
	ok := &config.Config{Triggers: config.TriggersConfig{
		Timezone: "UTC",
		Jobs: []config.TriggerJob{
			{Name: "a", Schedule: "@every 1m"},
			{Name: "b", Schedule: "*/5 * * * *", Kind: "fail"},
		},
	}}
	require.NoError(t, validate(ok))

	cases := map[string]*config.Config{
		"mode":     {Scheduler: config.SchedulerConfig{Mode: "bogus"}},
		"timezone": {Triggers: config.TriggersConfig{Timezone: "Mars/Olympus"}},
		"schedule": {Triggers: config.TriggersConfig{Jobs: []config.TriggerJob{{Name: "a", Schedule: "whenever"}}}},
		"kind":     {Triggers: config.TriggersConfig{Jobs: []config.TriggerJob{{Name: "a", Schedule: "1m", Kind: "nope"}}}},
		"debug":    {Debug: config.DebugConfig{ReadTimeout: "later"}},
		"storage":  {Storage: &config.StorageConfig{Driver: "tape"}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, validate(cfg))
		})
	}
}
