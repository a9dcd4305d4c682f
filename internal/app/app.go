package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	prom "github.com/prometheus/client_golang/prometheus"

	"taskq/internal/config"
	"taskq/internal/eventbus"
	"taskq/internal/mainloop"
	"taskq/internal/observability/debugserver"
	"taskq/internal/observability/metrics"
	rtsup "taskq/internal/runtime/supervisor"
	"taskq/internal/sink"
	"taskq/internal/storage"
	"taskq/internal/task/engine"
	"taskq/internal/task/trigger"
	logx "taskq/pkg/logx"
)

const recentMessages = 256

// App wires the scheduler, its frame loop and the supporting services.
type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	root    logx.Logger // session-scoped, no component field
	log     logx.Logger
	logs    *logx.Service
	session string

	bus   *eventbus.MemBus
	store storage.Store

	reg     *prom.Registry
	metrics *metrics.Exporter

	sched    *engine.Scheduler
	loop     *mainloop.Loop
	triggers *trigger.Service
	logSink  *sink.LogSink
	recorder *sink.Recorder
	debug    *debugserver.Service

	shutdownWait atomic.Int64
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	session := uuid.NewString()
	log = log.With(logx.String("session", session))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log)
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	ss, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}

	reg := prom.NewRegistry()
	exp, err := metrics.New("taskq", reg, metrics.Options{})
	if err != nil {
		return nil, err
	}

	logSink := sink.NewLogSink(ss.sink, log)
	recorder := sink.NewRecorder(recentMessages)

	sched := engine.New(ss.engine, sink.Tee{logSink, recorder},
		engine.WithLogger(log),
		engine.WithBus(bus),
		engine.WithMetrics(exp),
	)
	exp.SetMode(ss.engine.Mode)

	loop := mainloop.New(mainloop.Config{Tick: ss.tick}, log)
	triggers := trigger.New(mapTriggerConfig(cfg), sched, loop, log.With(logx.String("comp", "trigger")), bus)

	a := &App{
		cfgm:     cfgm,
		root:     log,
		log:      appLog,
		logs:     logSvc,
		session:  session,
		bus:      bus,
		store:    store,
		reg:      reg,
		metrics:  exp,
		sched:    sched,
		loop:     loop,
		triggers: triggers,
		logSink:  logSink,
		recorder: recorder,
	}
	a.shutdownWait.Store(int64(ss.shutdownWait))

	if err := a.registerJobs(cfg.Triggers.Jobs, nil); err != nil {
		return nil, err
	}

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.debug = debugserver.New(dcfg, a.debugSources(), log)
	return a, nil
}

// registerJobs adds jobs to the trigger service. When only is non-nil, jobs
// whose name is not in it are left alone.
func (a *App) registerJobs(jobs []config.TriggerJob, only map[string]bool) error {
	for _, j := range jobs {
		name := strings.TrimSpace(j.Name)
		if only != nil && !only[name] {
			continue
		}
		build, err := buildFactory(j)
		if err != nil {
			return fmt.Errorf("triggers.jobs %q: %w", name, err)
		}
		if _, err := a.triggers.AddSchedule(name, j.Schedule, trigger.Options{AllowOverlap: j.AllowOverlap}, build); err != nil {
			return fmt.Errorf("triggers.jobs %q: %w", name, err)
		}
	}
	return nil
}

func (a *App) debugSources() debugserver.Sources {
	src := debugserver.Sources{
		Gatherer: a.reg,
		Status:   a.status,
		Messages: func(n int) any {
			msgs := a.recorder.Messages()
			if n > 0 && len(msgs) > n {
				msgs = msgs[len(msgs)-n:]
			}
			return msgs
		},
	}
	if a.store != nil {
		src.Journal = func(ctx context.Context, n int) (any, error) {
			return a.store.Recent(ctx, n)
		}
	}
	return src
}

type status struct {
	Session     string                    `json:"session"`
	Scheduler   engine.Snapshot           `json:"scheduler"`
	Triggers    trigger.Snapshot          `json:"triggers"`
	Bus         eventbus.Stats            `json:"bus"`
	Loop        loopStatus                `json:"loop"`
	Sink        sinkStatus                `json:"sink"`
	Supervisors map[string]rtsup.Snapshot `json:"supervisors"`
}

type loopStatus struct {
	Frames uint64        `json:"frames"`
	Tick   time.Duration `json:"tick"`
}

type sinkStatus struct {
	Written uint64 `json:"written"`
	Dropped uint64 `json:"dropped"`
}

func (a *App) status() any {
	written, dropped := a.logSink.Stats()
	st := status{
		Session:     a.session,
		Scheduler:   a.sched.Snapshot(),
		Triggers:    a.triggers.Snapshot(),
		Bus:         a.bus.Stats(),
		Loop:        loopStatus{Frames: a.loop.Frames(), Tick: a.loop.Tick()},
		Sink:        sinkStatus{Written: written, Dropped: dropped},
		Supervisors: map[string]rtsup.Snapshot{},
	}
	if a.sup != nil {
		st.Supervisors["app"] = a.sup.Snapshot()
	}
	if s := a.debug.Supervisor(); s != nil {
		st.Supervisors["debug"] = s.Snapshot()
	}
	return st
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.store != nil {
		events, unsub := a.bus.Subscribe(256, journalTopics...)
		a.sup.Go0("journal", func(c context.Context) {
			defer unsub()
			runJournal(c, events, a.store, a.session, a.root.With(logx.String("comp", "journal")))
		})
	}

	done, unsubDone := a.bus.Subscribe(256, engine.EventGathered)
	a.sup.Go0("sink.forget", func(c context.Context) {
		defer unsubDone()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-done:
				if !ok {
					return
				}
				if ev, ok := e.Data.(engine.TaskEvent); ok {
					a.logSink.Forget(ev.Ident)
				}
			}
		}
	})

	modes, unsubModes := a.bus.Subscribe(8, engine.EventMode)
	a.sup.Go0("metrics.mode", func(c context.Context) {
		defer unsubModes()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-modes:
				if !ok {
					return
				}
				if ev, ok := e.Data.(engine.ModeEvent); ok {
					if m, err := engine.ParseMode(ev.To); err == nil {
						a.metrics.SetMode(m)
					}
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if a.triggers.Enabled() {
		a.triggers.Start(a.sup.Context())
	}
	a.debug.Start(a.sup.Context())

	notifyReady(a.log)
	a.log.Info("app started",
		logx.String("mode", a.sched.Mode().String()),
		logx.Duration("tick", a.loop.Tick()),
	)
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if s == "storage" {
			a.log.Warn("storage config changed; restart required for changes to take effect")
			break
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if ss, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.SetMode(ss.engine.Mode)
		a.loop.SetTick(ss.tick)
		a.logSink.Apply(ss.sink)
		a.shutdownWait.Store(int64(ss.shutdownWait))
	}

	if len(jobsChanged) > 0 {
		only := make(map[string]bool, len(jobsChanged))
		for _, name := range jobsChanged {
			only[name] = true
			a.triggers.Remove(name)
		}
		if err := a.registerJobs(newCfg.Triggers.Jobs, only); err != nil {
			a.log.Warn("trigger jobs not fully applied", logx.Err(err))
		}
		a.log.Debug("trigger jobs changed", logx.Any("jobs", jobsChanged))
	}

	prevEnabled := a.triggers.Enabled()
	tcfg := mapTriggerConfig(newCfg)
	a.triggers.Apply(tcfg)
	switch {
	case prevEnabled && !tcfg.Enabled:
		a.log.Info("triggers disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.triggers.Stop(stopCtx)
		cancel()
	case !prevEnabled && tcfg.Enabled:
		a.log.Info("triggers enabled via config")
		a.triggers.Start(ctx)
	}

	if dcfg, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dcfg)
	}

	a.log.Info("config reloaded", fields...)
}

// Run drives the scheduler from the calling goroutine until ctx is done or
// the app is stopped. Call it from main.
func (a *App) Run(ctx context.Context) error {
	if a.sup == nil {
		return fmt.Errorf("app not started")
	}
	runCtx, cancel := context.WithCancel(a.sup.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return a.loop.Run(runCtx, a.sched.Check)
}

// Stop shuts the app down. It must run on the goroutine that called Run, once
// Run has returned, so the scheduler is drained by its owner.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping(a.log)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()
	a.loop.Stop()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		runStep(ctx, a.log, name, max, fn)
	}

	step("triggers", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })

	// The scheduler is drained inline: its sync backend runs handlers on the
	// caller, which must be the loop owner.
	start := time.Now()
	deadline := start.Add(time.Duration(a.shutdownWait.Load()))
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	a.sched.Reset()
	a.sched.Wait(func() bool { return time.Now().Before(deadline) })
	a.sched.Close()
	a.log.Debug("scheduler drained", logx.Duration("took", time.Since(start)))

	step("debug", 1*time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	// Wait for supervised goroutines (config watch/reload, journal) before
	// the store they write to is closed.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	written, dropped := a.logSink.Stats()
	a.log.Info("stopped",
		logx.String("reason", string(reason)),
		logx.Uint64("messages", written),
		logx.Uint64("messages_dropped", dropped),
	)
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// runStep runs a shutdown step with an upper bound so one component can't
// stall the whole stop.
func runStep(ctx context.Context, log logx.Logger, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
