package trigger

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskq/internal/eventbus"
	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

var (
	ErrNameRequired    = errors.New("schedule name required")
	ErrFactoryRequired = errors.New("task factory required")
)

// AddSchedule parses schedule (see ParseSchedule) and registers it under
// name, replacing any schedule with the same name.
func (s *Service) AddSchedule(name, schedule string, opt Options, build Factory) (string, error) {
	ps, err := ParseSchedule(schedule, time.Now())
	if err != nil {
		return "", err
	}
	switch ps.Kind {
	case SpecCron:
		return s.AddCron(name, ps.Cron, opt, build)
	case SpecInterval:
		return s.AddInterval(name, ps.Every, opt, build)
	case SpecOnce:
		return s.AddOnce(name, ps.At, build)
	default:
		return "", fmt.Errorf("unsupported schedule kind %s", ps.Kind)
	}
}

func (s *Service) AddCron(name, spec string, opt Options, build Factory) (string, error) {
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("cron %q: %w", spec, err)
	}
	return s.addDef(name, spec, opt, build)
}

func (s *Service) AddInterval(name string, every time.Duration, opt Options, build Factory) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return s.addDef(name, "@every "+every.String(), opt, build)
}

// AddDaily fires every day at HH:MM in the service timezone.
func (s *Service) AddDaily(name, atHHMM string, opt Options, build Factory) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), opt, build)
}

func (s *Service) addDef(name, spec string, opt Options, build Factory) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if build == nil {
		return "", ErrFactoryRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(name)
	s.removeOnce(name)

	s.defs = append(s.defs, scheduleDef{
		name:     name,
		spec:     spec,
		build:    build,
		opt:      opt,
		inflight: &atomic.Bool{},
	})
	if s.c == nil {
		// Registered with cron on Start.
		return name, nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("spread", d.startupSpread))
	return name, nil
}

// AddOnce fires a single time at at (immediately if at has passed).
func (s *Service) AddOnce(name string, at time.Time, build Factory) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrNameRequired
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if build == nil {
		return "", ErrFactoryRequired
	}

	s.mu.Lock()
	_ = s.removeScheduleLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if prev := s.once[name]; prev != nil && prev.timer != nil {
		prev.timer.Stop()
	}
	s.onceSeq++
	od := &onceDef{at: at, build: build, ver: s.onceSeq, inflight: &atomic.Bool{}}
	s.once[name] = od
	if s.running {
		s.armOnceLocked(name, od)
	}
	return name, nil
}

// armOnceLocked starts od's timer. Call with s.tmu held.
func (s *Service) armOnceLocked(name string, od *onceDef) {
	delay := time.Until(od.at)
	if delay < 0 {
		delay = 0
	}
	ver := od.ver
	od.timer = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		cur := s.once[name]
		if cur == nil || cur.ver != ver {
			// Removed or replaced since this timer was armed.
			s.tmu.Unlock()
			return
		}
		delete(s.once, name)
		s.tmu.Unlock()
		s.fire(name, cur.build, Options{}, cur.inflight)
	})
}

// Remove unschedules everything registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	removed = s.removeOnce(name) || removed
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// removeScheduleLocked drops every def called name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) removeOnce(name string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	od := s.once[name]
	if od == nil {
		return false
	}
	if od.timer != nil {
		od.timer.Stop()
	}
	delete(s.once, name)
	return true
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, build, opt, inflight := d.name, d.build, d.opt, d.inflight
	job := cron.FuncJob(func() { s.fire(name, build, opt, inflight) })

	// Intervals get a startup spread so schedules registered together do
	// not all fire on the same tick.
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, jitter := intervalWithSpread(every, time.Now().In(loc), name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

// fire posts one push of a freshly built task to the scheduler's goroutine.
// Unless overlap is allowed, it skips while the previous task of the same
// schedule has not been gathered.
func (s *Service) fire(name string, build Factory, opt Options, inflight *atomic.Bool) {
	if opt.AllowOverlap {
		inflight.Store(true)
	} else if !inflight.CompareAndSwap(false, true) {
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name), logx.String("reason", "in_flight"))
		s.publish(EventSkipped, Event{Schedule: name, Reason: "in_flight"})
		return
	}

	ok := s.post.Post(func() {
		t := build(name)
		if t == nil {
			inflight.Store(false)
			s.report(name, "no_task")
			return
		}
		prev := t.Cleanup
		t.Cleanup = func(t *task.Task) {
			inflight.Store(false)
			if prev != nil {
				prev(t)
			}
		}
		if !s.push.Push(t) {
			inflight.Store(false)
			s.report(name, "refused")
			return
		}
		s.publish(EventFired, Event{Schedule: name, Ident: t.Ident()})
	})
	if !ok {
		inflight.Store(false)
		s.report(name, "loop_stopped")
	}
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
