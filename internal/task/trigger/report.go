package trigger

import (
	"time"

	logx "taskq/pkg/logx"
)

const refusedWarnThrottle = 5 * time.Second

// report logs a firing that did not end up in the scheduler. A blocking task
// refused every tick would otherwise flood the log, so warnings are
// throttled per schedule.
func (s *Service) report(name, reason string) {
	s.publish(EventSkipped, Event{Schedule: name, Reason: reason})

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < refusedWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("schedule failed to push task", logx.String("schedule", name), logx.String("reason", reason))
}
