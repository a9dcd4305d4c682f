package trigger

import (
	"sort"
	"strings"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := append([]scheduleDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if tz == "" && loc != nil {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		kind := SpecCron
		if strings.HasPrefix(d.spec, "@every") {
			kind = SpecInterval
		}
		it := ScheduleInfo{Name: d.name, Kind: kind, Spec: d.spec, InFlight: d.inflight.Load()}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	s.tmu.Lock()
	for name, od := range s.once {
		items = append(items, ScheduleInfo{
			Name:     name,
			Kind:     SpecOnce,
			Spec:     "at:" + od.at.Format(time.RFC3339),
			Next:     od.at,
			InFlight: od.inflight.Load(),
		})
	}
	s.tmu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return Snapshot{Enabled: enabled, Timezone: tz, Schedules: items}
}
