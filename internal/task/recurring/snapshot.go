package recurring

import (
	"slices"
	"strings"
	"time"
)

// Snapshot lists cron and interval entries sorted by name, plus pending
// one-time entries.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Timezone:       s.cfg.Timezone,
		RebalanceEvery: s.cfg.RebalanceEvery,
		Once:           map[string]time.Time{},
	}
	if snap.Timezone == "" {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	for _, e := range s.entries {
		if e.once() {
			snap.Once[e.name] = e.at
			continue
		}
		info := ScheduleInfo{
			ID:    e.id,
			Name:  e.name,
			Spec:  e.spec,
			Runs:  e.state.runs.Load(),
			Skips: e.state.skips.Load(),
		}
		if s.c != nil && e.cronID != 0 {
			ce := s.c.Entry(e.cronID)
			info.Next, info.Prev = ce.Next, ce.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	slices.SortFunc(snap.Schedules, func(a, b ScheduleInfo) int { return strings.Compare(a.Name, b.Name) })
	return snap
}
