package recurring

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskcore/pkg/logx"
)

// Add registers def, replacing any entry with the same name, and returns the
// name Remove takes. See ParseSchedule for the accepted schedule forms.
func (s *Service) Add(def Definition) (string, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return "", errors.New("name required")
	}
	if name == RebalanceName {
		return "", fmt.Errorf("name %q is reserved", RebalanceName)
	}
	if err := def.Task.validate(); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	trig, err := ParseSchedule(def.Schedule)
	if err != nil {
		return "", err
	}
	if !trig.Interval() {
		if _, err := s.parser.Parse(trig.Cron); err != nil {
			return "", fmt.Errorf("schedule %s: %w", name, err)
		}
	}

	e := &entry{name: name, spec: trig.Expr(), every: trig.Every, job: s.submitJob(name, def.Task)}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.putLocked(e); err != nil {
		return "", err
	}
	if s.c != nil && s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered",
			logx.String("name", name),
			logx.String("id", e.id),
			logx.String("spec", e.spec),
			logx.String("next", s.upcomingLocked(e, 3)),
		)
	}
	return name, nil
}

// AddDaily submits tmpl every day at HH:MM in the service timezone.
func (s *Service) AddDaily(name, atHHMM string, tmpl Template) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.Add(Definition{Name: name, Schedule: fmt.Sprintf("cron:%d %d * * *", m, h), Task: tmpl})
}

// AddOnce submits tmpl a single time at the given instant. A time in the past
// fires on the next Start, or immediately when running.
func (s *Service) AddOnce(name string, at time.Time, tmpl Template) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if name == RebalanceName {
		return "", fmt.Errorf("name %q is reserved", RebalanceName)
	}
	if at.IsZero() {
		return "", errors.New("at required")
	}
	if err := tmpl.validate(); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return name, s.putLocked(&entry{name: name, at: at, job: s.submitJob(name, tmpl)})
}

// Remove drops the entry registered under name and reports whether one
// existed. The rebalance tick cannot be removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" || name == RebalanceName {
		return false
	}
	s.mu.Lock()
	removed := s.dropLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Replace installs defs and drops every other recurring template entry.
// One-time entries and the rebalance tick are untouched. Invalid definitions
// are skipped and returned joined.
func (s *Service) Replace(defs []Definition) error {
	keep := make(map[string]bool, len(defs))
	var errs []error
	for _, d := range defs {
		name, err := s.Add(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		keep[name] = true
	}
	s.mu.Lock()
	for name, e := range s.entries {
		if !e.once() && name != RebalanceName && !keep[name] {
			s.dropLocked(name)
		}
	}
	s.mu.Unlock()
	return errors.Join(errs...)
}

func (s *Service) registerRebalanceLocked() {
	s.dropLocked(RebalanceName)
	every := s.cfg.RebalanceEvery
	if every <= 0 || s.sub == nil {
		return
	}
	e := &entry{name: RebalanceName, spec: "@every " + every.String(), every: every, job: s.rebalanceJob}
	if err := s.putLocked(e); err != nil {
		s.log.Error("rebalance tick register failed", logx.Err(err))
	}
}

// putLocked replaces any entry named e.name with e and arms it when running.
func (s *Service) putLocked(e *entry) error {
	s.dropLocked(e.name)
	s.seq++
	kind := "cron"
	switch {
	case e.once():
		kind = "once"
	case e.every > 0:
		kind = "interval"
	}
	e.id = kind + ":" + strconv.FormatUint(s.seq, 10)
	if e.state == nil {
		e.state = &runState{}
	}
	s.entries[e.name] = e
	if err := s.armLocked(e); err != nil {
		delete(s.entries, e.name)
		s.log.Error("schedule register failed", logx.String("name", e.name), logx.String("spec", e.spec), logx.Err(err))
		return err
	}
	return nil
}

func (s *Service) dropLocked(name string) bool {
	e, ok := s.entries[name]
	if !ok {
		return false
	}
	s.disarmLocked(e)
	delete(s.entries, name)
	return true
}

// armLocked hands e to cron or starts its one-shot timer. It is a no-op
// while stopped or when e is already armed.
func (s *Service) armLocked(e *entry) error {
	if s.c == nil || e.cronID != 0 || e.timer != nil {
		return nil
	}
	if e.once() {
		e.timer = time.AfterFunc(max(time.Until(e.at), 0), func() { s.fire(e) })
		return nil
	}
	name, state, job := e.name, e.state, e.job
	run := cron.FuncJob(func() { s.trigger(name, state, job) })
	if e.every > 0 {
		// Spread the first run so intervals registered together do not fire in lockstep.
		sched, _ := withStartupSpread(e.every, time.Now().In(s.loc), e.name)
		e.cronID = s.c.Schedule(sched, run)
		return nil
	}
	id, err := s.c.AddJob(e.spec, run)
	if err != nil {
		return err
	}
	e.cronID = id
	return nil
}

func (s *Service) disarmLocked(e *entry) {
	if e.cronID != 0 && s.c != nil {
		s.c.Remove(e.cronID)
	}
	e.cronID = 0
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// fire runs a one-time entry if it is still the registered one for its name.
// It is unregistered first so a restart cannot run it twice.
func (s *Service) fire(e *entry) {
	s.mu.Lock()
	if s.entries[e.name] != e {
		s.mu.Unlock()
		return
	}
	delete(s.entries, e.name)
	e.timer = nil
	s.mu.Unlock()
	s.trigger(e.name, e.state, e.job)
}

// upcomingLocked previews the next n run times of a cron entry.
func (s *Service) upcomingLocked(e *entry, n int) string {
	var sched cron.Schedule
	if e.every > 0 {
		sched = cron.Every(e.every)
	} else {
		var err error
		if sched, err = s.parser.Parse(e.spec); err != nil {
			return ""
		}
	}
	t := time.Now().In(s.loc)
	out := make([]string, 0, n)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return strings.Join(out, ", ")
}

func parseHHMM(s string) (hour, minute int, err error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	if hour, err = strconv.Atoi(hs); err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	if minute, err = strconv.Atoi(ms); err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}
