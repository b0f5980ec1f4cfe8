package recurring

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskcore/pkg/logx"
)

func New(cfg Config, sub Submitter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		log:      log,
		sub:      sub,
		now:      time.Now,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		entries:  map[string]*entry{},
		lastWarn: map[string]time.Time{},
	}
}

// Apply swaps the config. A rebalance interval change re-registers the tick;
// a timezone change moves every cron entry onto a new cron instance.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.c == nil {
		s.mu.Unlock()
		return
	}
	if prev.RebalanceEvery != cfg.RebalanceEvery {
		s.registerRebalanceLocked()
	}
	var retired *cron.Cron
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		retired = s.c
		s.loc = s.location()
		s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
		for _, e := range s.entries {
			if !e.once() {
				e.cronID = 0
				s.armLocked(e)
			}
		}
		s.c.Start()
		s.log.Info("recurring timezone changed", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
	}
	s.mu.Unlock()

	if retired != nil {
		retired.Stop()
	}
}

// Start arms every registered entry, including one-time entries added
// while stopped.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.stopRuns = context.WithCancel(context.WithoutCancel(ctx))
	s.loc = s.location()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	s.registerRebalanceLocked()
	for _, e := range s.entries {
		s.armLocked(e)
	}
	s.c.Start()
	s.log.Info("recurring started",
		logx.String("tz", s.loc.String()),
		logx.Int("entries", len(s.entries)),
		logx.Duration("rebalance_every", s.cfg.RebalanceEvery),
	)
}

// Stop disarms all triggers and waits for in-flight submissions. Entries
// stay registered and fire again after the next Start.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	began := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	for _, e := range s.entries {
		e.cronID = 0
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	if s.stopRuns != nil {
		s.stopRuns()
	}
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("recurring stop timed out waiting for submissions")
	}
	s.log.Info("recurring stopped", logx.Duration("took", time.Since(began)))
}

// location resolves the configured timezone, falling back to Local.
func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
