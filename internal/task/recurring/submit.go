package recurring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (t Template) validate() error {
	if strings.TrimSpace(t.Type) == "" {
		return errors.New("task type required")
	}
	if strings.TrimSpace(t.CreatedBy) == "" {
		return errors.New("task created_by required")
	}
	if t.DeadlineAfter < 0 {
		return errors.New("deadline_after must be >= 0")
	}
	return nil
}

// Build returns a fresh task for one trigger.
func (t Template) Build(now time.Time) *task.Task {
	out := &task.Task{
		ID:        uuid.NewString(),
		Type:      t.Type,
		Priority:  t.Priority,
		Metadata:  &task.Metadata{CreatedBy: t.CreatedBy},
		CreatedAt: now.UTC(),
	}
	if len(t.Dependencies) > 0 {
		out.Dependencies = append([]task.Dependency(nil), t.Dependencies...)
	}
	if len(t.Payload) > 0 {
		out.Payload = append([]byte(nil), t.Payload...)
	}
	if t.DeadlineAfter > 0 {
		end := now.Add(t.DeadlineAfter).UTC()
		out.Metadata.EndTime = &end
	}
	return out
}

func (s *Service) submitJob(name string, tmpl Template) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		if s.sub == nil {
			return errors.New("no submitter")
		}
		t := tmpl.Build(s.now())
		if err := s.sub.Schedule(ctx, t); err != nil {
			return fmt.Errorf("submit %s: %w", t.ID, err)
		}
		s.log.Debug("recurring task submitted",
			logx.String("schedule", name),
			logx.String("task_id", t.ID),
			logx.String("type", t.Type),
		)
		if _, err := s.sub.Rebalance(ctx); err != nil {
			return fmt.Errorf("rebalance after %s: %w", t.ID, err)
		}
		return nil
	}
}

func (s *Service) rebalanceJob(ctx context.Context) error {
	_, err := s.sub.Rebalance(ctx)
	return err
}

// trigger runs job unless the previous run of the same schedule is still in
// flight.
func (s *Service) trigger(name string, state *runState, job func(ctx context.Context) error) {
	if !state.running.CompareAndSwap(false, true) {
		state.skips.Add(1)
		s.log.Debug("schedule trigger skipped", logx.String("schedule", name))
		return
	}
	defer state.running.Store(false)

	s.mu.Lock()
	base := s.runCtx
	timeout := s.cfg.TriggerTimeout
	if base == nil || base.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()
	if timeout <= 0 {
		timeout = defaultTriggerTimeout
	}
	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()

	state.runs.Add(1)
	if err := job(ctx); err != nil {
		s.reportError(name, err)
	}
}

func (s *Service) reportError(name string, err error) {
	if errors.Is(err, context.Canceled) {
		s.log.Debug("schedule run aborted", logx.String("schedule", name), logx.Err(err))
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < submitWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	s.log.Warn("schedule run failed", logx.String("schedule", name), logx.Err(err))
}
