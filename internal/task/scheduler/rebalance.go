package scheduler

import (
	"context"
	"sort"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// Rebalance promotes PENDING tasks into free slots, best candidates first:
// priority descending, then earliest deadline (none sorts last), then oldest.
// A candidate that fails is logged and skipped. Returns the promoted ids.
func (s *Scheduler) Rebalance(ctx context.Context) ([]string, error) {
	const op = "rebalance"
	var promoted []string
	err := s.exec(ctx, op, "", func(ctx context.Context) ([]eventbus.Event, error) {
		running, err := s.queue.CountByStatus(ctx, task.StatusRunning)
		if err != nil {
			return nil, err
		}
		slots := s.cfg.MaxConcurrent - running
		if slots <= 0 {
			return nil, nil
		}
		pending, err := s.queue.GetTasksByStatus(ctx, task.StatusPending)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return nil, nil
		}
		sortCandidates(pending)
		if len(pending) > slots {
			pending = pending[:slots]
		}

		var events []eventbus.Event
		for _, t := range pending {
			ev, ok := s.promote(ctx, op, t)
			if ok {
				promoted = append(promoted, t.ID)
				events = append(events, ev...)
			}
		}
		return events, nil
	})
	if len(promoted) > 0 {
		s.log.Info("tasks promoted", logx.String("op", op), logx.Strings("task_ids", promoted))
	}
	return promoted, err
}

// UpdateDependents re-checks every PENDING task that lists id as a dependency
// and promotes the ones that became schedulable. Per-task failures are logged
// and skipped.
func (s *Scheduler) UpdateDependents(ctx context.Context, id string) ([]string, error) {
	const op = "update_dependents"
	if id == "" {
		return nil, s.fail(op, "", task.Validation(op, "", "task id is required"))
	}
	var promoted []string
	err := s.exec(ctx, op, id, func(ctx context.Context) ([]eventbus.Event, error) {
		deps, err := s.queue.GetTasksByDependency(ctx, id)
		if err != nil {
			return nil, err
		}
		var events []eventbus.Event
		for _, t := range deps {
			if t.Status != task.StatusPending {
				continue
			}
			if err := s.validateDependencies(ctx, op, t); err != nil {
				s.skip(op, t.ID, err)
				continue
			}
			ev, ok := s.promote(ctx, op, t)
			if ok {
				promoted = append(promoted, t.ID)
				events = append(events, ev...)
			}
		}
		return events, nil
	})
	if len(promoted) > 0 {
		s.log.Info("dependents promoted",
			logx.String("op", op),
			logx.String("task_id", id),
			logx.Strings("task_ids", promoted),
		)
	}
	return promoted, err
}

// promote re-checks t and moves it to RUNNING. Failures are logged, not
// returned.
func (s *Scheduler) promote(ctx context.Context, op string, t *task.Task) ([]eventbus.Event, bool) {
	ok, err := s.canSchedule(ctx, op, t)
	if err != nil {
		s.skip(op, t.ID, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	ev, err := s.updateStatus(ctx, op, t, task.StatusRunning, "")
	if err != nil {
		s.skip(op, t.ID, err)
		return nil, false
	}
	return ev, true
}

func (s *Scheduler) skip(op, id string, err error) {
	s.log.Warn("candidate skipped",
		logx.String("op", op),
		logx.String("task_id", id),
		logx.Err(task.Wrap(op, id, err)),
	)
}

func sortCandidates(ts []*task.Task) {
	sort.SliceStable(ts, func(i, j int) bool {
		a, b := ts[i], ts[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		da, okA := a.Deadline()
		db, okB := b.Deadline()
		switch {
		case okA && okB && !da.Equal(db):
			return da.Before(db)
		case okA != okB:
			return okA
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
}

// IncreasePriority bumps the stored priority of id by one and returns it.
func (s *Scheduler) IncreasePriority(ctx context.Context, id string) (int, error) {
	const op = "increase_priority"
	if id == "" {
		return 0, s.fail(op, "", task.Validation(op, "", "task id is required"))
	}
	var prio int
	err := s.exec(ctx, op, id, func(ctx context.Context) ([]eventbus.Event, error) {
		t, err := s.load(ctx, op, id)
		if err != nil {
			return nil, err
		}
		t.Priority++
		if err := s.queue.Update(ctx, t); err != nil {
			return nil, err
		}
		prio = t.Priority
		return []eventbus.Event{s.event(eventbus.TaskPriority, t, "")}, nil
	})
	return prio, err
}

// Cancel moves id to CANCELLED, disarms its deadline and emits task:cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	const op = "cancel"
	if id == "" {
		return s.fail(op, "", task.Validation(op, "", "task id is required"))
	}
	return s.exec(ctx, op, id, func(ctx context.Context) ([]eventbus.Event, error) {
		return s.cancel(ctx, op, id, "cancelled")
	})
}

func (s *Scheduler) cancel(ctx context.Context, op, id, reason string) ([]eventbus.Event, error) {
	t, err := s.load(ctx, op, id)
	if err != nil {
		return nil, err
	}
	ev, err := s.updateStatus(ctx, op, t, task.StatusCancelled, reason)
	if err != nil {
		return nil, err
	}
	s.disarm(id)
	s.log.Info("task cancelled", logx.String("task_id", id), logx.String("reason", reason))
	return ev, nil
}

// Restore re-arms deadlines of PENDING tasks after a restart. Returns the
// number of timers armed.
func (s *Scheduler) Restore(ctx context.Context) (int, error) {
	const op = "restore"
	var n int
	err := s.exec(ctx, op, "", func(ctx context.Context) ([]eventbus.Event, error) {
		pending, err := s.queue.GetTasksByStatus(ctx, task.StatusPending)
		if err != nil {
			return nil, err
		}
		for _, t := range pending {
			if deadline, ok := t.Deadline(); ok {
				s.arm(t.ID, deadline)
				n++
			}
		}
		return nil, nil
	})
	if err == nil {
		s.log.Info("deadlines restored", logx.Int("armed", n))
	}
	return n, err
}

// SetDeadline arms a deadline for t. A zero deadline is a no-op.
func (s *Scheduler) SetDeadline(ctx context.Context, t *task.Task, deadline time.Time) error {
	const op = "set_deadline"
	if deadline.IsZero() {
		return nil
	}
	if t == nil || t.ID == "" {
		return s.fail(op, "", task.Validation(op, "", "task id is required"))
	}
	id := t.ID
	return s.exec(ctx, op, id, func(ctx context.Context) ([]eventbus.Event, error) {
		s.arm(id, deadline)
		return nil, nil
	})
}
