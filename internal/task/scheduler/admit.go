package scheduler

import (
	"context"
	"fmt"

	"github.com/gammazero/toposort"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// Schedule admits t as PENDING. When t could run right now its start time is
// stamped and its deadline armed; promotion to RUNNING is left to Rebalance
// and UpdateDependents.
//
// On success t reflects the persisted record.
func (s *Scheduler) Schedule(ctx context.Context, t *task.Task) error {
	const op = "schedule"
	if t == nil {
		return s.fail(op, "", task.Validation(op, "", "task is required"))
	}
	if err := task.Validate(t); err != nil {
		return s.fail(op, t.ID, err)
	}
	return s.exec(ctx, op, t.ID, func(ctx context.Context) ([]eventbus.Event, error) {
		return s.admit(ctx, op, t)
	})
}

func (s *Scheduler) admit(ctx context.Context, op string, t *task.Task) ([]eventbus.Event, error) {
	if err := s.checkCycles(ctx, op, t); err != nil {
		return nil, err
	}

	existing, err := s.queue.GetTask(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status != task.StatusPending {
		return nil, task.State(op, t.ID, fmt.Sprintf("task already exists with status %s", existing.Status))
	}

	cp := t.Clone()
	cp.Status = task.StatusPending
	if cp.CreatedAt.IsZero() {
		if existing != nil && !existing.CreatedAt.IsZero() {
			cp.CreatedAt = existing.CreatedAt
		} else {
			cp.CreatedAt = s.now().UTC()
		}
	}
	if err := s.queue.Update(ctx, cp); err != nil {
		return nil, err
	}
	s.disarm(cp.ID)
	t.Status = cp.Status
	t.CreatedAt = cp.CreatedAt

	events := []eventbus.Event{s.event(eventbus.TaskPending, cp, "")}

	ok, err := s.canSchedule(ctx, op, cp)
	if err != nil {
		return events, err
	}
	if !ok {
		s.log.Debug("task admitted, waiting",
			logx.String("task_id", t.ID),
			logx.Int("priority", t.Priority),
		)
		return events, nil
	}

	cp.StampStart(s.now())
	if err := s.queue.Update(ctx, cp); err != nil {
		return events, err
	}
	t.Metadata = cp.Clone().Metadata

	if deadline, ok := cp.Deadline(); ok {
		s.arm(cp.ID, deadline)
	}
	s.log.Debug("task admitted, schedulable",
		logx.String("task_id", t.ID),
		logx.Int("priority", t.Priority),
	)
	return events, nil
}

// CanSchedule reports whether t may be promoted now: every hard dependency is
// COMPLETED and a slot is free. A dependency missing from the store is an
// error.
func (s *Scheduler) CanSchedule(ctx context.Context, t *task.Task) (bool, error) {
	const op = "can_schedule"
	if t == nil {
		return false, s.fail(op, "", task.Validation(op, "", "task is required"))
	}
	var ok bool
	err := s.exec(ctx, op, t.ID, func(ctx context.Context) ([]eventbus.Event, error) {
		var err error
		ok, err = s.canSchedule(ctx, op, t)
		return nil, err
	})
	return ok, err
}

func (s *Scheduler) canSchedule(ctx context.Context, op string, t *task.Task) (bool, error) {
	for _, d := range t.Dependencies {
		dep, err := s.queue.GetTask(ctx, d.TaskID)
		if err != nil {
			return false, err
		}
		if dep == nil {
			return false, task.DependencyErr(op, t.ID, fmt.Sprintf("dependency %s not found", d.TaskID))
		}
		if d.Type == task.DependencyHard && dep.Status != task.StatusCompleted {
			return false, nil
		}
	}
	running, err := s.queue.CountByStatus(ctx, task.StatusRunning)
	if err != nil {
		return false, err
	}
	return s.cfg.MaxConcurrent-running > 0, nil
}

// checkCycles rejects t when its hard dependencies, followed through the
// store, lead back to t.
func (s *Scheduler) checkCycles(ctx context.Context, op string, t *task.Task) error {
	hard := t.HardDependencies()
	if len(hard) == 0 {
		return nil
	}
	for _, id := range hard {
		if id == t.ID {
			return task.DependencyErr(op, t.ID, "task depends on itself")
		}
	}

	edges := make([]toposort.Edge, 0, len(hard))
	for _, id := range hard {
		edges = append(edges, toposort.Edge{id, t.ID})
	}

	seen := map[string]bool{t.ID: true}
	queue := append([]string(nil), hard...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		if len(seen) > maxCycleWalk {
			return task.DependencyErr(op, t.ID, "dependency graph too large to verify")
		}
		dep, err := s.queue.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if dep == nil {
			continue
		}
		for _, next := range dep.HardDependencies() {
			edges = append(edges, toposort.Edge{next, id})
			if !seen[next] {
				queue = append(queue, next)
			}
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return task.DependencyErr(op, t.ID, "dependency cycle detected")
	}
	return nil
}
