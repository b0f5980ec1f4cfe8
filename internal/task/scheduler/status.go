package scheduler

import (
	"context"
	"fmt"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// UpdateStatus moves t to next through the transition table and persists it.
// t is only mutated after the store accepted the write.
func (s *Scheduler) UpdateStatus(ctx context.Context, t *task.Task, next task.Status) error {
	const op = "update_status"
	if t == nil {
		return s.fail(op, "", task.Validation(op, "", "task is nil"))
	}
	return s.exec(ctx, op, t.ID, func(ctx context.Context) ([]eventbus.Event, error) {
		return s.updateStatus(ctx, op, t, next, "")
	})
}

// Transition loads id and moves it to next. Used for external completion
// signals; reason is carried on the emitted event.
func (s *Scheduler) Transition(ctx context.Context, id string, next task.Status, reason string) (*task.Task, error) {
	const op = "transition"
	if id == "" {
		return nil, s.fail(op, "", task.Validation(op, "", "task id is required"))
	}
	var out *task.Task
	err := s.exec(ctx, op, id, func(ctx context.Context) ([]eventbus.Event, error) {
		t, err := s.load(ctx, op, id)
		if err != nil {
			return nil, err
		}
		ev, err := s.updateStatus(ctx, op, t, next, reason)
		if err != nil {
			return nil, err
		}
		out = t.Clone()
		return ev, nil
	})
	return out, err
}

// Complete marks a RUNNING task COMPLETED.
func (s *Scheduler) Complete(ctx context.Context, id string) error {
	_, err := s.Transition(ctx, id, task.StatusCompleted, "")
	return err
}

// Fail marks a RUNNING task FAILED with cause as the event reason.
func (s *Scheduler) Fail(ctx context.Context, id string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	_, err := s.Transition(ctx, id, task.StatusFailed, reason)
	return err
}

// updateStatus runs on the actor.
func (s *Scheduler) updateStatus(ctx context.Context, op string, t *task.Task, next task.Status, reason string) ([]eventbus.Event, error) {
	from := t.Status
	if !from.CanTransitionTo(next) {
		return nil, task.State(op, t.ID, fmt.Sprintf("invalid transition %s -> %s", from, next))
	}

	cp := t.Clone()
	cp.Status = next
	if next == task.StatusRunning {
		cp.StampStart(s.now())
	}
	if err := s.queue.Update(ctx, cp); err != nil {
		return nil, err
	}
	t.Status = next
	t.Metadata = cp.Metadata

	if from == task.StatusPending || next.IsTerminal() {
		s.disarm(t.ID)
	}

	s.log.Debug("task status changed",
		logx.String("task_id", t.ID),
		logx.String("from", string(from)),
		logx.String("to", string(next)),
	)

	kind, ok := statusEvent[next]
	if !ok {
		return nil, nil
	}
	return []eventbus.Event{s.event(kind, cp, reason)}, nil
}

var statusEvent = map[task.Status]eventbus.Kind{
	task.StatusRunning:   eventbus.TaskStarted,
	task.StatusCompleted: eventbus.TaskCompleted,
	task.StatusFailed:    eventbus.TaskFailed,
	task.StatusCancelled: eventbus.TaskCancelled,
}

// load fetches id or fails with a State error.
func (s *Scheduler) load(ctx context.Context, op, id string) (*task.Task, error) {
	t, err := s.queue.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, task.State(op, id, "task not found")
	}
	return t, nil
}
