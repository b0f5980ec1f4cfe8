package scheduler

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
)

// ValidateDependencies checks that every hard dependency of t exists. The
// first missing one in declaration order is reported.
func (s *Scheduler) ValidateDependencies(ctx context.Context, t *task.Task) error {
	const op = "validate_dependencies"
	if t == nil {
		return s.fail(op, "", task.Validation(op, "", "task is required"))
	}
	return s.exec(ctx, op, t.ID, func(ctx context.Context) ([]eventbus.Event, error) {
		return nil, s.validateDependencies(ctx, op, t)
	})
}

func (s *Scheduler) validateDependencies(ctx context.Context, op string, t *task.Task) error {
	hard := t.HardDependencies()
	if len(hard) == 0 {
		return nil
	}
	found := make([]bool, len(hard))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range hard {
		g.Go(func() error {
			dep, err := s.queue.GetTask(gctx, id)
			if err != nil {
				return err
			}
			found[i] = dep != nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, ok := range found {
		if !ok {
			return task.DependencyErr(op, t.ID, fmt.Sprintf("required dependency %s not found", hard[i]))
		}
	}
	return nil
}
