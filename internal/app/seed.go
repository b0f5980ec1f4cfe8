package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// SeedFile admits every task in a JSON array file, then rebalances once.
// Tasks without an id get a UUID. It returns how many were admitted; the
// rest are reported in the joined error.
func (a *App) SeedFile(ctx context.Context, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var tasks []*task.Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		return 0, fmt.Errorf("seed %s: %w", path, err)
	}
	return a.Seed(ctx, tasks)
}

func (a *App) Seed(ctx context.Context, tasks []*task.Task) (int, error) {
	var errs []error
	admitted := 0
	for i, t := range tasks {
		if t == nil {
			errs = append(errs, fmt.Errorf("seed[%d]: null task", i))
			continue
		}
		if strings.TrimSpace(t.ID) == "" {
			t.ID = uuid.NewString()
		}
		if err := a.sched.Schedule(ctx, t); err != nil {
			errs = append(errs, fmt.Errorf("seed[%d] %s: %w", i, t.ID, err))
			continue
		}
		admitted++
	}
	promoted, err := a.sched.Rebalance(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	a.log.Info("seeded tasks", logx.Int("admitted", admitted), logx.Int("rejected", len(tasks)-admitted), logx.Int("promoted", len(promoted)))
	return admitted, errors.Join(errs...)
}
