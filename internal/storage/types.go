package storage

import (
	"context"
	"errors"
	"time"

	"taskcore/internal/task"
)

var (
	ErrClosed     = errors.New("storage closed")
	ErrInvalidArg = errors.New("storage: invalid argument")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): non-durable, process-local
//   - "file": jsonl journal + snapshot under Path
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN connection string
type Config struct {
	Driver       string
	Path         string
	DSN          string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	CompactEvery int           // file only; journal records between snapshots
	MaxOpenConns int           // postgres only
}

// Queue is the task persistence capability the scheduler depends on.
//
// Returned tasks are copies; changes reach the store only through Update.
type Queue interface {
	// GetTask returns (nil, nil) when id is unknown.
	GetTask(ctx context.Context, id string) (*task.Task, error)
	// Update is an idempotent upsert by id.
	Update(ctx context.Context, t *task.Task) error
	// GetTasksByStatus lists tasks in createdAt order.
	GetTasksByStatus(ctx context.Context, status task.Status) ([]*task.Task, error)
	// GetTasksByDependency lists tasks declaring id anywhere in their dependencies.
	GetTasksByDependency(ctx context.Context, id string) ([]*task.Task, error)
	// CountByStatus counts tasks in status.
	CountByStatus(ctx context.Context, status task.Status) (int, error)
}

// Store is a Queue that owns resources.
type Store interface {
	Queue
	Close() error
}

func checkTask(t *task.Task) error {
	if t == nil {
		return errors.Join(ErrInvalidArg, errors.New("task is nil"))
	}
	if t.ID == "" {
		return errors.Join(ErrInvalidArg, errors.New("task id is empty"))
	}
	return nil
}
