package engine

import (
	"context"
	"time"

	"taskcore/internal/task"
)

// Config controls the task execution engine.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt. 0 disables the timeout.
	DefaultTimeout time.Duration

	// MaxQueueDelay fails tasks that waited in the queue longer than this.
	// 0 disables the check.
	MaxQueueDelay time.Duration

	HistorySize int

	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// ReportTimeout bounds the Complete/Fail call after a run.
	ReportTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.ReportTimeout <= 0 {
		c.ReportTimeout = 10 * time.Second
	}
	return c
}

// HandlerFunc runs one task. Return NoRetry to skip retries or RetryAfter to
// suggest a delay.
type HandlerFunc func(ctx context.Context, t *task.Task) error

// Reporter receives execution outcomes.
type Reporter interface {
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error) error
}

type HistoryItem struct {
	ID         string
	Type       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	Error      string
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Handlers []string

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	History []HistoryItem
}

type queuedTask struct {
	task       *task.Task
	run        HandlerFunc
	enqueuedAt time.Time
}
