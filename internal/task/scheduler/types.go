package scheduler

import (
	"errors"
	"time"
)

const (
	DefaultMaxConcurrent = 10

	// deadlineOpTimeout bounds the store calls made when a deadline fires.
	deadlineOpTimeout = 30 * time.Second

	// maxCycleWalk bounds the dependency graph walk done at admission.
	maxCycleWalk = 10000
)

var (
	ErrStopped = errors.New("scheduler stopped")
)

// Config controls the scheduler. MaxConcurrent is read once by New.
type Config struct {
	MaxConcurrent int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	MaxConcurrent  int
	Running        int
	Pending        int
	ArmedDeadlines int
}
