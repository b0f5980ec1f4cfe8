package recurring

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

const (
	// RebalanceName is the reserved name of the built-in rebalance tick.
	RebalanceName = "rebalance"

	defaultTriggerTimeout = 30 * time.Second
)

// Config controls the trigger service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	// RebalanceEvery drives the built-in rebalance tick; 0 disables it.
	RebalanceEvery time.Duration
	// TriggerTimeout bounds one submission; 0 means 30s.
	TriggerTimeout time.Duration
}

// Submitter is the scheduler surface triggers use.
type Submitter interface {
	Schedule(ctx context.Context, t *task.Task) error
	Rebalance(ctx context.Context) ([]string, error)
}

// Template describes the task submitted on every trigger.
type Template struct {
	Type          string
	Priority      int
	Payload       json.RawMessage
	CreatedBy     string
	DeadlineAfter time.Duration
	Dependencies  []task.Dependency
}

// Definition binds a template to a schedule string (see ParseSchedule).
type Definition struct {
	Name     string
	Schedule string
	Task     Template
}

// runState guards against overlapping runs of one definition.
type runState struct {
	running atomic.Bool
	runs    atomic.Uint64
	skips   atomic.Uint64
}

// entry is one named trigger. Cron and interval entries carry a spec; one-time
// entries carry only at and are dropped once they fire.
type entry struct {
	id    string
	name  string
	spec  string
	every time.Duration
	at    time.Time
	job   func(ctx context.Context) error
	state *runState

	cronID cron.EntryID
	timer  *time.Timer
}

func (e *entry) once() bool { return e.spec == "" }

type Service struct {
	log    logx.Logger
	sub    Submitter
	now    func() time.Time
	parser cron.Parser

	mu       sync.Mutex
	cfg      Config
	loc      *time.Location
	c        *cron.Cron
	entries  map[string]*entry
	seq      uint64
	runCtx   context.Context
	stopRuns context.CancelFunc
	inflight sync.WaitGroup

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	ID    string    `json:"id"`
	Name  string    `json:"name"`
	Spec  string    `json:"spec"`
	Next  time.Time `json:"next"`
	Prev  time.Time `json:"prev"`
	Runs  uint64    `json:"runs"`
	Skips uint64    `json:"skips"`
}

type Snapshot struct {
	Timezone       string               `json:"timezone"`
	RebalanceEvery time.Duration        `json:"rebalance_every"`
	Schedules      []ScheduleInfo       `json:"schedules"`
	Once           map[string]time.Time `json:"once"`
}
