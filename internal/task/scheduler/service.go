package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

// Scheduler is the task scheduling core. Construct with New, then Start.
type Scheduler struct {
	cfg   Config
	queue storage.Queue
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	reqs   chan request
	stopCh chan struct{}
	done   chan struct{}

	// Owned by the actor goroutine.
	timers   map[string]*deadlineTimer
	timerVer uint64
}

// opFunc runs on the actor goroutine and returns events to publish once the
// caller has the reply.
type opFunc func(ctx context.Context) ([]eventbus.Event, error)

type request struct {
	ctx   context.Context
	fn    opFunc
	reply chan response
}

type response struct {
	events []eventbus.Event
	err    error
}

type Option func(*Scheduler)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, queue storage.Queue, bus eventbus.Bus, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.New()
	}
	s := &Scheduler{
		cfg:    cfg.withDefaults(),
		queue:  queue,
		bus:    bus,
		log:    log,
		now:    time.Now,
		timers: map[string]*deadlineTimer{},
	}
	for _, o := range opts {
		if o != nil {
			o(s)
		}
	}
	return s
}

// MaxConcurrent returns the configured slot count.
func (s *Scheduler) MaxConcurrent() int { return s.cfg.MaxConcurrent }

// Bus returns the emitter lifecycle events are published on.
func (s *Scheduler) Bus() eventbus.Bus { return s.bus }

// Start launches the actor goroutine. Start is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.reqs = make(chan request)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, s.reqs, s.stopCh, s.done)
	s.log.Info("scheduler started", logx.Int("max_concurrent", s.cfg.MaxConcurrent))
}

// Stop ends the actor after the request in flight and disarms every deadline
// timer. Deadlines of tasks still PENDING are re-armed by Restore on the next
// start.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	stopCh, done := s.stopCh, s.done
	if stopCh == nil {
		s.mu.Unlock()
		return
	}
	closeOnce(stopCh)
	s.mu.Unlock()

	select {
	case <-done:
		s.mu.Lock()
		s.reqs, s.stopCh, s.done = nil, nil, nil
		s.mu.Unlock()
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Scheduler) loop(ctx context.Context, reqs <-chan request, stopCh chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.disarmAll()
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-stopCh:
			return
		default:
		}
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			s.closeStop(stopCh)
			return
		case r := <-reqs:
			events, err := s.run(r)
			r.reply <- response{events: events, err: err}
		}
	}
}

func (s *Scheduler) closeStop(stopCh chan struct{}) {
	s.mu.Lock()
	closeOnce(stopCh)
	s.mu.Unlock()
}

func closeOnce(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (s *Scheduler) run(r request) (events []eventbus.Event, err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("scheduler op panic", logx.Any("panic", p))
			events, err = nil, task.Wrap("run", "", errors.New("internal panic"))
		}
	}()
	return r.fn(r.ctx)
}

// exec sends fn to the actor, waits for the reply, publishes the returned
// events, and logs failures with op and task context.
func (s *Scheduler) exec(ctx context.Context, op, id string, fn opFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	reqs, stopCh := s.reqs, s.stopCh
	s.mu.Unlock()
	if reqs == nil {
		return s.fail(op, id, task.Wrap(op, id, ErrStopped))
	}

	r := request{ctx: ctx, fn: fn, reply: make(chan response, 1)}
	select {
	case reqs <- r:
	case <-stopCh:
		return s.fail(op, id, task.Wrap(op, id, ErrStopped))
	case <-ctx.Done():
		return s.fail(op, id, task.Wrap(op, id, ctx.Err()))
	}

	// Once accepted, the actor always replies.
	resp := <-r.reply
	for _, e := range resp.events {
		s.bus.Publish(e)
	}
	if resp.err != nil {
		return s.fail(op, id, task.Wrap(op, id, resp.err))
	}
	return nil
}

func (s *Scheduler) fail(op, id string, err error) error {
	fields := []logx.Field{logx.String("op", op), logx.Err(err)}
	if id != "" {
		fields = append(fields, logx.String("task_id", id))
	}
	switch task.KindOf(err) {
	case task.ErrValidation, task.ErrDependency, task.ErrState:
		s.log.Warn("scheduler operation rejected", fields...)
	default:
		if errors.Is(err, ErrStopped) || errors.Is(err, context.Canceled) {
			s.log.Debug("scheduler operation aborted", fields...)
		} else {
			s.log.Error("scheduler operation failed", fields...)
		}
	}
	return err
}

func (s *Scheduler) event(kind eventbus.Kind, t *task.Task, reason string) eventbus.Event {
	return eventbus.Event{Kind: kind, Time: s.now(), Task: t.Clone(), Reason: reason}
}

// Snapshot reports slot usage and armed deadline timers.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := s.exec(ctx, "snapshot", "", func(ctx context.Context) ([]eventbus.Event, error) {
		running, err := s.queue.CountByStatus(ctx, task.StatusRunning)
		if err != nil {
			return nil, err
		}
		pending, err := s.queue.CountByStatus(ctx, task.StatusPending)
		if err != nil {
			return nil, err
		}
		snap = Snapshot{
			MaxConcurrent:  s.cfg.MaxConcurrent,
			Running:        running,
			Pending:        pending,
			ArmedDeadlines: len(s.timers),
		}
		return nil, nil
	})
	return snap, err
}
