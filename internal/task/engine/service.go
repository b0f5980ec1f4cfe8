package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"taskcore/internal/eventbus"
	rtsup "taskcore/internal/runtime/supervisor"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	rep Reporter

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	unsub    func()
	inflight sync.Map // task id -> struct{}
	reports  sync.WaitGroup

	inFlight int32

	histMu  sync.Mutex
	history []HistoryItem

	dropped          atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedStale     atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
}

func New(cfg Config, rep Reporter, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		rep:      rep,
		handlers: map[string]HandlerFunc{},
	}
}

// Register binds a handler to a task type, replacing any previous one.
func (s *Service) Register(taskType string, h HandlerFunc) error {
	taskType = strings.TrimSpace(taskType)
	if taskType == "" {
		return errors.New("task type required")
	}
	if h == nil {
		return errors.New("handler is nil")
	}
	s.hmu.Lock()
	s.handlers[taskType] = h
	s.hmu.Unlock()
	s.log.Debug("handler registered", logx.String("type", taskType))
	return nil
}

// Handles reports whether taskType has a handler.
func (s *Service) Handles(taskType string) bool {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	_, ok := s.handlers[taskType]
	return ok
}

func (s *Service) handler(taskType string) HandlerFunc {
	s.hmu.RLock()
	defer s.hmu.RUnlock()
	return s.handlers[taskType]
}

// Start launches the worker pool and subscribes to task:started.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	stopCh, queue := s.stopCh, s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Worker failures should not take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	if s.bus != nil {
		unsub := s.bus.Subscribe(eventbus.TaskStarted, s.onStarted)
		s.mu.Lock()
		s.unsub = unsub
		s.mu.Unlock()
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop unsubscribes, stops the workers and waits for pending reports.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup, unsub := s.sup, s.unsub
	s.stopCh, s.q, s.sup, s.unsub = nil, nil, nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("task engine stop", logx.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Supervisor exposes the worker supervisor (nil when stopped).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) onStarted(e eventbus.Event) {
	if e.Task == nil || !s.Handles(e.Task.Type) {
		return
	}
	err := s.Enqueue(e.Task)
	switch {
	case err == nil, errors.Is(err, ErrDuplicate):
	case errors.Is(err, ErrStopped):
		s.log.Debug("task not enqueued: engine stopped", logx.String("task_id", e.Task.ID))
	default:
		// The task is RUNNING in the store; give the slot back.
		s.reportAsync(e.Task.ID, err)
	}
}

// Enqueue queues t without blocking. A task id already queued or running is
// rejected with ErrDuplicate.
func (s *Service) Enqueue(t *task.Task) error {
	if t == nil || t.ID == "" {
		return errors.New("task id required")
	}
	run := s.handler(t.Type)
	if run == nil {
		return fmt.Errorf("%w: %s", ErrNoHandler, t.Type)
	}

	s.mu.Lock()
	q := s.q
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}
	if _, dup := s.inflight.LoadOrStore(t.ID, struct{}{}); dup {
		return ErrDuplicate
	}

	select {
	case q <- queuedTask{task: t.Clone(), run: run, enqueuedAt: time.Now()}:
		return nil
	default:
		s.inflight.Delete(t.ID)
		s.dropped.Add(1)
		s.droppedQueueFull.Add(1)
		if s.shouldWarn(&s.lastQueueFullWarnAt, time.Now()) {
			s.log.Warn("task dropped: queue full",
				logx.String("task_id", t.ID),
				logx.Int("queue_cap", cap(q)),
				logx.Uint64("dropped_queue_full", s.droppedQueueFull.Load()),
			)
		}
		return ErrQueueFull
	}
}

// reportAsync reports a failure off the publishing goroutine. It is a no-op
// once Stop has begun, so reports.Add never races the final Wait.
func (s *Service) reportAsync(id string, cause error) bool {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		s.log.Debug("report skipped: engine stopped", logx.String("task_id", id))
		return false
	}
	s.reports.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.reports.Done()
		s.report(id, cause)
	}()
	return true
}

// report forwards an outcome. A State error means the task left RUNNING
// meanwhile (for example it was cancelled) and is dropped.
func (s *Service) report(id string, cause error) {
	if s.rep == nil {
		return
	}
	s.mu.Lock()
	timeout := s.cfg.ReportTimeout
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if cause == nil {
		err = s.rep.Complete(ctx, id)
	} else {
		err = s.rep.Fail(ctx, id, cause)
	}
	if err == nil {
		return
	}
	if errors.Is(err, task.ErrState) {
		s.log.Debug("task outcome dropped", logx.String("task_id", id), logx.Err(err))
		return
	}
	s.log.Error("task outcome not recorded", logx.String("task_id", id), logx.Err(err))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:          q != nil,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          s.dropped.Load(),
		DroppedQueueFull: s.droppedQueueFull.Load(),
		DroppedStale:     s.droppedStale.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.hmu.RLock()
	for typ := range s.handlers {
		snap.Handlers = append(snap.Handlers, typ)
	}
	s.hmu.RUnlock()
	sort.Strings(snap.Handlers)

	s.histMu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.histMu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.histMu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.histMu.Unlock()
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
