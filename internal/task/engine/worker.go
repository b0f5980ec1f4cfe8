package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "taskcore/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			err := s.execOne(ctx, stopCh, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
			s.inflight.Delete(qt.task.ID)
			s.report(qt.task.ID, err)
		}
	}
}

// execOne runs qt with retries and returns the final error.
func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.dropped.Add(1)
		s.droppedStale.Add(1)
		s.log.Warn("task dropped: stale queue",
			logx.String("task_id", t.ID),
			logx.Duration("queue_delay", queueDelay),
		)
		s.record(HistoryItem{ID: t.ID, Type: t.Type, Started: start, QueueDelay: queueDelay, Error: ErrStale.Error()})
		return ErrStale
	}

	s.log.Debug("task executing", logx.String("task_id", t.ID), logx.String("type", t.Type), logx.Duration("queue_delay", queueDelay))

	var err error
	attempts := 0
	maxAttempts := 1 + cfg.RetryMax
attemptLoop:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, cfg.DefaultTimeout, qt)
		if err == nil {
			break
		}
		if cause, ok := permanentCause(err); ok {
			err = cause
			break
		}
		if attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		s.log.Debug("task retry scheduled",
			logx.String("task_id", t.ID),
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = fmt.Errorf("%w: %w", ErrStopped, err)
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = fmt.Errorf("%w: %w", ErrStopped, err)
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: t.ID, Type: t.Type, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task execution failed",
			logx.String("task_id", t.ID),
			logx.String("type", t.Type),
			logx.Err(err),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts),
		)
	} else {
		fields := []logx.Field{
			logx.String("task_id", t.ID),
			logx.String("type", t.Type),
			logx.Duration("dur", dur),
			logx.Int("attempts", attempts),
		}
		if dur >= 750*time.Millisecond {
			s.log.Info("task execution finished", fields...)
		} else {
			s.log.Debug("task execution finished", fields...)
		}
	}
	s.record(item)
	return err
}

// runOnce guards against handler panics so one bad task can't kill a worker.
func (s *Service) runOnce(ctx context.Context, timeout time.Duration, qt queuedTask) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task handler panicked",
				logx.String("task_id", qt.task.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	return qt.run(runCtx, qt.task.Clone())
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	if hint, ok := retryHint(err); ok {
		return jitter(min(hint, cfg.RetryMaxDelay), cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return jitter(d, cfg, rng)
}

func jitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	if cfg.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * cfg.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), cfg.RetryMaxDelay)
}
