package scheduler

import (
	"context"
	"time"

	"taskcore/internal/eventbus"
	"taskcore/internal/task"
	logx "taskcore/pkg/logx"
)

type deadlineTimer struct {
	timer *time.Timer
	ver   uint64
	at    time.Time
}

// arm replaces any timer for id. Runs on the actor.
func (s *Scheduler) arm(id string, at time.Time) {
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}
	s.timerVer++
	ver := s.timerVer
	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[id] = &deadlineTimer{
		ver: ver,
		at:  at,
		timer: time.AfterFunc(delay, func() {
			s.onDeadline(id, ver)
		}),
	}
	s.log.Debug("deadline armed",
		logx.String("task_id", id),
		logx.Time("deadline", at),
		logx.Duration("in", delay),
	)
}

// disarm stops and forgets the timer for id. Runs on the actor.
func (s *Scheduler) disarm(id string) {
	if dt, ok := s.timers[id]; ok {
		dt.timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) disarmAll() {
	for id, dt := range s.timers {
		dt.timer.Stop()
		delete(s.timers, id)
	}
}

// onDeadline runs on the timer goroutine and hands off to the actor. A stale
// version means the timer was replaced or disarmed after it fired.
func (s *Scheduler) onDeadline(id string, ver uint64) {
	const op = "deadline"
	ctx, cancel := context.WithTimeout(context.Background(), deadlineOpTimeout)
	defer cancel()
	_ = s.exec(ctx, op, id, func(ctx context.Context) ([]eventbus.Event, error) {
		dt, ok := s.timers[id]
		if !ok || dt.ver != ver {
			return nil, nil
		}
		delete(s.timers, id)
		t, err := s.queue.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t == nil || t.Status != task.StatusPending {
			return nil, nil
		}
		s.log.Info("deadline exceeded", logx.String("task_id", id), logx.Time("deadline", dt.at))
		return s.cancel(ctx, op, id, "deadline exceeded")
	})
}

// ArmedDeadlines lists ids with a live deadline timer.
func (s *Scheduler) ArmedDeadlines(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.exec(ctx, "armed_deadlines", "", func(context.Context) ([]eventbus.Event, error) {
		for id := range s.timers {
			ids = append(ids, id)
		}
		return nil, nil
	})
	return ids, err
}
