package app

import (
	"context"
	"time"

	"taskcore/internal/notifier"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/recurring"
	"taskcore/internal/task/scheduler"
)

// Status is the /status document.
type Status struct {
	Time       time.Time           `json:"time"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	Engine     engine.Snapshot     `json:"engine"`
	Recurring  recurring.Snapshot  `json:"recurring"`
	Notifier   notifier.Stats      `json:"notifier"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

// Status collects a snapshot from every component.
func (a *App) Status(ctx context.Context) (Status, error) {
	snap, err := a.sched.Snapshot(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Time:      time.Now(),
		Scheduler: snap,
		Engine:    a.engine.Snapshot(),
		Recurring: a.rec.Snapshot(),
		Notifier:  a.notif.Stats(),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st, nil
}
