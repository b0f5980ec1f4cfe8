package app

import (
	"fmt"
	"strings"
	"time"

	"taskcore/internal/config"
	"taskcore/internal/notifier"
	"taskcore/internal/observability/ops"
	"taskcore/internal/storage"
	"taskcore/internal/task"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/recurring"
	"taskcore/internal/task/scheduler"
	"taskcore/internal/transport/natsbus"
	logx "taskcore/pkg/logx"
)

const defaultRebalanceEvery = 5 * time.Second

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{MaxConcurrent: cfg.Scheduler.MaxConcurrent}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" {
		driver = "memory"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		DSN:          strings.TrimSpace(sc.DSN),
		BusyTimeout:  busy,
		CompactEvery: sc.CompactEvery,
		MaxOpenConns: sc.MaxOpenConns,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	out := engine.Config{
		Workers:     ec.Workers,
		QueueSize:   ec.QueueSize,
		HistorySize: ec.HistorySize,
		RetryMax:    ec.RetryMax,
	}
	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("engine.retry_base", ec.RetryBase); err != nil {
		return engine.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("engine.retry_max_delay", ec.RetryMaxDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapRecurringConfig(cfg *config.Config) (recurring.Config, error) {
	every, err := config.ParseOptionalDuration("scheduler.rebalance_every", cfg.Scheduler.RebalanceEvery, defaultRebalanceEvery)
	if err != nil {
		return recurring.Config{}, err
	}
	return recurring.Config{
		Timezone:       strings.TrimSpace(cfg.Scheduler.Timezone),
		RebalanceEvery: every,
	}, nil
}

func mapRecurringDefs(cfg *config.Config) ([]recurring.Definition, error) {
	out := make([]recurring.Definition, 0, len(cfg.Recurring))
	for i, r := range cfg.Recurring {
		path := fmt.Sprintf("recurring[%d]", i)
		if _, err := recurring.ParseSchedule(r.Schedule); err != nil {
			return nil, fmt.Errorf("%s.schedule: %w", path, err)
		}
		after, err := config.ParseDurationField(path+".task.deadline_after", r.Task.DeadlineAfter)
		if err != nil {
			return nil, err
		}
		createdBy := strings.TrimSpace(r.Task.CreatedBy)
		if createdBy == "" {
			createdBy = "recurring:" + r.Name
		}
		deps := make([]task.Dependency, 0, len(r.Task.Dependencies))
		for _, d := range r.Task.Dependencies {
			deps = append(deps, task.Dependency{TaskID: d.TaskID, Type: task.DependencyType(d.Type)})
		}
		out = append(out, recurring.Definition{
			Name:     r.Name,
			Schedule: r.Schedule,
			Task: recurring.Template{
				Type:          r.Task.Type,
				Priority:      r.Task.Priority,
				Payload:       r.Task.Payload,
				CreatedBy:     createdBy,
				DeadlineAfter: after,
				Dependencies:  deps,
			},
		})
	}
	return out, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc == nil {
		return notifier.Config{}, nil
	}
	out := notifier.Config{
		Enabled:         nc.Enabled,
		Kinds:           nc.Kinds,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		DedupMaxEntries: nc.DedupMaxEntries,
		Telegram: notifier.TelegramConfig{
			Token:          strings.TrimSpace(nc.Telegram.Token),
			ChatID:         nc.Telegram.ChatID,
			ThreadID:       nc.Telegram.ThreadID,
			ParseMode:      nc.Telegram.ParseMode,
			DisablePreview: nc.Telegram.DisablePreview,
		},
	}
	var err error
	if out.RetryBase, err = config.ParseDurationField("notifier.retry_base", nc.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, time.Minute); err != nil {
		return notifier.Config{}, err
	}
	return out, nil
}

func mapNATSConfig(cfg *config.Config) (natsbus.Config, bool, bool, error) {
	nc := cfg.NATS
	if nc == nil || !nc.Enabled {
		return natsbus.Config{}, false, false, nil
	}
	timeout, err := config.ParseDurationField("nats.op_timeout", nc.OpTimeout)
	if err != nil {
		return natsbus.Config{}, false, false, err
	}
	return natsbus.Config{
		URL:        strings.TrimSpace(nc.URL),
		Prefix:     nc.Prefix,
		QueueGroup: nc.QueueGroup,
		OpTimeout:  timeout,
	}, true, nc.Bridge, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// 0 keeps /debug/pprof/profile usable.
	if out.WriteTimeout, err = config.ParseDurationField("ops.write_timeout", oc.WriteTimeout); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, time.Minute); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}
