package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"taskcore/internal/config"
	"taskcore/internal/eventbus"
	"taskcore/internal/notifier"
	"taskcore/internal/observability/ops"
	"taskcore/internal/runtime/supervisor"
	"taskcore/internal/storage"
	"taskcore/internal/task/engine"
	"taskcore/internal/task/handlers"
	"taskcore/internal/task/recurring"
	"taskcore/internal/task/scheduler"
	"taskcore/internal/transport/natsbus"
	logx "taskcore/pkg/logx"
)

// followUpTimeout bounds the scheduler calls made in response to one event.
const followUpTimeout = 30 * time.Second

// App owns every component and their start/stop order.
type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	sched  *scheduler.Scheduler
	engine *engine.Service
	rec    *recurring.Service
	notif  *notifier.Service
	ops    *ops.Service

	natsCfg    natsbus.Config
	natsOn     bool
	natsBridge bool
	nc         *nats.Conn
	intake     *natsbus.Intake

	engineOn bool

	mu     sync.Mutex
	unsubs []func()
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateComponents)
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

// validateComponents rejects configs the component mappers would refuse.
func validateComponents(_ context.Context, cfg *config.Config) error {
	var errs []error
	if _, err := mapStorageConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRecurringConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapRecurringDefs(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, _, _, err := mapNATSConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New(eventbus.WithLogger(log.With(logx.String("comp", "eventbus"))))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	sched := scheduler.New(mapSchedulerConfig(cfg), store, bus, log.With(logx.String("comp", "scheduler")))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	eng := engine.New(engCfg, sched, bus, log.With(logx.String("comp", "engine")))
	if err := handlers.Register(eng, log.With(logx.String("comp", "handlers"))); err != nil {
		_ = store.Close()
		return nil, err
	}

	recCfg, err := mapRecurringConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rec := recurring.New(recCfg, sched, log.With(logx.String("comp", "recurring")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notifLog := log.With(logx.String("comp", "notifier"))
	sender, err := notifier.NewSender(ncfg.Telegram, notifLog)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("notifier: %w", err)
	}
	notif := notifier.New(ncfg, sender, notifLog)

	natsCfg, natsOn, natsBridge, err := mapNATSConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logSvc,
		bus:        bus,
		store:      store,
		sched:      sched,
		engine:     eng,
		engineOn:   cfg.Engine.Enabled,
		rec:        rec,
		notif:      notif,
		natsCfg:    natsCfg,
		natsOn:     natsOn,
		natsBridge: natsBridge,
	}
	a.ops = ops.New(opsCfg, func(ctx context.Context) (any, error) { return a.Status(ctx) }, log.With(logx.String("comp", "ops")))
	return a, nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Engine() *engine.Service         { return a.engine }
func (a *App) Recurring() *recurring.Service   { return a.rec }
func (a *App) Notifier() *notifier.Service     { return a.notif }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) addUnsub(fn func()) {
	a.mu.Lock()
	a.unsubs = append(a.unsubs, fn)
	a.mu.Unlock()
}

// Start brings components up in dependency order: scheduler, follow-ups,
// restore, engine, recurring, notifier, NATS, ops, config watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.sched.Start(runCtx)
	a.addUnsub(a.attachFollowUps(runCtx))
	a.addUnsub(a.bus.Subscribe(eventbus.All, func(e eventbus.Event) {
		if !a.log.Enabled(logx.LevelDebug) {
			return
		}
		id := ""
		if e.Task != nil {
			id = e.Task.ID
		}
		a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.String("task_id", id), logx.String("reason", e.Reason))
	}))

	// Engine subscribes before the first rebalance so restored promotions run.
	if a.engineOn {
		a.engine.Start(runCtx)
	}

	n, err := a.sched.Restore(runCtx)
	if err != nil {
		return fmt.Errorf("restore deadlines: %w", err)
	}
	promoted, err := a.sched.Rebalance(runCtx)
	if err != nil {
		a.log.Warn("initial rebalance failed", logx.Err(err))
	}
	a.log.Info("scheduler ready",
		logx.Int("max_concurrent", a.sched.MaxConcurrent()),
		logx.Int("deadlines_armed", n),
		logx.Int("promoted", len(promoted)),
	)

	a.rec.Start(runCtx)
	if defs, err := mapRecurringDefs(a.cfgm.Get()); err != nil {
		return err
	} else if err := a.rec.Replace(defs); err != nil {
		return fmt.Errorf("recurring: %w", err)
	}

	a.notif.Start(runCtx, a.bus)

	if a.natsOn {
		if err := a.startNATS(); err != nil {
			return err
		}
	}

	a.ops.Start(runCtx)
	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) startNATS() error {
	log := a.log.With(logx.String("comp", "nats"))
	nc, err := natsbus.Connect(a.natsCfg.URL, log)
	if err != nil {
		return err
	}
	a.nc = nc
	a.intake = natsbus.NewIntake(a.natsCfg, nc, a.sched, log)
	if err := a.intake.Start(); err != nil {
		return err
	}
	if a.natsBridge {
		a.addUnsub(natsbus.NewBridge(a.natsCfg, nc, log).Attach(a.bus))
	}
	return nil
}

// attachFollowUps keeps the queue moving: a completion may unblock
// dependents, and any terminal transition frees a slot.
func (a *App) attachFollowUps(ctx context.Context) func() {
	rebalance := func(kind eventbus.Kind, id string) {
		c, cancel := context.WithTimeout(ctx, followUpTimeout)
		defer cancel()
		if _, err := a.sched.Rebalance(c); err != nil && !errors.Is(err, scheduler.ErrStopped) {
			a.log.Warn("follow-up rebalance failed", logx.String("kind", string(kind)), logx.String("task_id", id), logx.Err(err))
		}
	}
	unsubCompleted := a.bus.Subscribe(eventbus.TaskCompleted, func(e eventbus.Event) {
		if e.Task == nil {
			return
		}
		c, cancel := context.WithTimeout(ctx, followUpTimeout)
		promoted, err := a.sched.UpdateDependents(c, e.Task.ID)
		cancel()
		if err != nil && !errors.Is(err, scheduler.ErrStopped) {
			a.log.Warn("update dependents failed", logx.String("task_id", e.Task.ID), logx.Err(err))
		} else if len(promoted) > 0 {
			a.log.Debug("dependents promoted", logx.String("task_id", e.Task.ID), logx.Strings("promoted", promoted))
		}
		rebalance(e.Kind, e.Task.ID)
	})
	onTerminal := func(e eventbus.Event) {
		id := ""
		if e.Task != nil {
			id = e.Task.ID
		}
		rebalance(e.Kind, id)
	}
	unsubFailed := a.bus.Subscribe(eventbus.TaskFailed, onTerminal)
	unsubCancelled := a.bus.Subscribe(eventbus.TaskCancelled, onTerminal)
	return func() {
		unsubCompleted()
		unsubFailed()
		unsubCancelled()
	}
}

// Stop tears components down in reverse order, bounding each step.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	a.mu.Unlock()

	a.step(ctx, "ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	a.step(ctx, "nats", 2*time.Second, func(context.Context) error {
		if a.intake != nil {
			a.intake.Stop()
		}
		if a.nc != nil {
			a.nc.Close()
		}
		return nil
	})
	a.step(ctx, "recurring", 2*time.Second, func(c context.Context) error { a.rec.Stop(c); return nil })
	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "subscriptions", time.Second, func(context.Context) error {
		for _, u := range unsubs {
			u()
		}
		return nil
	})
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs fn with an upper bound so one component can't stall the whole
// stop. The caller's deadline is never extended.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		max = min(max, time.Until(dl))
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}

// startConfigReload applies hot-reloadable sections. Sections that need a
// restart are only reported.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if rc, err := mapRecurringConfig(newCfg); err != nil {
		a.log.Warn("invalid recurring config; keeping previous", logx.Err(err))
	} else {
		a.rec.Apply(rc)
	}
	if defs, err := mapRecurringDefs(newCfg); err != nil {
		a.log.Warn("invalid recurring definitions; keeping previous", logx.Err(err))
	} else if err := a.rec.Replace(defs); err != nil {
		a.log.Warn("recurring definitions partially applied", logx.Err(err))
	}

	if nc, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		wasOn := a.notif.Enabled()
		a.notif.Apply(nc)
		switch {
		case wasOn && !nc.Enabled:
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.log.Info("notifier disabled via config")
		case !wasOn && nc.Enabled:
			a.notif.Start(ctx, a.bus)
			a.log.Info("notifier enabled via config")
		}
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
