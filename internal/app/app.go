package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"penny/internal/api"
	"penny/internal/budget"
	"penny/internal/config"
	"penny/internal/eventbus"
	"penny/internal/notifier"
	"penny/internal/recurring"
	"penny/internal/runtime/supervisor"
	"penny/internal/storage"
	"penny/internal/task/engine"
	"penny/internal/task/scheduler"
	logx "penny/pkg/logx"
)

const (
	catchupScheduleName = "catchup.tick"
	budgetScheduleName  = "budget.check"
)

// App wires storage, the catch-up driver, the task engine, the scheduler,
// the notifier and the HTTP API, and owns their lifecycle.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	base logx.Logger
	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	now  func() time.Time

	store      *storage.SQLite
	engine     *engine.Service
	sched      *scheduler.Service
	notif      *notifier.Service
	driver     *recurring.Driver
	dispatcher *engineDispatcher
	budget     atomic.Pointer[budget.Checker]
	sd         *sdNotifier

	apiMu     sync.Mutex
	api       *api.Server
	apiCancel context.CancelFunc
}

// New loads and validates cfgPath, opens storage and builds every service.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, base := logx.New(mapLogConfig(cfg))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	store, err := storage.Open(sc, base)
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	a := &App{
		cfgm:  cfgm,
		base:  base,
		log:   base.With(logx.String("comp", "app")),
		logs:  logs,
		bus:   eventbus.New(),
		store: store,
	}
	if err := a.wire(cfg); err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(cfg *config.Config) error {
	loc := a.store.Location()
	a.now = func() time.Time { return time.Now().In(loc) }

	applier := recurring.NewApplier(a.store, recurring.ApplierOptions{Bus: a.bus, Logger: a.base})
	handler := recurring.NewHandler(applier, a.base, a.now)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return err
	}
	a.engine = engine.New(engCfg, a.base, a.bus, engine.Options{
		OnExhausted: deadLetterSink(a.store, a.base),
	})
	a.dispatcher = newEngineDispatcher(a.engine, handler, a.base)
	a.driver = recurring.NewDriver(recurring.NewDueSelector(a.store, a.base), a.dispatcher, a.base, a.now)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), a.engine, a.base.With(logx.String("comp", "scheduler")))

	th, err := mapBudgetThreshold(cfg)
	if err != nil {
		return err
	}
	a.budget.Store(budget.NewChecker(a.store, budget.Options{Threshold: th, Bus: a.bus, Logger: a.base}))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return err
	}
	sinks, err := buildSinks(cfg, a.base)
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, sinks, a.base, a.bus, a.store)

	if err := a.newAPI(cfg); err != nil {
		return err
	}
	a.sd = newSDNotifier(cfg.Systemd.Notify, a.base)
	return a.registerSchedules(cfg)
}

// buildSinks always logs notifications and adds Telegram when a token is set.
func buildSinks(cfg *config.Config, log logx.Logger) ([]notifier.Sink, error) {
	sinks := []notifier.Sink{notifier.NewLogSink(log)}
	tc, ok, err := mapTelegramConfig(cfg)
	if err != nil || !ok {
		return sinks, err
	}
	tg, err := notifier.NewTelegramSink(tc)
	if err != nil {
		return nil, fmt.Errorf("telegram sink: %w", err)
	}
	return append(sinks, tg), nil
}

func (a *App) newAPI(cfg *config.Config) error {
	ac, err := mapAPIConfig(cfg)
	if err != nil {
		return err
	}
	srv := api.New(ac, api.Deps{
		Store:      a.store,
		Driver:     a.driver,
		Dispatcher: a.dispatcher,
		Engine:     a.engine,
		Scheduler:  a.sched,
		Notifier:   a.notif,
		Runtime:    a.runtimeStats,
		Now:        a.now,
		Log:        a.base,
	})
	a.apiMu.Lock()
	a.api = srv
	a.apiMu.Unlock()
	return nil
}

func (a *App) runtimeStats() []supervisor.Stats {
	if a.sup == nil {
		return nil
	}
	return a.sup.Snapshot()
}

// registerSchedules upserts the catch-up and budget triggers. The scheduler
// replaces definitions by name, so this is safe to call on every reload.
func (a *App) registerSchedules(cfg *config.Config) error {
	catchup, budgetSpec := jobSchedules(cfg)
	if _, err := a.sched.AddSchedule(catchupScheduleName, catchup, tickTimeout(cfg), a.runTick); err != nil {
		return fmt.Errorf("catch-up schedule: %w", err)
	}
	if !cfg.Budget.Enabled {
		a.sched.Remove(budgetScheduleName)
		return nil
	}
	if _, err := a.sched.AddSchedule(budgetScheduleName, budgetSpec, defaultBudgetTimeout, a.runBudget); err != nil {
		return fmt.Errorf("budget schedule: %w", err)
	}
	return nil
}

func (a *App) runTick(ctx context.Context) error {
	_, err := a.driver.Tick(ctx)
	if errors.Is(err, recurring.ErrTickInProgress) {
		a.log.Debug("tick skipped; previous tick still running")
		return nil
	}
	return err
}

func (a *App) runBudget(ctx context.Context) error {
	rep, err := a.budget.Load().Check(ctx, a.now())
	a.log.Info("budget check done",
		logx.Int("checked", rep.Checked),
		logx.Int("alerted", rep.Alerted),
		logx.Int("no_account", rep.NoAccount),
	)
	return err
}

// Done is closed when the supervisor context ends (fatal error or Stop).
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

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	c := a.sup.Context()
	if a.notif.Enabled() {
		a.notif.Start(c)
	}
	if a.engine.Enabled() {
		a.engine.Start(c)
	}
	if a.sched.Enabled() {
		a.sched.Start(c)
	}

	a.sup.Go0("notifier.forward", func(c context.Context) { a.notif.Forward(c, a.bus) })
	a.sup.Go0("audit.record", func(c context.Context) {
		recordAudit(c, a.bus, a.store, a.base.With(logx.String("comp", "audit")))
	})
	a.sup.Go0("eventbus.log", func(c context.Context) {
		logEvents(c, a.bus, a.base.With(logx.String("comp", "eventbus")))
	})
	if cfg.API.Enabled {
		a.startAPI()
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sd.Ready()
	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("engine", a.engine.Enabled()),
		logx.Bool("notifier", a.notif.Enabled()),
		logx.Bool("api", cfg.API.Enabled),
	)
	return nil
}

// startAPI serves until stopAPI or app shutdown. Bind failures are retried.
func (a *App) startAPI() {
	a.apiMu.Lock()
	defer a.apiMu.Unlock()
	if a.apiCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.apiCancel = cancel
	srv := a.api
	a.sup.GoRestart("api", time.Second, 30*time.Second, func(context.Context) error {
		return srv.Run(ctx)
	})
}

func (a *App) stopAPI() {
	a.apiMu.Lock()
	cancel := a.apiCancel
	a.apiCancel = nil
	a.apiMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: apply only the newest config.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, last, next)
			last = next
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("logging") {
		a.logs.Apply(mapLogConfig(next))
	}

	if changed("task_engine") || changed("scheduler") {
		if ec, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}

	if changed("scheduler") || changed("budget") {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(mapSchedulerConfig(next))
		if th, err := mapBudgetThreshold(next); err == nil && changed("budget") {
			a.budget.Store(budget.NewChecker(a.store, budget.Options{Threshold: th, Bus: a.bus, Logger: a.base}))
		}
		if err := a.registerSchedules(next); err != nil {
			a.log.Warn("schedule re-register failed", logx.Err(err))
		}
		switch {
		case wasEnabled && !next.Scheduler.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !wasEnabled && next.Scheduler.Enabled:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if changed("notifier") {
		a.applyNotifier(ctx, next)
	}
	if changed("telegram") {
		if sinks, err := buildSinks(next, a.base); err != nil {
			a.log.Warn("invalid telegram config; keeping previous sinks", logx.Err(err))
		} else {
			a.notif.SetSinks(sinks)
		}
	}

	if changed("api") {
		a.stopAPI()
		if err := a.newAPI(next); err != nil {
			a.log.Warn("invalid api config", logx.Err(err))
		} else if next.API.Enabled {
			a.startAPI()
		}
	}
	if changed("systemd") {
		a.log.Warn("systemd config changed; restart required for changes to take effect")
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest; ctx's deadline is never extended.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()
	a.sup.Cancel()

	a.step(ctx, "api", 4*time.Second, func(context.Context) error { a.stopAPI(); return nil })
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
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
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
