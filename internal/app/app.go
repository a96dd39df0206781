package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/health"
	"taskpilot/internal/httpapi"
	"taskpilot/internal/loop"
	"taskpilot/internal/metrics"
	"taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/storage"
	"taskpilot/pkg/logx"
)

type App struct {
	cfgm *ConfigManager
	sup  atomic.Pointer[Supervisor]

	root logx.Logger
	log  logx.Logger
	logs *logx.Service

	bus     *eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	sched  *scheduler.Scheduler
	loop   *loop.Loop
	health *health.Checker
	units  *health.UnitChecker
	http   *httpapi.Service

	unsubAlerts func()
	stopped     atomic.Bool
	storeOnce   sync.Once
	storeErr    error
}

type Option func(*options)

type options struct {
	tp trace.TracerProvider
}

// WithTracerProvider traces task runs, loop cycles and HTTP requests with tp.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// NewApp loads the config at cfgPath (empty means defaults plus env) and wires
// every subsystem. Nothing runs until Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	bus := eventbus.New(mapEventBusConfig(cfg), log.With(logx.String("comp", "eventbus")))

	sc, _ := MapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		bus.Close()
		_ = logSvc.Close()
		return nil, err
	}
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	m := metrics.New()

	schedCfg, _ := mapSchedulerConfig(cfg)
	var schedOpts []scheduler.Option
	if o.tp != nil {
		schedOpts = append(schedOpts, scheduler.WithTracerProvider(o.tp))
	}
	sched := scheduler.New(schedCfg, store, bus, log.With(logx.String("comp", "scheduler")), m, schedOpts...)

	loopCfg, _ := mapLoopConfig(cfg)
	var loopOpts []loop.Option
	if o.tp != nil {
		loopOpts = append(loopOpts, loop.WithTracerProvider(o.tp))
	}
	lp := loop.New(loopCfg, bus, log.With(logx.String("comp", "loop")), m, loopOpts...)

	a := &App{
		cfgm:    cfgm,
		root:    log,
		log:     appLog,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		metrics: m,
		sched:   sched,
		loop:    lp,
	}

	if err := a.scheduleCleanup(cfg); err != nil {
		a.closeResources()
		return nil, err
	}

	if cfg.Health.Enabled {
		hlog := log.With(logx.String("comp", "health"))
		a.health = health.New(mapHealthConfig(cfg), bus, hlog)
		if err := a.health.Register(lp); err != nil {
			a.closeResources()
			return nil, err
		}
		a.unsubAlerts = health.LogAlerts(bus, hlog)

		if units := cfg.Health.SystemdUnits; len(units) > 0 {
			if err := a.registerUnits(units, hlog); err != nil {
				hlog.Warn("systemd-units check disabled", logx.Err(err))
			}
		}
	}

	httpCfg, _ := mapHTTPConfig(cfg)
	a.http = httpapi.New(httpCfg, httpapi.Deps{
		Bus:            bus,
		Scheduler:      sched,
		Loop:           lp,
		Metrics:        m,
		TracerProvider: o.tp,
		Workers:        a.workers,
	}, log.With(logx.String("comp", "http")))

	return a, nil
}

func (a *App) registerUnits(units []string, log logx.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	probe, err := health.NewSystemdProber(ctx)
	if err != nil {
		return err
	}
	uc := health.NewUnitChecker(units, probe, a.bus, log)
	if err := uc.Register(a.loop); err != nil {
		_ = uc.Close()
		return err
	}
	a.units = uc
	return nil
}

// scheduleCleanup registers the built-in task that prunes execution history.
func (a *App) scheduleCleanup(cfg *Config) error {
	expr, days := cleanupPlan(cfg)
	return a.sched.ScheduleTask(CleanupTaskName, expr, func(ctx context.Context) error {
		_, err := a.sched.CleanOldHistory(ctx, days)
		return err
	}, scheduler.Options{})
}

func (a *App) workers() []supervisor.Worker {
	if sup := a.sup.Load(); sup != nil {
		return sup.Snapshot()
	}
	return nil
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Loop() *loop.Loop                { return a.loop }
func (a *App) Bus() *eventbus.Bus              { return a.bus }
func (a *App) Store() storage.Store            { return a.store }
func (a *App) HTTP() *httpapi.Service          { return a.http }
func (a *App) Config() *Config                 { return a.cfgm.Get() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	sup := a.sup.Load()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if sup := a.sup.Load(); sup != nil {
		return sup.Err()
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	sup := NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	if !a.sup.CompareAndSwap(nil, sup) {
		sup.Cancel()
		return fmt.Errorf("app already started")
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error { return validate(cfg) })

	cfg := a.cfgm.Get()
	runCtx := sup.Context()

	if cfg.Scheduler.Enabled {
		a.sched.Start(runCtx)
	}
	if cfg.Loop.Enabled {
		a.loop.Start(runCtx)
	}
	a.http.Start(runCtx)

	sup.Go("metrics.events", metrics.NewEventListener(a.bus, a.metrics, a.root).Run)

	sub := a.cfgm.Subscribe(8)
	sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Running()),
		logx.Bool("loop", a.loop.Running()),
		logx.Bool("http", a.http.Enabled()),
		logx.Int("tasks", len(a.sched.ListTasks())),
		logx.Int("checks", len(a.loop.Checks())),
	)
	return nil
}

// restartSections cannot be applied to running components.
var restartSections = []string{"storage", "eventbus", "health"}

func (a *App) applyConfig(c context.Context, oldCfg, newCfg *Config) {
	sections, attrs := SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		if slices.Contains(restartSections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	if newCfg.Scheduler.Timezone != oldCfg.Scheduler.Timezone || newCfg.Scheduler.RetryDelay != oldCfg.Scheduler.RetryDelay {
		a.log.Warn("scheduler timezone/retry_delay changed; restart required for changes to take effect")
	}
	if newCfg.Scheduler.CleanupCron != oldCfg.Scheduler.CleanupCron || newCfg.Scheduler.HistoryRetentionDays != oldCfg.Scheduler.HistoryRetentionDays {
		if err := a.scheduleCleanup(newCfg); err != nil {
			a.log.Warn("cleanup task not rescheduled", logx.Err(err))
		}
	}
	switch {
	case oldCfg.Scheduler.Enabled && !newCfg.Scheduler.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		if err := a.sched.Stop(stopCtx); err != nil {
			a.log.Warn("scheduler stop incomplete", logx.Err(err))
		}
		cancel()
	case !oldCfg.Scheduler.Enabled && newCfg.Scheduler.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	if lc, err := mapLoopConfig(newCfg); err != nil {
		a.log.Warn("invalid loop config; keeping previous", logx.Err(err))
	} else if lc.Interval != a.loop.Interval() {
		if err := a.loop.SetInterval(lc.Interval); err != nil {
			a.log.Warn("loop interval not applied", logx.Err(err))
		}
	}
	switch {
	case oldCfg.Loop.Enabled && !newCfg.Loop.Enabled:
		a.log.Info("autonomous loop disabled via config")
		a.loop.Stop()
	case !oldCfg.Loop.Enabled && newCfg.Loop.Enabled:
		a.log.Info("autonomous loop enabled via config")
		a.loop.Start(c)
	}

	if hc, err := mapHTTPConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.http.Reconfigure(c, hc)
	}

	a.log.Info("config reloaded", fields...)
}

// Stop shuts every component down in reverse start order. Only the first call
// has effect.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	sup := a.sup.Load()
	if sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	step("loop", 2*time.Second, func(c context.Context) error {
		a.loop.Stop()
		return a.loop.Wait(c)
	})
	step("scheduler", 3*time.Second, a.sched.Stop)

	// Supervised goroutines: config watch/reload, metrics listener.
	step("supervisor", 2*time.Second, sup.Wait)

	step("storage", time.Second, func(context.Context) error { return a.closeStore() })

	a.log.Info("stopped")
	a.closeResources()
	return nil
}

func (a *App) closeStore() error {
	a.storeOnce.Do(func() {
		if a.store != nil {
			a.storeErr = a.store.Close()
		}
	})
	return a.storeErr
}

// closeResources releases what NewApp acquired.
func (a *App) closeResources() {
	if a.unsubAlerts != nil {
		a.unsubAlerts()
	}
	if a.units != nil {
		_ = a.units.Close()
	}
	_ = a.closeStore()
	a.bus.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
