package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/metrics"
	"taskpilot/pkg/logx"
)

const instrumentationName = "taskpilot/loop"

// Loop runs every registered check once per interval until stopped.
type Loop struct {
	cfg     Config
	log     logx.Logger
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu        sync.Mutex
	checks    *orderedmap.OrderedMap[string, *check]
	interval  time.Duration
	running   bool
	startedAt time.Time
	stop      chan struct{}
	done      chan struct{}

	cycles         int64
	totalChecks    int64
	errors         int64
	criticalErrors int64
	slowCycles     int64
	lastCycle      time.Duration

	// beforeCycle runs at the top of each cycle outside check isolation.
	beforeCycle func()
}

type Option func(*Loop)

// WithTracerProvider instruments cycles and checks.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Loop) {
		if tp != nil {
			l.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// New builds a stopped loop. bus and m may be nil.
func New(cfg Config, bus *eventbus.Bus, log logx.Logger, m *metrics.Metrics, opts ...Option) *Loop {
	cfg = cfg.withDefaults()
	l := &Loop{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		metrics:  m,
		tracer:   noop.NewTracerProvider().Tracer(instrumentationName),
		checks:   orderedmap.New[string, *check](),
		interval: cfg.Interval,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Start launches the cycle goroutine. It reports false when already running.
// After a Stop it first waits for the previous goroutine to finish its cycle,
// so loop.stopped always precedes the next loop.started. Cancelling ctx stops
// the loop like Stop.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	for {
		if l.running {
			l.mu.Unlock()
			l.log.Warn("loop already running")
			return false
		}
		prev := l.done
		if prev == nil || finished(prev) {
			break
		}
		l.mu.Unlock()
		select {
		case <-prev:
		case <-ctx.Done():
			return false
		}
		l.mu.Lock()
	}
	l.running = true
	l.startedAt = time.Now()
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop, l.done = stop, done
	interval, n := l.interval, l.checks.Len()
	l.mu.Unlock()

	l.log.Info("loop started", logx.Duration("interval", interval), logx.Int("checks", n))
	l.publish(EventStarted, map[string]any{"interval": interval.Milliseconds(), "checks": n})
	go l.run(ctx, stop, done)
	return true
}

// Stop asks the loop to exit after the current cycle. It reports false when
// the loop was not running.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		l.log.Debug("loop already stopped")
		return false
	}
	l.running = false
	close(l.stop)
	l.log.Info("loop stopping")
	return true
}

func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func finished(done chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Wait blocks until the cycle goroutine has exited or ctx is done.
func (l *Loop) Wait(ctx context.Context) error {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) run(ctx context.Context, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		l.mu.Lock()
		if l.stop == stop && l.running {
			l.running = false
		}
		l.mu.Unlock()
		l.log.Info("loop finished")
		l.publish(EventStopped, nil)
	}()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		wait, err := l.cycle(ctx)
		if err != nil {
			l.mu.Lock()
			l.errors++
			l.criticalErrors++
			wait = l.cfg.CriticalCooldown
			l.mu.Unlock()
			l.log.Error("critical loop error; cooling down", logx.Err(err), logx.Duration("cooldown", wait))
			l.metrics.CriticalError()
			l.publish(EventCriticalError, map[string]any{"error": err.Error()})
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-stop:
			t.Stop()
			return
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

// cycle runs one pass over the registry and returns the sleep before the next
// pass. A non-nil error is a failure of the cycle itself.
func (l *Loop) cycle(ctx context.Context) (wait time.Duration, err error) {
	err = callGuarded(func() error {
		ctx, span := l.tracer.Start(ctx, "loop.cycle")
		defer span.End()

		start := time.Now()
		l.mu.Lock()
		l.cycles++
		hook := l.beforeCycle
		l.mu.Unlock()
		if hook != nil {
			hook()
		}

		for _, c := range l.snapshot() {
			l.runCheck(ctx, c, true)
		}

		took := time.Since(start)
		l.mu.Lock()
		interval := l.interval
		l.lastCycle = took
		slow := float64(took) > float64(interval)*l.cfg.SlowCycleRatio
		if slow {
			l.slowCycles++
		}
		l.mu.Unlock()

		l.metrics.Cycle(took, slow)
		if slow {
			l.log.Warn("slow loop cycle", logx.Duration("took", took), logx.Duration("interval", interval))
			l.publish(EventSlowCycle, map[string]any{
				"duration": took.Milliseconds(),
				"interval": interval.Milliseconds(),
			})
		}
		wait = max(0, interval-took)
		return nil
	})
	return wait, err
}

// RunNow runs every registered check once, ignoring conditions. Failures are
// counted and logged per check.
func (l *Loop) RunNow(ctx context.Context) {
	checks := l.snapshot()
	l.log.Info("running all checks now", logx.Int("checks", len(checks)))
	for _, c := range checks {
		l.runCheck(ctx, c, false)
	}
	l.log.Info("manual check run finished")
}

// SetInterval changes the period from the next cycle on.
func (l *Loop) SetInterval(d time.Duration) error {
	if d <= 0 {
		return errors.New("loop interval must be positive")
	}
	l.mu.Lock()
	old := l.interval
	l.interval = d
	l.mu.Unlock()
	if old == d {
		return nil
	}
	l.log.Info("loop interval changed", logx.Duration("old", old), logx.Duration("new", d))
	l.publish(EventIntervalChanged, map[string]any{
		"oldInterval": old.Milliseconds(),
		"newInterval": d.Milliseconds(),
	})
	return nil
}

func (l *Loop) Interval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.interval
}

// RegisterCheck adds a check, replacing any check of the same name in place.
func (l *Loop) RegisterCheck(name string, action Action, opts ...CheckOption) error {
	if name == "" || action == nil {
		return errors.New("check needs a name and an action")
	}
	c := &check{name: name, action: action, createdAt: time.Now()}
	for _, o := range opts {
		o(c)
	}
	l.mu.Lock()
	_, replaced := l.checks.Set(name, c)
	l.mu.Unlock()

	if replaced {
		l.log.Warn("check already registered; replacing", logx.String("check", name))
	} else {
		l.log.Info("check registered", logx.String("check", name), logx.Int("priority", c.priority))
	}
	l.publish(EventRegistered, map[string]any{"name": name})
	return nil
}

// UnregisterCheck removes a check and reports whether it existed.
func (l *Loop) UnregisterCheck(name string) bool {
	l.mu.Lock()
	_, ok := l.checks.Delete(name)
	l.mu.Unlock()
	if ok {
		l.log.Info("check removed", logx.String("check", name))
		l.publish(EventUnregistered, map[string]any{"name": name})
	}
	return ok
}

// Checks returns the registered names in execution order.
func (l *Loop) Checks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, l.checks.Len())
	for p := l.checks.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Key)
	}
	return out
}

func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		Running:    l.running,
		Interval:   l.interval.String(),
		IntervalMS: l.interval.Milliseconds(),
		Checks:     make([]CheckStats, 0, l.checks.Len()),
		Stats: Totals{
			TotalCycles:    l.cycles,
			TotalChecks:    l.totalChecks,
			Errors:         l.errors,
			CriticalErrors: l.criticalErrors,
			SlowCycles:     l.slowCycles,
			LastCycleMS:    l.lastCycle.Milliseconds(),
		},
	}
	for p := l.checks.Oldest(); p != nil; p = p.Next() {
		st.Checks = append(st.Checks, p.Value.statsLocked())
	}
	if !l.startedAt.IsZero() {
		at := l.startedAt
		st.Stats.StartedAt = &at
		st.Stats.UptimeMS = time.Since(at).Milliseconds()
	}
	return st
}

func (l *Loop) CheckStats(name string) (CheckStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.checks.Get(name)
	if !ok {
		return CheckStats{}, false
	}
	return c.statsLocked(), true
}

func (l *Loop) snapshot() []*check {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*check, 0, l.checks.Len())
	for p := l.checks.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

func (l *Loop) publish(name string, payload any) {
	if l.bus != nil {
		l.bus.Publish(name, payload)
	}
}
