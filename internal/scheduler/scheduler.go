package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/metrics"
	"taskpilot/internal/storage"
	"taskpilot/pkg/logx"
)

const instrumentationName = "taskpilot/scheduler"

// Scheduler fires named tasks on cron expressions and keeps their execution
// history in a storage.Store.
type Scheduler struct {
	cfg     Config
	log     logx.Logger
	store   storage.Store
	bus     *eventbus.Bus
	metrics *metrics.Metrics
	tracer  trace.Tracer

	parser cron.Parser
	c      *cron.Cron

	mu      sync.Mutex
	tasks   map[string]*task
	seq     uint64
	running bool
	// draining is set from Stop until in-flight runs have finished; new runs
	// are refused meanwhile.
	draining bool
	runCtx   context.Context

	wg sync.WaitGroup
}

type Option func(*Scheduler)

// WithTracerProvider instruments task runs. Without it spans are dropped.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Scheduler) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// New builds a stopped scheduler. A nil store means an in-memory store; bus and
// m may be nil.
func New(cfg Config, store storage.Store, bus *eventbus.Bus, log logx.Logger, m *metrics.Metrics, opts ...Option) *Scheduler {
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = DefaultRetryDelay
	}
	if store == nil {
		store = storage.NewMemory()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Warn("unknown scheduler timezone; using UTC", logx.String("tz", cfg.Timezone), logx.Err(err))
		cfg.Timezone = "UTC"
		loc = time.UTC
	}

	parser := newParser()
	s := &Scheduler{
		cfg:     cfg,
		log:     log,
		store:   store,
		bus:     bus,
		metrics: m,
		tracer:  noop.NewTracerProvider().Tracer(instrumentationName),
		parser:  parser,
		c:       cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		tasks:   map[string]*task{},
		runCtx:  context.Background(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
func newParser() cron.Parser {
	return cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
}

// ValidateExpression reports whether expr would be accepted by ScheduleTask.
func ValidateExpression(expr string) error {
	if _, err := newParser().Parse(strings.TrimSpace(expr)); err != nil {
		return fmt.Errorf("%w: expression %q: %v", ErrInvalidSpec, expr, err)
	}
	return nil
}

// Start begins firing armed tasks. Runs inherit ctx. It reports false if the
// scheduler was already running.
func (s *Scheduler) Start(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	s.runCtx = ctx
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", s.cfg.Timezone), logx.Int("tasks", len(s.tasks)))
	return true
}

// Stop halts firing and cancels pending retries, then waits for in-flight
// runs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.draining = true
	for _, t := range s.tasks {
		s.cancelRetryLocked(t)
	}
	stopped := s.c.Stop()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ScheduleTask registers (or replaces) a task. The expression accepts five
// fields, an optional leading seconds field, descriptors such as "@daily" or
// "@every 10m", and a CRON_TZ= prefix.
func (s *Scheduler) ScheduleTask(name, expr string, action Action, opts Options) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSpec)
	}
	if action == nil {
		return fmt.Errorf("%w: task %q has no action", ErrInvalidSpec, name)
	}
	expr = strings.TrimSpace(expr)

	tz := strings.TrimSpace(opts.Timezone)
	if tz == "" {
		tz = s.cfg.Timezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("%w: task %q timezone %q: %v", ErrInvalidSpec, name, tz, err)
	}
	spec := expr
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=" + tz + " " + spec
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return fmt.Errorf("%w: task %q expression %q: %v", ErrInvalidSpec, name, expr, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tasks[name]; ok {
		s.log.Warn("replacing task", logx.String("task", name))
		s.disarmLocked(old)
		s.cancelRetryLocked(old)
	}
	s.seq++
	t := &task{
		name:      name,
		expr:      expr,
		tz:        tz,
		sched:     sched,
		action:    action,
		opts:      opts,
		createdAt: time.Now(),
		seq:       s.seq,
	}
	s.tasks[name] = t
	if opts.AutoStart == nil || *opts.AutoStart {
		s.armLocked(t)
	}

	fields := []logx.Field{logx.String("task", name), logx.String("expr", expr), logx.String("tz", tz), logx.String("state", t.state())}
	if t.entryID != 0 {
		fields = append(fields, logx.Time("next", sched.Next(time.Now())))
	}
	s.log.Info("task scheduled", fields...)
	return nil
}

// StartTask arms a task registered with AutoStart=false.
func (s *Scheduler) StartTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if t.entryID == 0 {
		s.armLocked(t)
		s.log.Info("task armed", logx.String("task", name))
	}
	return nil
}

// StopTask disarms and forgets a task. It reports whether the task existed.
func (s *Scheduler) StopTask(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return false
	}
	s.disarmLocked(t)
	s.cancelRetryLocked(t)
	delete(s.tasks, name)
	s.log.Info("task stopped", logx.String("task", name))
	return true
}

func (s *Scheduler) armLocked(t *task) {
	t.entryID = s.c.Schedule(t.sched, cron.FuncJob(func() { s.fire(t) }))
}

func (s *Scheduler) disarmLocked(t *task) {
	if t.entryID != 0 {
		s.c.Remove(t.entryID)
		t.entryID = 0
	}
}

// current reports whether t is still the registered task of its name.
func (s *Scheduler) currentLocked(t *task) bool {
	return s.tasks[t.name] == t
}

func (s *Scheduler) fire(t *task) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	_ = s.execute(ctx, t, storage.AttemptRegular)
}

// RunTask runs a task now, outside its schedule. The action's error is returned.
func (s *Scheduler) RunTask(ctx context.Context, name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s.execute(ctx, t, storage.AttemptManual)
}

// ListTasks returns all registered tasks in registration order.
func (s *Scheduler) ListTasks() []TaskInfo {
	s.mu.Lock()
	list := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].seq < list[j].seq })
	out := make([]TaskInfo, 0, len(list))
	for _, t := range list {
		out = append(out, s.infoLocked(t))
	}
	s.mu.Unlock()
	return out
}

// GetTask returns a task with its latest records and aggregates.
func (s *Scheduler) GetTask(ctx context.Context, name string) (TaskDetail, bool) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	var info TaskInfo
	if ok {
		info = s.infoLocked(t)
	}
	s.mu.Unlock()
	if !ok {
		return TaskDetail{}, false
	}

	d := TaskDetail{TaskInfo: info, Recent: []storage.ExecutionRecord{}}
	if recs, err := s.store.ListExecutions(ctx, storage.Query{TaskName: name, Limit: recentRecords}); err != nil {
		s.log.Warn("task history unavailable", logx.String("task", name), logx.Err(err))
	} else {
		d.Recent = recs
	}
	if st, err := s.store.ExecutionStats(ctx, name); err != nil {
		s.log.Warn("task stats unavailable", logx.String("task", name), logx.Err(err))
	} else {
		d.Stats = st
	}
	return d, true
}

func (s *Scheduler) infoLocked(t *task) TaskInfo {
	info := TaskInfo{
		Name:           t.name,
		Expression:     t.expr,
		Timezone:       t.tz,
		State:          t.state(),
		Running:        t.gate.Busy(),
		Retry:          t.opts.Retry,
		CreatedAt:      t.createdAt,
		SkippedOverlap: t.gate.Skipped(),
	}
	if t.opts.Retry {
		info.RetryDelay = s.retryDelay(t).String()
	}
	if t.entryID != 0 {
		next := t.sched.Next(time.Now())
		info.NextRun = &next
	}
	if !t.lastRun.IsZero() {
		last := t.lastRun
		info.LastRun = &last
	}
	return info
}

func (s *Scheduler) publish(name string, payload any) {
	if s.bus != nil {
		s.bus.Publish(name, payload)
	}
}
