package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskpilot"

// Metrics owns a private Prometheus registry and the collectors of the
// scheduler, the loop and the event bus. A nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	taskRuns     *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	taskSkipped  *prometheus.CounterVec
	taskRetries  *prometheus.CounterVec

	checkRuns     *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	checkSkipped  *prometheus.CounterVec

	cycles         prometheus.Counter
	cycleDuration  prometheus.Histogram
	slowCycles     prometheus.Counter
	criticalErrors prometheus.Counter

	events prometheus.Counter
	byName *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "task_runs_total",
			Help: "Task executions by outcome and attempt.",
		}, []string{"task", "status", "attempt"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "task_duration_seconds",
			Help:    "Task execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"task"}),
		taskSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "task_skipped_overlap_total",
			Help: "Firings skipped because the previous run was still in flight.",
		}, []string{"task"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "task_retries_scheduled_total",
			Help: "Retries armed after a failure.",
		}, []string{"task"}),
		checkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "check_runs_total",
			Help: "Check executions by outcome.",
		}, []string{"check", "status"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loop", Name: "check_duration_seconds",
			Help:    "Check execution time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"check"}),
		checkSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "check_skipped_overlap_total",
			Help: "Check runs skipped because the previous run was still in flight.",
		}, []string{"check"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cycles_total",
			Help: "Completed loop cycles.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "loop", Name: "cycle_duration_seconds",
			Help:    "Loop cycle time.",
			Buckets: prometheus.DefBuckets,
		}),
		slowCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "slow_cycles_total",
			Help: "Cycles that used more than the slow-cycle share of the interval.",
		}),
		criticalErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "critical_errors_total",
			Help: "Cycle-level failures followed by a cool-down.",
		}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "events_total",
			Help: "Events delivered through the bus.",
		}),
		byName: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "eventbus", Name: "events_by_name_total",
			Help: "Events delivered through the bus, by name.",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.taskRuns, m.taskDuration, m.taskSkipped, m.taskRetries,
		m.checkRuns, m.checkDuration, m.checkSkipped,
		m.cycles, m.cycleDuration, m.slowCycles, m.criticalErrors,
		m.events, m.byName,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) TaskRun(task, status, attempt string, d time.Duration) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task, status, attempt).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}

func (m *Metrics) TaskSkipped(task string) {
	if m == nil {
		return
	}
	m.taskSkipped.WithLabelValues(task).Inc()
}

func (m *Metrics) TaskRetryScheduled(task string) {
	if m == nil {
		return
	}
	m.taskRetries.WithLabelValues(task).Inc()
}

func (m *Metrics) CheckRun(check, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.checkRuns.WithLabelValues(check, status).Inc()
	m.checkDuration.WithLabelValues(check).Observe(d.Seconds())
}

func (m *Metrics) CheckSkipped(check string) {
	if m == nil {
		return
	}
	m.checkSkipped.WithLabelValues(check).Inc()
}

func (m *Metrics) Cycle(d time.Duration, slow bool) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
	if slow {
		m.slowCycles.Inc()
	}
}

func (m *Metrics) CriticalError() {
	if m == nil {
		return
	}
	m.criticalErrors.Inc()
}

func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.events.Inc()
	m.byName.WithLabelValues(name).Inc()
}
