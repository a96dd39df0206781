package loop

import (
	"context"
	"time"

	"taskpilot/internal/runtime/guard"
)

// Events published on the bus.
const (
	EventStarted         = "loop.started"
	EventStopped         = "loop.stopped"
	EventIntervalChanged = "loop.interval-changed"
	EventCriticalError   = "loop.critical-error"
	EventSlowCycle       = "loop.slow-cycle"
	EventRegistered      = "check.registered"
	EventUnregistered    = "check.unregistered"
	EventCompleted       = "check.completed"
	EventError           = "check.error"
)

const (
	DefaultInterval         = time.Minute
	DefaultSlowCycleRatio   = 0.8
	DefaultCriticalCooldown = 5 * time.Second
)

// Action is the body of a check.
type Action func(ctx context.Context) error

// Condition gates a check for one cycle. An error counts as a check failure.
type Condition func(ctx context.Context) (bool, error)

type Config struct {
	Interval         time.Duration
	SlowCycleRatio   float64
	CriticalCooldown time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SlowCycleRatio <= 0 {
		c.SlowCycleRatio = DefaultSlowCycleRatio
	}
	if c.CriticalCooldown <= 0 {
		c.CriticalCooldown = DefaultCriticalCooldown
	}
	return c
}

type CheckOption func(*check)

func WithCondition(cond Condition) CheckOption {
	return func(c *check) { c.condition = cond }
}

// WithPriority is informational; checks run in registration order.
func WithPriority(p int) CheckOption {
	return func(c *check) { c.priority = p }
}

type LastError struct {
	Message string    `json:"message"`
	At      time.Time `json:"timestamp"`
}

// CheckStats is a snapshot of one check.
type CheckStats struct {
	Name           string     `json:"name"`
	Priority       int        `json:"priority"`
	HasCondition   bool       `json:"hasCondition"`
	Running        bool       `json:"running"`
	SuccessCount   int64      `json:"successCount"`
	ErrorCount     int64      `json:"errorCount"`
	SkippedOverlap int64      `json:"skippedOverlap"`
	SuccessRate    float64    `json:"successRate"`
	LastRun        *time.Time `json:"lastRun,omitempty"`
	LastDurationMS int64      `json:"lastDurationMs"`
	LastError      *LastError `json:"lastError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// Totals are loop-wide counters.
type Totals struct {
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	UptimeMS       int64      `json:"uptimeMs"`
	TotalCycles    int64      `json:"totalCycles"`
	TotalChecks    int64      `json:"totalChecks"`
	Errors         int64      `json:"errors"`
	CriticalErrors int64      `json:"criticalErrors"`
	SlowCycles     int64      `json:"slowCycles"`
	LastCycleMS    int64      `json:"lastCycleMs"`
}

// Status is a snapshot of the loop.
type Status struct {
	Running    bool         `json:"isRunning"`
	Interval   string       `json:"interval"`
	IntervalMS int64        `json:"intervalMs"`
	Checks     []CheckStats `json:"checks"`
	Stats      Totals       `json:"stats"`
}

type check struct {
	name      string
	action    Action
	condition Condition
	priority  int
	createdAt time.Time

	gate guard.Gate

	// Guarded by Loop.mu.
	successCount int64
	errorCount   int64
	lastRun      time.Time
	lastDuration time.Duration
	lastError    *LastError
}

func (c *check) statsLocked() CheckStats {
	st := CheckStats{
		Name:           c.name,
		Priority:       c.priority,
		HasCondition:   c.condition != nil,
		Running:        c.gate.Busy(),
		SuccessCount:   c.successCount,
		ErrorCount:     c.errorCount,
		SkippedOverlap: c.gate.Skipped(),
		LastDurationMS: c.lastDuration.Milliseconds(),
		CreatedAt:      c.createdAt,
	}
	if n := c.successCount + c.errorCount; n > 0 {
		st.SuccessRate = float64(c.successCount) / float64(n) * 100
	}
	if !c.lastRun.IsZero() {
		t := c.lastRun
		st.LastRun = &t
	}
	if c.lastError != nil {
		le := *c.lastError
		st.LastError = &le
	}
	return st
}
