package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/runtime/guard"
	"taskpilot/internal/storage"
)

var (
	ErrNotFound    = errors.New("task not found")
	ErrInvalidSpec = errors.New("invalid task spec")
	ErrOverlapSkip = guard.ErrOverlapSkip
	ErrStopping    = errors.New("scheduler stopping")
)

// Events published on the bus.
const (
	EventCompleted      = "task.completed"
	EventFailed         = "task.failed"
	EventRetryScheduled = "task.retry-scheduled"
	EventSkipped        = "task.skipped"
)

const (
	DefaultTimezone   = "America/Sao_Paulo"
	DefaultRetryDelay = time.Minute
	recentRecords     = 10
)

// Task states.
const (
	StateArmed        = "armed"
	StateIdle         = "idle"
	StateRetryPending = "retry-pending"
)

// Action is the unit of work of a task.
type Action func(ctx context.Context) error

// Options tune one task.
type Options struct {
	OnSuccess func()
	OnError   func(err error)

	// Retry runs the action once more, RetryDelay after a failed run.
	// The retry itself is never retried.
	Retry      bool
	RetryDelay time.Duration

	// AutoStart arms the task on registration. nil means true.
	AutoStart *bool

	// Timezone overrides the scheduler default for this task.
	Timezone string
}

type Config struct {
	Timezone          string
	DefaultRetryDelay time.Duration
}

// TaskInfo is the listing view of a task.
type TaskInfo struct {
	Name           string     `json:"name"`
	Expression     string     `json:"expression"`
	Timezone       string     `json:"timezone"`
	State          string     `json:"state"`
	Running        bool       `json:"running"`
	Retry          bool       `json:"retry"`
	RetryDelay     string     `json:"retryDelay,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	NextRun        *time.Time `json:"nextRun,omitempty"`
	LastRun        *time.Time `json:"lastRun,omitempty"`
	SkippedOverlap int64      `json:"skippedOverlap"`
}

// TaskDetail adds recent history and aggregates to TaskInfo.
type TaskDetail struct {
	TaskInfo
	Recent []storage.ExecutionRecord `json:"recent"`
	Stats  storage.ExecutionStats    `json:"stats"`
}

type task struct {
	name      string
	expr      string
	tz        string
	sched     cron.Schedule
	action    Action
	opts      Options
	createdAt time.Time
	seq       uint64

	gate guard.Gate

	// Guarded by Scheduler.mu.
	entryID    cron.EntryID
	retryTimer *time.Timer
	retryVer   uint64
	lastRun    time.Time
}

func (t *task) state() string {
	switch {
	case t.retryTimer != nil:
		return StateRetryPending
	case t.entryID != 0:
		return StateArmed
	default:
		return StateIdle
	}
}
