package storage

import (
	"errors"
	"sort"
	"time"
)

var (
	ErrClosed  = errors.New("storage closed")
	ErrInvalid = errors.New("invalid execution record")
)

// Execution statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Execution attempts.
const (
	AttemptRegular = "regular"
	AttemptRetry   = "retry"
	AttemptManual  = "manual"
)

// DefaultLimit is the page size of ListExecutions when Query.Limit <= 0.
const DefaultLimit = 50

// Config configures storage.
//
// Driver values:
//   - "memory": in-process only (default)
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//   - "redis": sorted sets on the server at Addr
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	Addr     string
	Password string
	DB       int
	Prefix   string
}

// ExecutionRecord is one task run outcome. Records are never updated.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	TaskName   string    `json:"taskName"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executedAt"`
	DurationMS int64     `json:"durationMs"`
	Attempt    string    `json:"attempt"`
}

// Query selects records for ListExecutions. An empty TaskName matches all tasks.
type Query struct {
	TaskName string
	Limit    int
}

// ExecutionStats aggregates records of one task, or all tasks when TaskName is empty.
type ExecutionStats struct {
	TaskName      string     `json:"taskName,omitempty"`
	Total         int64      `json:"total"`
	Successful    int64      `json:"successful"`
	Failed        int64      `json:"failed"`
	LastExecution *time.Time `json:"lastExecution"`
}

func (r *ExecutionRecord) validate() error {
	if r.TaskName == "" {
		return errors.Join(ErrInvalid, errors.New("task name is required"))
	}
	switch r.Status {
	case StatusSuccess, StatusError:
	default:
		return errors.Join(ErrInvalid, errors.New("unknown status "+r.Status))
	}
	if r.Attempt == "" {
		r.Attempt = AttemptRegular
	}
	return nil
}

func statsOf(taskName string, recs []ExecutionRecord) ExecutionStats {
	st := ExecutionStats{TaskName: taskName}
	for _, r := range recs {
		if taskName != "" && r.TaskName != taskName {
			continue
		}
		st.Total++
		switch r.Status {
		case StatusSuccess:
			st.Successful++
		case StatusError:
			st.Failed++
		}
		if st.LastExecution == nil || r.ExecutedAt.After(*st.LastExecution) {
			at := r.ExecutedAt
			st.LastExecution = &at
		}
	}
	return st
}

// newestFirst orders records by ExecutedAt descending. Equal times keep the
// input order.
func newestFirst(recs []ExecutionRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ExecutedAt.After(recs[j].ExecutedAt) })
}
