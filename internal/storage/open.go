package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"taskpilot/pkg/logx"
)

// Store persists task execution records.
type Store interface {
	AppendExecution(ctx context.Context, rec ExecutionRecord) error
	// ListExecutions returns matching records, newest first.
	ListExecutions(ctx context.Context, q Query) ([]ExecutionRecord, error)
	// DeleteExecutionsBefore removes records executed strictly before cutoff
	// and returns how many were removed.
	DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ExecutionStats(ctx context.Context, taskName string) (ExecutionStats, error)
	Close() error
}

// Open initializes the configured store. An empty driver means memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
