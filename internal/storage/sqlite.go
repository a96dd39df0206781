package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log}, nil
}

func (s *sqliteStore) AppendExecution(ctx context.Context, rec ExecutionRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_executions(id, task_name, status, error, executed_at, duration_ms, attempt)
		 VALUES(?,?,?,?,?,?,?)`,
		rec.ID, rec.TaskName, rec.Status, nullStr(rec.Error), rec.ExecutedAt.UnixMilli(), rec.DurationMS, rec.Attempt,
	)
	return err
}

func (s *sqliteStore) ListExecutions(ctx context.Context, q Query) ([]ExecutionRecord, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := `SELECT id, task_name, status, error, executed_at, duration_ms, attempt FROM task_executions`
	args := []any{}
	if q.TaskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, q.TaskName)
	}
	query += ` ORDER BY executed_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ExecutionRecord, 0, limit)
	for rows.Next() {
		var (
			rec  ExecutionRecord
			msg  sql.NullString
			atMS int64
		)
		if err := rows.Scan(&rec.ID, &rec.TaskName, &rec.Status, &msg, &atMS, &rec.DurationMS, &rec.Attempt); err != nil {
			return nil, err
		}
		rec.Error = msg.String
		rec.ExecutedAt = time.UnixMilli(atMS)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_executions WHERE executed_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) ExecutionStats(ctx context.Context, taskName string) (ExecutionStats, error) {
	query := `SELECT COUNT(*),
		SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
		MAX(executed_at)
		FROM task_executions`
	args := []any{}
	if taskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, taskName)
	}

	st := ExecutionStats{TaskName: taskName}
	var ok, failed, last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&st.Total, &ok, &failed, &last); err != nil {
		return ExecutionStats{}, err
	}
	st.Successful = ok.Int64
	st.Failed = failed.Int64
	if last.Valid {
		at := time.UnixMilli(last.Int64)
		st.LastExecution = &at
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
