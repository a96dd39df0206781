package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskpilot/internal/runtime/guard"
	"taskpilot/internal/storage"
	"taskpilot/pkg/logx"
)

// execute runs one attempt of t. Overlapping attempts are skipped, and no
// attempt starts while Stop is draining.
func (s *Scheduler) execute(ctx context.Context, t *task, attempt string) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStopping, t.name)
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !t.gate.TryAcquire() {
		s.log.Warn("task skipped: previous run still in flight",
			logx.String("task", t.name), logx.String("attempt", attempt), logx.Int64("skipped", t.gate.Skipped()))
		s.metrics.TaskSkipped(t.name)
		s.publish(EventSkipped, map[string]any{
			"task":    t.name,
			"attempt": attempt,
			"skipped": t.gate.Skipped(),
		})
		return ErrOverlapSkip
	}
	defer t.gate.Release()

	ctx, span := s.tracer.Start(ctx, "task "+t.name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("task.name", t.name),
			attribute.String("task.attempt", attempt),
		),
	)
	defer span.End()

	start := time.Now()
	s.mu.Lock()
	t.lastRun = start
	s.mu.Unlock()

	err := guard.Call(func() error { return t.action(ctx) })
	took := time.Since(start)

	rec := storage.ExecutionRecord{
		TaskName:   t.name,
		Status:     storage.StatusSuccess,
		ExecutedAt: start,
		DurationMS: took.Milliseconds(),
		Attempt:    attempt,
	}
	if err != nil {
		rec.Status = storage.StatusError
		rec.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if lerr := s.LogExecution(ctx, rec); lerr != nil {
		s.log.Error("failed to record task execution", logx.String("task", t.name), logx.Err(lerr))
	}
	s.metrics.TaskRun(t.name, rec.Status, attempt, took)

	if err != nil {
		fields := []logx.Field{logx.String("task", t.name), logx.String("attempt", attempt), logx.Duration("took", took), logx.Err(err), logx.SpanContext(ctx)}
		if stack, ok := guard.StackOf(err); ok {
			fields = append(fields, logx.String("stack", stack))
		}
		s.log.Error("task failed", fields...)
		s.callback(t, func() { t.opts.OnError(err) }, t.opts.OnError != nil)
		s.publish(EventFailed, map[string]any{
			"task":     t.name,
			"attempt":  attempt,
			"error":    err.Error(),
			"duration": took.Milliseconds(),
		})
		s.afterFailure(t, attempt)
		return err
	}

	s.log.Info("task completed", logx.String("task", t.name), logx.String("attempt", attempt), logx.Duration("took", took))
	s.callback(t, func() { t.opts.OnSuccess() }, t.opts.OnSuccess != nil)
	s.publish(EventCompleted, map[string]any{
		"task":     t.name,
		"attempt":  attempt,
		"duration": took.Milliseconds(),
	})
	return nil
}

func (s *Scheduler) callback(t *task, fn func(), ok bool) {
	if !ok {
		return
	}
	if err := guard.Call(func() error { fn(); return nil }); err != nil {
		s.log.Error("task callback failed", logx.String("task", t.name), logx.Err(err))
	}
}

// afterFailure arms the single retry timer of t. A pending retry is left as
// is: later failures and successes neither move nor cancel it. A failed retry
// is final, and a stopped scheduler never retries.
func (s *Scheduler) afterFailure(t *task, attempt string) {
	if !t.opts.Retry || attempt == storage.AttemptRetry {
		return
	}
	s.mu.Lock()
	if !s.running || !s.currentLocked(t) {
		s.mu.Unlock()
		return
	}
	if t.retryTimer != nil {
		s.mu.Unlock()
		s.log.Debug("task retry already pending", logx.String("task", t.name), logx.String("attempt", attempt))
		return
	}
	d := s.retryDelay(t)
	s.armRetryLocked(t, d)
	s.mu.Unlock()

	s.log.Info("task retry scheduled", logx.String("task", t.name), logx.Duration("in", d))
	s.metrics.TaskRetryScheduled(t.name)
	s.publish(EventRetryScheduled, map[string]any{
		"task":  t.name,
		"delay": d.Milliseconds(),
	})
}

func (s *Scheduler) retryDelay(t *task) time.Duration {
	if t.opts.RetryDelay > 0 {
		return t.opts.RetryDelay
	}
	return s.cfg.DefaultRetryDelay
}

func (s *Scheduler) armRetryLocked(t *task, d time.Duration) {
	t.retryVer++
	ver := t.retryVer
	t.retryTimer = time.AfterFunc(d, func() { s.runRetry(t, ver) })
}

func (s *Scheduler) cancelRetryLocked(t *task) {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
	t.retryVer++
}

func (s *Scheduler) runRetry(t *task, ver uint64) {
	s.mu.Lock()
	if t.retryVer != ver || !s.currentLocked(t) {
		s.mu.Unlock()
		return
	}
	t.retryTimer = nil
	ctx := s.runCtx
	s.mu.Unlock()

	if err := s.execute(ctx, t, storage.AttemptRetry); errors.Is(err, ErrOverlapSkip) {
		s.log.Warn("task retry dropped: run in flight", logx.String("task", t.name))
	}
}

// LogExecution appends one record to the execution history.
func (s *Scheduler) LogExecution(ctx context.Context, rec storage.ExecutionRecord) error {
	return s.store.AppendExecution(ctx, rec)
}

// History returns records newest first. An empty taskName covers all tasks.
func (s *Scheduler) History(ctx context.Context, taskName string, limit int) ([]storage.ExecutionRecord, error) {
	return s.store.ListExecutions(ctx, storage.Query{TaskName: taskName, Limit: limit})
}

// Stats aggregates the history of one task, or of all tasks for "".
func (s *Scheduler) Stats(ctx context.Context, taskName string) (storage.ExecutionStats, error) {
	return s.store.ExecutionStats(ctx, taskName)
}

// CleanOldHistory deletes records older than daysToKeep days (30 when <= 0).
func (s *Scheduler) CleanOldHistory(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep <= 0 {
		daysToKeep = 30
	}
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	n, err := s.store.DeleteExecutionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.log.Info("old task history cleaned", logx.Int("days", daysToKeep), logx.Int64("deleted", n))
	return n, nil
}
