package loop

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"taskpilot/internal/runtime/guard"
	"taskpilot/pkg/logx"
)

var callGuarded = guard.Call

// runCheck runs c once. With useCondition set, a false condition skips the
// check without touching its counters.
func (l *Loop) runCheck(ctx context.Context, c *check, useCondition bool) {
	if !c.gate.TryAcquire() {
		l.log.Warn("check skipped: previous run still in flight", logx.String("check", c.name), logx.Int64("skipped", c.gate.Skipped()))
		l.metrics.CheckSkipped(c.name)
		return
	}
	defer c.gate.Release()

	ctx, span := l.tracer.Start(ctx, "check "+c.name)
	defer span.End()
	span.SetAttributes(attribute.String("check.name", c.name))

	if useCondition && c.condition != nil {
		var ok bool
		err := callGuarded(func() error {
			var cerr error
			ok, cerr = c.condition(ctx)
			return cerr
		})
		if err != nil {
			l.failed(ctx, c, err, 0)
			span.RecordError(err)
			span.SetStatus(codes.Error, "condition: "+err.Error())
			return
		}
		if !ok {
			span.SetAttributes(attribute.Bool("check.skipped", true))
			return
		}
	}

	start := time.Now()
	err := callGuarded(func() error { return c.action(ctx) })
	took := time.Since(start)
	if err != nil {
		l.failed(ctx, c, err, took)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	l.mu.Lock()
	c.successCount++
	c.lastRun = time.Now()
	c.lastDuration = took
	l.totalChecks++
	l.mu.Unlock()

	l.metrics.CheckRun(c.name, "success", took)
	l.log.Debug("check completed", logx.String("check", c.name), logx.Duration("took", took))
	l.publish(EventCompleted, map[string]any{"name": c.name, "duration": took.Milliseconds()})
}

func (l *Loop) failed(ctx context.Context, c *check, err error, took time.Duration) {
	l.mu.Lock()
	c.errorCount++
	c.lastError = &LastError{Message: err.Error(), At: time.Now()}
	l.errors++
	l.mu.Unlock()

	fields := []logx.Field{logx.String("check", c.name), logx.Err(err), logx.SpanContext(ctx)}
	if stack, ok := guard.StackOf(err); ok {
		fields = append(fields, logx.String("stack", stack))
	}
	l.log.Error("check failed", fields...)
	l.metrics.CheckRun(c.name, "error", took)
	l.publish(EventError, map[string]any{"name": c.name, "error": err.Error()})
}
