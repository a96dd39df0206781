package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/eventbus"
	"taskpilot/pkg/logx"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.TaskRun("t", "success", "regular", time.Second)
	m.CheckSkipped("c")
	m.Cycle(time.Second, true)
	assert.Nil(t, m.Registry())
}

func TestCollectors(t *testing.T) {
	t.Parallel()
	m := New()
	m.TaskRun("backup", "error", "regular", 10*time.Millisecond)
	m.TaskRun("backup", "error", "regular", 10*time.Millisecond)
	m.TaskSkipped("backup")
	m.CheckRun("ping", "success", time.Millisecond)
	m.Cycle(time.Second, true)

	body := scrape(t, m)
	assert.Contains(t, body, `taskpilot_scheduler_task_runs_total{attempt="regular",status="error",task="backup"} 2`)
	assert.Contains(t, body, `taskpilot_scheduler_task_skipped_overlap_total{task="backup"} 1`)
	assert.Contains(t, body, "taskpilot_loop_slow_cycles_total 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestEventListenerCountsEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(eventbus.Config{}, logx.Nop())
	m := New()
	l := NewEventListener(bus, m, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = l.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		bus.Publish("probe", nil)
		return strings.Contains(scrape(t, m), `taskpilot_eventbus_events_by_name_total{event="probe"}`)
	}, 2*time.Second, 10*time.Millisecond)
}
