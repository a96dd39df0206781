package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"taskpilot/internal/eventbus"
	"taskpilot/pkg/logx"
)

func newTestLoop(t *testing.T, cfg Config) (*Loop, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(eventbus.Config{}, logx.Nop())
	l := New(cfg, bus, logx.Nop(), nil)
	t.Cleanup(func() {
		l.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Wait(ctx)
		bus.Close()
	})
	return l, bus
}

func ok(context.Context) error { return nil }

func TestRegistryKeepsLatestRegistration(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{})

	require.NoError(t, l.RegisterCheck("a", func(context.Context) error { return errors.New("old") }))
	require.NoError(t, l.RegisterCheck("b", ok))
	require.NoError(t, l.RegisterCheck("c", ok, WithPriority(3)))
	l.RunNow(context.Background())

	assert.True(t, l.UnregisterCheck("b"))
	assert.False(t, l.UnregisterCheck("b"))
	require.NoError(t, l.RegisterCheck("a", ok))

	assert.Equal(t, []string{"a", "c"}, l.Checks())
	st, found := l.CheckStats("a")
	require.True(t, found)
	assert.Zero(t, st.ErrorCount)
	assert.Nil(t, st.LastError)

	st, _ = l.CheckStats("c")
	assert.Equal(t, 3, st.Priority)

	_, found = l.CheckStats("b")
	assert.False(t, found)
	assert.Error(t, l.RegisterCheck("", ok))
}

func TestRunNowPing(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{})
	require.NoError(t, l.RegisterCheck("ping", ok))

	l.RunNow(context.Background())

	st, found := l.CheckStats("ping")
	require.True(t, found)
	assert.Equal(t, int64(1), st.SuccessCount)
	assert.Equal(t, int64(0), st.ErrorCount)
	assert.NotNil(t, st.LastRun)
	assert.Equal(t, float64(100), st.SuccessRate)
}

func TestRunNowIgnoresConditions(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{})
	var runs atomic.Int32
	require.NoError(t, l.RegisterCheck("gated", func(context.Context) error {
		runs.Add(1)
		return nil
	}, WithCondition(func(context.Context) (bool, error) { return false, nil })))

	l.RunNow(context.Background())
	assert.Equal(t, int32(1), runs.Load())
}

func TestFalseConditionSkipsCheck(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{Interval: 10 * time.Millisecond})
	var runs atomic.Int32
	require.NoError(t, l.RegisterCheck("never", func(context.Context) error {
		runs.Add(1)
		return nil
	}, WithCondition(func(context.Context) (bool, error) { return false, nil })))

	require.True(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return l.Status().Stats.TotalCycles >= 3 }, 2*time.Second, 5*time.Millisecond)

	st, _ := l.CheckStats("never")
	assert.Zero(t, runs.Load())
	assert.Zero(t, st.SuccessCount)
	assert.Zero(t, st.ErrorCount)
	assert.Nil(t, st.LastRun)
}

func TestFailingCheckIsIsolated(t *testing.T) {
	t.Parallel()
	l, bus := newTestLoop(t, Config{Interval: 10 * time.Millisecond})
	var errorsSeen atomic.Int32
	bus.Subscribe(EventError, func(eventbus.Event) error {
		errorsSeen.Add(1)
		return nil
	})

	require.NoError(t, l.RegisterCheck("bad", func(context.Context) error { return errors.New("down") }))
	require.NoError(t, l.RegisterCheck("panicky", func(context.Context) error { panic("oops") }))
	require.NoError(t, l.RegisterCheck("good", ok))
	require.NoError(t, l.RegisterCheck("bad-guard", ok,
		WithCondition(func(context.Context) (bool, error) { return false, errors.New("guard broke") })))

	require.True(t, l.Start(context.Background()))
	require.Eventually(t, func() bool {
		st, _ := l.CheckStats("good")
		return st.SuccessCount >= 2
	}, 2*time.Second, 5*time.Millisecond)
	l.Stop()
	require.NoError(t, l.Wait(context.Background()))

	status := l.Status()
	var sum int64
	for _, c := range status.Checks {
		sum += c.ErrorCount
		switch c.Name {
		case "good":
			assert.Zero(t, c.ErrorCount)
		case "bad", "bad-guard", "panicky":
			assert.Zero(t, c.SuccessCount, c.Name)
			assert.Positive(t, c.ErrorCount, c.Name)
			require.NotNil(t, c.LastError, c.Name)
		}
	}
	assert.Equal(t, sum, status.Stats.Errors)
	assert.Equal(t, int64(0), status.Stats.CriticalErrors)
	assert.Equal(t, int32(sum), errorsSeen.Load())

	st, _ := l.CheckStats("panicky")
	assert.Equal(t, "panic: oops", st.LastError.Message)
	st, _ = l.CheckStats("bad-guard")
	assert.Equal(t, "guard broke", st.LastError.Message)
}

func TestCriticalFailureCoolsDown(t *testing.T) {
	t.Parallel()
	l, bus := newTestLoop(t, Config{Interval: 10 * time.Millisecond, CriticalCooldown: 300 * time.Millisecond})
	var critical atomic.Int32
	bus.Subscribe(EventCriticalError, func(eventbus.Event) error {
		critical.Add(1)
		return nil
	})

	var first sync.Once
	l.beforeCycle = func() {
		first.Do(func() { panic("driver failure") })
	}
	require.NoError(t, l.RegisterCheck("ping", ok))
	require.True(t, l.Start(context.Background()))

	time.Sleep(150 * time.Millisecond)
	st := l.Status()
	assert.Equal(t, int64(1), st.Stats.TotalCycles)
	assert.Equal(t, int64(1), st.Stats.CriticalErrors)
	assert.Equal(t, int64(1), st.Stats.Errors)
	assert.Equal(t, int32(1), critical.Load())
	assert.Zero(t, st.Checks[0].SuccessCount)

	require.Eventually(t, func() bool {
		cs, _ := l.CheckStats("ping")
		return cs.SuccessCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, l.Running())
}

func TestSlowCycleIsReported(t *testing.T) {
	t.Parallel()
	l, bus := newTestLoop(t, Config{Interval: 50 * time.Millisecond})
	var slow atomic.Int32
	bus.Subscribe(EventSlowCycle, func(eventbus.Event) error {
		slow.Add(1)
		return nil
	})
	require.NoError(t, l.RegisterCheck("sluggish", func(context.Context) error {
		time.Sleep(45 * time.Millisecond)
		return nil
	}))

	require.True(t, l.Start(context.Background()))
	require.Eventually(t, func() bool { return slow.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, l.Status().Stats.SlowCycles)
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	l, bus := newTestLoop(t, Config{Interval: time.Hour})
	stopped := make(chan struct{}, 1)
	bus.Subscribe(EventStopped, func(eventbus.Event) error {
		stopped <- struct{}{}
		return nil
	})

	assert.False(t, l.Stop())
	require.True(t, l.Start(context.Background()))
	assert.False(t, l.Start(context.Background()))
	assert.True(t, l.Running())

	// Stop interrupts the inter-cycle sleep.
	assert.True(t, l.Stop())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, l.Wait(ctx))
	assert.False(t, l.Running())
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("no stopped event")
	}

	require.True(t, l.Start(context.Background()))
	assert.NotNil(t, l.Status().Stats.StartedAt)
}

func TestRestartWaitsForPreviousCycle(t *testing.T) {
	t.Parallel()
	l, bus := newTestLoop(t, Config{Interval: time.Hour})

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(ev eventbus.Event) error {
		mu.Lock()
		events = append(events, ev.Name)
		mu.Unlock()
		return nil
	}
	bus.Subscribe(EventStarted, record)
	bus.Subscribe(EventStopped, record)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, l.RegisterCheck("hold", func(context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	}))

	require.True(t, l.Start(context.Background()))
	<-entered
	require.True(t, l.Stop())

	restarted := make(chan bool, 1)
	go func() { restarted <- l.Start(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, l.Running())
	close(release)

	select {
	case ok := <-restarted:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("restart did not return")
	}
	assert.True(t, l.Running())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventStarted, EventStopped, EventStarted}, events)
}

func TestContextCancelStopsLoop(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, l.Start(ctx))
	cancel()

	wctx, wcancel := context.WithTimeout(context.Background(), time.Second)
	defer wcancel()
	require.NoError(t, l.Wait(wctx))
	assert.False(t, l.Running())
}

func TestSetInterval(t *testing.T) {
	t.Parallel()
	l, bus := newTestLoop(t, Config{})
	var changed eventbus.Event
	bus.Subscribe(EventIntervalChanged, func(e eventbus.Event) error {
		changed = e
		return nil
	})

	assert.Equal(t, DefaultInterval, l.Interval())
	require.NoError(t, l.SetInterval(5*time.Second))
	assert.Equal(t, 5*time.Second, l.Interval())
	assert.Equal(t, map[string]any{"oldInterval": int64(60000), "newInterval": int64(5000)}, changed.Payload)
	assert.Error(t, l.SetInterval(0))
	assert.Equal(t, int64(5000), l.Status().IntervalMS)
}

func TestSuccessRate(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{})
	var n atomic.Int32
	require.NoError(t, l.RegisterCheck("flip", func(context.Context) error {
		if n.Add(1)%2 == 0 {
			return errors.New("even")
		}
		return nil
	}))
	for i := 0; i < 4; i++ {
		l.RunNow(context.Background())
	}
	st, _ := l.CheckStats("flip")
	assert.Equal(t, float64(50), st.SuccessRate)
	assert.Equal(t, int64(4), l.Status().Stats.TotalChecks+l.Status().Stats.Errors)
}

func TestOverlappingCheckRunIsSkipped(t *testing.T) {
	t.Parallel()
	l, _ := newTestLoop(t, Config{})
	release := make(chan struct{})
	require.NoError(t, l.RegisterCheck("slow", func(context.Context) error {
		<-release
		return nil
	}))

	done := make(chan struct{})
	go func() {
		l.RunNow(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		st, _ := l.CheckStats("slow")
		return st.Running
	}, time.Second, 5*time.Millisecond)

	l.RunNow(context.Background())
	close(release)
	<-done

	st, _ := l.CheckStats("slow")
	assert.Equal(t, int64(1), st.SuccessCount)
	assert.Equal(t, int64(1), st.SkippedOverlap)
}

func TestFailedCheckLogCarriesTraceID(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	bus := eventbus.New(eventbus.Config{}, logx.Nop())
	t.Cleanup(bus.Close)

	l := New(Config{}, bus, logx.NewWriter(&buf, "error"), nil, WithTracerProvider(tp))
	require.NoError(t, l.RegisterCheck("disk", func(context.Context) error { return errors.New("full") }))
	l.RunNow(context.Background())

	var spanTrace string
	for _, s := range sr.Ended() {
		if s.Name() == "check disk" {
			spanTrace = s.SpanContext().TraceID().String()
		}
	}
	require.NotEmpty(t, spanTrace)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "check failed", line["message"])
	assert.Equal(t, spanTrace, line["trace_id"])
}
