package health

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/eventbus"
	"taskpilot/internal/loop"
	"taskpilot/pkg/logx"
)

func TestCheckPublishesAboveThreshold(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(eventbus.Config{}, logx.Nop())
	defer bus.Close()

	var buf bytes.Buffer
	unsub := LogAlerts(bus, logx.NewWriter(&buf, "debug"))
	defer unsub()

	c := New(Config{MemoryThreshold: 50}, bus, logx.Nop())
	c.read = func() Sample { return Sample{HeapUsed: 95, HeapTotal: 100, Percent: 95} }
	require.NoError(t, c.Check(context.Background()))

	hist := bus.History(EventHighMemory, 0)
	require.Len(t, hist, 1)
	assert.Equal(t, CheckName, hist[0].Source)
	assert.Equal(t, 95.0, hist[0].Payload.(Sample).Percent)
	assert.Contains(t, buf.String(), "memory critical")

	c.read = func() Sample { return Sample{Percent: 10} }
	require.NoError(t, c.Check(context.Background()))
	assert.Len(t, bus.History(EventHighMemory, 0), 1)
}

func TestDefaultsAndRegistration(t *testing.T) {
	t.Parallel()
	c := New(Config{}, nil, logx.Nop())
	assert.Equal(t, DefaultMemThreshold, c.threshold)

	s := ReadHeap()
	assert.Positive(t, s.HeapTotal)
	assert.LessOrEqual(t, s.Percent, 100.0)

	l := loop.New(loop.Config{}, nil, logx.Nop(), nil)
	require.NoError(t, c.Register(l))
	l.RunNow(context.Background())
	st, ok := l.CheckStats(CheckName)
	require.True(t, ok)
	assert.Equal(t, int64(1), st.SuccessCount)
}
