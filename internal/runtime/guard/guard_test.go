package guard

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateAdmitsOne(t *testing.T) {
	t.Parallel()
	var g Gate
	require.True(t, g.TryAcquire())
	assert.True(t, g.Busy())
	assert.False(t, g.TryAcquire())
	assert.False(t, g.TryAcquire())
	assert.Equal(t, int64(2), g.Skipped())
	g.Release()
	assert.True(t, g.TryAcquire())
}

func TestGateConcurrent(t *testing.T) {
	t.Parallel()
	var (
		g   Gate
		won int
		mu  sync.Mutex
		wg  sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire() {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, int64(49), g.Skipped())
}

func TestCall(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Call(func() error { return nil }))

	sentinel := errors.New("x")
	assert.ErrorIs(t, Call(func() error { return sentinel }), sentinel)

	err := Call(func() error { panic("boom") })
	require.Error(t, err)
	assert.Equal(t, "panic: boom", err.Error())
	stack, ok := StackOf(err)
	assert.True(t, ok)
	assert.Contains(t, stack, "guard_test.go")

	_, ok = StackOf(sentinel)
	assert.False(t, ok)
}
