package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/pkg/logx"
)

type factory func(t *testing.T) Store

func backends() map[string]factory {
	return map[string]factory{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"file": func(t *testing.T) Store {
			s, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "history.jsonl")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
			require.NoError(t, err)
			return s
		},
		"redis": newTestRedisStore,
	}
}

func newTestRedisStore(t *testing.T) Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	prefix := "taskpilot-test-" + uuid.NewString()
	s, err := Open(Config{Driver: "redis", Addr: addr, Prefix: prefix}, logx.Nop())
	if err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	rs := s.(*redisStore)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		keys, _ := rs.client.Keys(ctx, prefix+":*").Result()
		if len(keys) > 0 {
			_ = rs.client.Del(ctx, keys...).Err()
		}
	})
	return s
}

func forEachBackend(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			s := mk(t)
			defer s.Close()
			fn(t, s)
		})
	}
}

func rec(task, status string, at time.Time) ExecutionRecord {
	return ExecutionRecord{TaskName: task, Status: status, ExecutedAt: at}
}

func TestListNewestFirstAndFiltered(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendExecution(ctx, rec("a", StatusSuccess, base.Add(time.Duration(i)*time.Minute))))
		}
		require.NoError(t, s.AppendExecution(ctx, rec("b", StatusError, base.Add(10*time.Minute))))

		all, err := s.ListExecutions(ctx, Query{})
		require.NoError(t, err)
		require.Len(t, all, 6)
		assert.Equal(t, "b", all[0].TaskName)
		for i := 1; i < len(all); i++ {
			assert.False(t, all[i].ExecutedAt.After(all[i-1].ExecutedAt))
		}

		onlyA, err := s.ListExecutions(ctx, Query{TaskName: "a", Limit: 2})
		require.NoError(t, err)
		require.Len(t, onlyA, 2)
		assert.True(t, onlyA[0].ExecutedAt.Equal(base.Add(4*time.Minute)))
		assert.NotEmpty(t, onlyA[0].ID)
		assert.Equal(t, AttemptRegular, onlyA[0].Attempt)
	})
}

func TestRecordFieldsRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		at := time.Now().Truncate(time.Millisecond)
		in := ExecutionRecord{
			TaskName:   "backup",
			Status:     StatusError,
			Error:      "disk full",
			ExecutedAt: at,
			DurationMS: 42,
			Attempt:    AttemptRetry,
		}
		require.NoError(t, s.AppendExecution(ctx, in))
		out, err := s.ListExecutions(ctx, Query{TaskName: "backup"})
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "disk full", out[0].Error)
		assert.Equal(t, int64(42), out[0].DurationMS)
		assert.Equal(t, AttemptRetry, out[0].Attempt)
		assert.True(t, out[0].ExecutedAt.Equal(at))
	})
}

func TestDeleteBeforeReturnsExactCount(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now()
		cutoff := now.AddDate(0, 0, -30)

		old := []time.Time{now.AddDate(0, 0, -31), now.AddDate(0, 0, -45), cutoff.Add(-time.Second)}
		fresh := []time.Time{cutoff.Add(time.Minute), now.AddDate(0, 0, -1), now}
		for _, at := range old {
			require.NoError(t, s.AppendExecution(ctx, rec("t", StatusSuccess, at)))
		}
		for _, at := range fresh {
			require.NoError(t, s.AppendExecution(ctx, rec("t", StatusError, at)))
		}

		n, err := s.DeleteExecutionsBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(len(old)), n)

		left, err := s.ListExecutions(ctx, Query{TaskName: "t"})
		require.NoError(t, err)
		require.Len(t, left, len(fresh))
		for _, r := range left {
			assert.False(t, r.ExecutedAt.Before(cutoff))
		}

		n, err = s.DeleteExecutionsBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}

func TestExecutionStats(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().Truncate(time.Millisecond)
		require.NoError(t, s.AppendExecution(ctx, rec("a", StatusSuccess, now.Add(-2*time.Minute))))
		require.NoError(t, s.AppendExecution(ctx, rec("a", StatusError, now.Add(-time.Minute))))
		require.NoError(t, s.AppendExecution(ctx, rec("b", StatusSuccess, now)))

		st, err := s.ExecutionStats(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Total)
		assert.Equal(t, int64(1), st.Successful)
		assert.Equal(t, int64(1), st.Failed)
		require.NotNil(t, st.LastExecution)
		assert.True(t, st.LastExecution.Equal(now.Add(-time.Minute)))

		all, err := s.ExecutionStats(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, int64(3), all.Total)

		none, err := s.ExecutionStats(ctx, "missing")
		require.NoError(t, err)
		assert.Zero(t, none.Total)
		assert.Nil(t, none.LastExecution)
	})
}

func TestAppendRejectsInvalid(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.ErrorIs(t, s.AppendExecution(ctx, ExecutionRecord{Status: StatusSuccess}), ErrInvalid)
		assert.ErrorIs(t, s.AppendExecution(ctx, ExecutionRecord{TaskName: "x", Status: "meh"}), ErrInvalid)
	})
}

func TestFileStoreSurvivesReopenAndCompaction(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()
	now := time.Now()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.AppendExecution(ctx, rec("t", StatusSuccess, now.AddDate(0, 0, -40))))
	require.NoError(t, s.AppendExecution(ctx, rec("t", StatusSuccess, now)))
	n, err := s.DeleteExecutionsBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, s.AppendExecution(ctx, rec("t", StatusError, now.Add(time.Second))))
	require.NoError(t, s.Close())

	// A torn trailing line is skipped on load.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString(`{"taskName":"t","sta`)
	require.NoError(t, f.Close())

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.ListExecutions(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StatusError, got[0].Status)
}

func TestClosedStore(t *testing.T) {
	t.Parallel()
	s := NewMemory()
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.AppendExecution(context.Background(), rec("x", StatusSuccess, time.Now())), ErrClosed)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "cassandra"}, logx.Nop())
	assert.Error(t, err)
}
