package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestParseYAMLAndJSON(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"cfg.json": `{"logging":{"level":"debug","console":true},"loop":{"enabled":true,"interval":"30s"},"storage":{"driver":"file","path":"./x"}}`,
		"cfg.yaml": "logging:\n  level: debug\n  console: true\nloop:\n  enabled: true\n  interval: 30s\nstorage:\n  driver: file\n  path: ./x\n",
	}
	for name, body := range cases {
		m := NewManager(writeFile(t, name, body))
		m.SetEnvLookup(noEnv)
		cfg, err := m.Load()
		require.NoError(t, err, name)
		assert.Equal(t, "debug", cfg.Logging.Level, name)
		assert.Equal(t, "30s", cfg.Loop.Interval, name)
		assert.Equal(t, "file", cfg.Storage.Driver, name)
		assert.Same(t, cfg, m.Get(), name)
	}
}

func TestParseRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	t.Parallel()
	for _, body := range []string{
		`{"loop":{"enabled":true,"bogus":1}}`,
		`{"nope":{}}`,
		`{"loop":{"enabled":true}} {}`,
		`{"loop":{"interval":"soon"}}`,
		`{"storage":{"driver":"mongo"}}`,
		`{"logging":{"format":"xml"}}`,
	} {
		m := NewManager(writeFile(t, "cfg.json", body))
		m.SetEnvLookup(noEnv)
		_, err := m.Parse()
		assert.Error(t, err, body)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := Default()
	require.NoError(t, Validate(cfg))

	bad := Default()
	bad.Scheduler.Timezone = "Mars/Olympus"
	bad.HTTP.Addr = "0.0.0.0:8080"
	bad.Storage.Driver = "sqlite"
	err := Validate(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler.timezone")
	assert.Contains(t, err.Error(), "not loopback")
	assert.Contains(t, err.Error(), "storage.path")

	bad.HTTP.Token = "secret"
	bad.Scheduler.Timezone = "UTC"
	bad.Storage.Path = "db.sqlite"
	require.NoError(t, Validate(bad))
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"TASKPILOT_LOG_LEVEL":    "warn",
		"TASKPILOT_HTTP_TOKEN":   "t0k",
		"TASKPILOT_HTTP_ENABLED": "false",
		"TASKPILOT_REDIS_ADDR":   "127.0.0.1:6379",
	}
	cfg := Default()
	require.NoError(t, ApplyEnv(cfg, func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "t0k", cfg.HTTP.Token)
	assert.False(t, cfg.HTTP.Enabled)
	assert.Equal(t, "127.0.0.1:6379", cfg.Storage.Addr)

	err := ApplyEnv(cfg, func(k string) (string, bool) {
		if k == "TASKPILOT_HTTP_ENABLED" {
			return "maybe", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestDuration(t *testing.T) {
	t.Parallel()
	d, err := Duration("x", "", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = Duration("x", "250ms", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = Duration("x", "-1s", time.Minute)
	assert.Error(t, err)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "cfg.json", `{"loop":{"enabled":true,"interval":"10s"}}`)
	m := NewManager(path)
	m.SetEnvLookup(noEnv)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	changed, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, os.WriteFile(path, []byte(`{"loop":{"enabled":true,"interval":"20s"}}`), 0o644))
	changed, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, changed)

	select {
	case cfg := <-ch:
		assert.Equal(t, "20s", cfg.Loop.Interval)
	default:
		t.Fatal("expected a published config")
	}
}

func TestWatchPicksUpWrites(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "cfg.yaml", "loop:\n  interval: 10s\n")
	m := NewManager(path)
	m.SetEnvLookup(noEnv)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("loop:\n  interval: 42s\n"), 0o644))
	select {
	case cfg := <-ch:
		assert.Equal(t, "42s", cfg.Loop.Interval)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}

func TestSummarizeChangeHidesToken(t *testing.T) {
	t.Parallel()
	a := Default()
	b := Default()
	b.HTTP.Token = "super-secret"
	b.Loop.Interval = "5s"
	changed, attrs := SummarizeChange(a, b)
	assert.ElementsMatch(t, []string{"loop", "http"}, changed)
	assert.NotEmpty(t, attrs)
}
