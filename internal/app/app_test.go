package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/config"
	"taskpilot/internal/health"
	"taskpilot/internal/storage"
)

func writeConfig(t *testing.T, path, interval string, loopEnabled bool) {
	t.Helper()
	doc := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "memory"},
  "scheduler": {"enabled": true, "timezone": "UTC"},
  "loop": {"enabled": %t, "interval": %q},
  "http": {"enabled": true, "addr": "127.0.0.1:0"},
  "health": {"enabled": true}
}`, loopEnabled, interval)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
}

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskpilot.json")
	writeConfig(t, path, "1h", true)
	a, err := NewApp(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a, path
}

func TestNewAppRegistersBuiltins(t *testing.T) {
	a, _ := newTestApp(t)

	tasks := a.Scheduler().ListTasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, CleanupTaskName, tasks[0].Name)
	assert.Equal(t, DefaultCleanupCron, tasks[0].Expression)
	assert.Equal(t, "UTC", tasks[0].Timezone)

	assert.Equal(t, []string{health.CheckName}, a.Loop().Checks())
	assert.Equal(t, time.Hour, a.Loop().Interval())
}

func TestStartServesAndStops(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.Start(context.Background()))
	assert.Error(t, a.Start(context.Background()))

	assert.True(t, a.Scheduler().Running())
	assert.True(t, a.Loop().Running())
	require.Eventually(t, func() bool { return a.HTTP().Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + a.HTTP().Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, a.Scheduler().RunTask(context.Background(), CleanupTaskName))
	recs, err := a.Store().ListExecutions(context.Background(), storage.Query{TaskName: CleanupTaskName})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
	assert.False(t, a.Scheduler().Running())
	assert.False(t, a.Loop().Running())
	assert.Empty(t, a.HTTP().Addr())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context not canceled")
	}
	assert.NoError(t, a.Err())
}

func TestReloadAppliesLoopSettings(t *testing.T) {
	a, path := newTestApp(t)
	require.NoError(t, a.Start(context.Background()))

	// The file watcher may publish first; either way the change lands.
	writeConfig(t, path, "30m", true)
	_, err := a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Loop().Interval() == 30*time.Minute }, 2*time.Second, 10*time.Millisecond)

	writeConfig(t, path, "30m", false)
	_, err = a.cfgm.Reload(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !a.Loop().Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	a, path := newTestApp(t)
	require.NoError(t, a.Start(context.Background()))

	doc := `{"scheduler": {"enabled": true, "cleanup_cron": "not a cron"}}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	changed, err := a.cfgm.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, changed)
	assert.Equal(t, time.Hour, a.Loop().Interval())
}

func TestMapStorageConfig(t *testing.T) {
	cases := []struct {
		name    string
		in      config.StorageConfig
		driver  string
		wantErr bool
	}{
		{name: "default", in: config.StorageConfig{}, driver: "memory"},
		{name: "file", in: config.StorageConfig{Driver: "file", Path: "x.jsonl"}, driver: "file"},
		{name: "sqlite", in: config.StorageConfig{Driver: "SQLite", Path: "x.db", BusyTimeout: "2s"}, driver: "sqlite"},
		{name: "sqlite without path", in: config.StorageConfig{Driver: "sqlite"}, wantErr: true},
		{name: "bad busy timeout", in: config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "soon"}, wantErr: true},
		{name: "redis", in: config.StorageConfig{Driver: "redis", Addr: "localhost:6379"}, driver: "redis"},
		{name: "unknown", in: config.StorageConfig{Driver: "mongo"}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Storage: tc.in}
			sc, err := MapStorageConfig(cfg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.driver, sc.Driver)
		})
	}
}
