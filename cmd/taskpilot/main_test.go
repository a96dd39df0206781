package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/storage"
	"taskpilot/pkg/logx"
)

func TestLoadEnvIgnoresMissingFile(t *testing.T) {
	require.NoError(t, loadEnv(filepath.Join(t.TempDir(), "absent.env")))
	require.NoError(t, loadEnv(""))
}

func TestLoadEnvDoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TASKPILOT_TEST_A=file\nTASKPILOT_TEST_B=file\n"), 0o600))
	t.Setenv("TASKPILOT_TEST_A", "env")
	t.Setenv("TASKPILOT_TEST_B", "")
	require.NoError(t, os.Unsetenv("TASKPILOT_TEST_B"))

	require.NoError(t, loadEnv(path))
	assert.Equal(t, "env", os.Getenv("TASKPILOT_TEST_A"))
	assert.Equal(t, "file", os.Getenv("TASKPILOT_TEST_B"))
}

func TestCleanCommandUsesConfiguredStore(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "history.jsonl")
	cfgFile := filepath.Join(dir, "taskpilot.json")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`{"storage": {"driver": "file", "path": "`+dbPath+`"}}`), 0o600))

	st, err := storage.Open(storage.Config{Driver: "file", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	for _, age := range []time.Duration{40 * 24 * time.Hour, time.Hour} {
		require.NoError(t, st.AppendExecution(ctx, storage.ExecutionRecord{
			TaskName:   "backup",
			Status:     storage.StatusSuccess,
			Attempt:    storage.AttemptRegular,
			ExecutedAt: time.Now().Add(-age),
		}))
	}
	require.NoError(t, st.Close())

	rootCmd.SetArgs([]string{"--config", cfgFile, "--env-file", "", "clean", "--days", "30"})
	require.NoError(t, rootCmd.Execute())

	st, err = storage.Open(storage.Config{Driver: "file", Path: dbPath}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	recs, err := st.ListExecutions(ctx, storage.Query{TaskName: "backup"})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
