package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Default()
	assert.Equal(t, 3, s.MaxConcurrentTasks)
	assert.Equal(t, 10.0, s.TaskMaxCost)
	assert.Equal(t, 60*time.Second, s.HeartbeatInterval)
	assert.Equal(t, 300*time.Second, s.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, s.RetryDelay)
	assert.Equal(t, 90, s.TaskRetentionDays)
	assert.Equal(t, 6*time.Hour, s.CleanupInterval)
	assert.NotEmpty(t, s.Stages)
	require.NoError(t, s.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().MaxConcurrentTasks, s.MaxConcurrentTasks)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
max_concurrent_tasks: 7
task_max_cost: 2.5
retry_delay: 5s
stages:
  - pattern: "cargo build"
    label: "building"
`), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, s.MaxConcurrentTasks)
	assert.Equal(t, 2.5, s.TaskMaxCost)
	assert.Equal(t, 5*time.Second, s.RetryDelay)
	require.Len(t, s.Stages, 1)
	assert.Equal(t, "building", s.Stages[0].Label)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_MAX_CONCURRENT_TASKS", "9")
	t.Setenv("FOREMAN_HEARTBEAT_INTERVAL", "250ms")
	t.Setenv("FOREMAN_BACKGROUND_MODEL", "haiku")

	s, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, s.MaxConcurrentTasks)
	assert.Equal(t, 250*time.Millisecond, s.HeartbeatInterval)
	assert.Equal(t, "haiku", s.BackgroundModel)
}

func TestInvalidEnvRejected(t *testing.T) {
	t.Setenv("FOREMAN_TASK_MAX_COST", "not-a-number")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	s := Default()
	s.MaxConcurrentTasks = 0
	assert.Error(t, s.Validate())

	s = Default()
	s.TaskMaxCost = -1
	assert.Error(t, s.Validate())

	s = Default()
	s.RetryDelay = -time.Second
	assert.Error(t, s.Validate())
}
