package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/pkg/config"
)

// 32 zero bytes, base64.
const testKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.LoadWithEnv("", nil)
	require.NoError(t, err)

	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "travel_planner_checkpoint", cfg.Store.CheckpointCollection)
	assert.Equal(t, "travel_planner_history", cfg.Store.WritesCollection)
	assert.Equal(t, 15, cfg.Store.MinPoolSize)
	assert.Equal(t, 300, cfg.Store.MaxPoolSize)
	assert.Equal(t, 45*time.Second, cfg.Store.SocketTimeout)
	assert.True(t, cfg.Store.RetryReads)
	assert.Equal(t, 25, cfg.Executor.StepLimit)
	assert.Equal(t, []string{"calendar", "search", "sharing", "travel_planner"}, cfg.Executor.TeamMembers)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 8192, cfg.Server.MaxInputSize)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "waypoint.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  driver: mongo
  uri: mongodb://localhost:27017
  max_pool_size: 50
  connect_timeout: 2s
executor:
  step_limit: 10
`), 0o644))

	env := []string{
		"WAYPOINT_STORE_MAX_POOL_SIZE=40",
		"WAYPOINT_EXECUTOR_TEAM_MEMBERS=search,calendar",
		"WAYPOINT_LOG_LEVEL=debug",
		"HOME=/root",
	}
	cfg, err := config.LoadWithEnv(path, env)
	require.NoError(t, err)

	assert.Equal(t, config.DriverMongo, cfg.Store.Driver)
	assert.Equal(t, 40, cfg.Store.MaxPoolSize)
	assert.Equal(t, 2*time.Second, cfg.Store.ConnectTimeout)
	assert.Equal(t, 10, cfg.Executor.StepLimit)
	assert.Equal(t, []string{"search", "calendar"}, cfg.Executor.TeamMembers)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched defaults survive the merge.
	assert.Equal(t, 15, cfg.Store.MinPoolSize)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  []string
		want string
	}{
		{"unknown driver", []string{"WAYPOINT_STORE_DRIVER=cassandra"}, "store.driver"},
		{"missing uri", []string{"WAYPOINT_STORE_DRIVER=postgres"}, "store.uri"},
		{"pool bounds", []string{"WAYPOINT_STORE_MIN_POOL_SIZE=500"}, "exceeds max_pool_size"},
		{"step limit", []string{"WAYPOINT_EXECUTOR_STEP_LIMIT=0"}, "step_limit"},
		{"short key", []string{"WAYPOINT_STORE_ENCRYPTION_KEY=c2hvcnQ="}, "store.encryption_key"},
		{"orphan fallback", []string{"WAYPOINT_STORE_FALLBACK_KEYS=" + testKey}, "requires store.encryption_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadWithEnv("", tt.env)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_EncryptionKeys(t *testing.T) {
	cfg, err := config.LoadWithEnv("", []string{
		"WAYPOINT_STORE_ENCRYPTION_KEY=" + testKey,
		"WAYPOINT_STORE_FALLBACK_KEYS=" + testKey + "," + testKey,
	})
	require.NoError(t, err)
	assert.Equal(t, testKey, cfg.Store.EncryptionKey)
	assert.Len(t, cfg.Store.FallbackKeys, 2)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.LoadWithEnv(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	assert.Error(t, err)
}
