package cli

import (
	"bytes"
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/waypoint/internal/logging"
	"github.com/aretw0/waypoint/pkg/config"
	"github.com/aretw0/waypoint/pkg/domain"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadWithEnv("", nil)
	require.NoError(t, err)
	return cfg
}

func TestOpenStore_Drivers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := map[string]config.Store{
		"memory": {Driver: config.DriverMemory},
		"sqlite": {Driver: config.DriverSQLite, URI: filepath.Join(t.TempDir(), "wp.db")},
		"redis":  {Driver: config.DriverRedis, URI: "redis://" + mr.Addr(), RedisPrefix: "wp:", MaxPoolSize: 4},
	}
	for name, sc := range cases {
		t.Run(name, func(t *testing.T) {
			b, err := OpenStore(ctx, sc, logging.NewNop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Store.Close(ctx) })
			require.NoError(t, b.Store.Setup(ctx))

			tuple, err := b.Store.GetLatest(ctx, domain.CheckpointKey{ThreadID: "t1", UserID: "u1"})
			require.NoError(t, err)
			assert.Nil(t, tuple)
			assert.Equal(t, name == "redis", b.Locker != nil)
		})
	}
}

func TestOpenStore_Errors(t *testing.T) {
	_, err := OpenStore(context.Background(), config.Store{Driver: "cassandra"}, logging.NewNop())
	assert.ErrorContains(t, err, "unknown store driver")

	_, err = OpenStore(context.Background(), config.Store{Driver: config.DriverRedis, URI: "::bad"}, logging.NewNop())
	assert.Error(t, err)
}

func TestOpenStore_Encrypted(t *testing.T) {
	ctx := context.Background()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32))

	b, err := OpenStore(ctx, config.Store{Driver: config.DriverMemory, EncryptionKey: key}, logging.NewNop())
	require.NoError(t, err)
	k := domain.CheckpointKey{ThreadID: "t1"}
	payload := domain.Payload{Type: "json", Data: []byte(`{"a":1}`)}
	_, err = b.Store.Put(ctx, k, domain.Checkpoint{ID: "0001", Payload: payload}, nil, nil)
	require.NoError(t, err)

	tuple, err := b.Store.GetLatest(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, payload, tuple.Checkpoint.Payload)

	_, err = OpenStore(ctx, config.Store{Driver: config.DriverMemory, EncryptionKey: "c2hvcnQ="}, logging.NewNop())
	assert.ErrorContains(t, err, "store.encryption_key")
}

func TestNewEngine_FromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Executor.TeamMembers = []string{"search"}
	cfg.LLM.BaseURL = "http://127.0.0.1:1/v1"

	b, err := OpenStore(context.Background(), cfg.Store, logging.NewNop())
	require.NoError(t, err)
	eng, err := NewEngine(cfg, b, logging.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []string{"search"}, eng.TeamMembers())
	assert.True(t, strings.Contains(eng.Graph(), "search"))
}

func TestNewEngine_ProcessWorkers(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t)

	cfg.Executor.WorkersFile = filepath.Join(dir, "workers.yaml")
	require.NoError(t, os.WriteFile(cfg.Executor.WorkersFile, []byte("workers:\n  - name: calendar\n    command: echo\n"), 0o644))
	b, err := OpenStore(context.Background(), cfg.Store, logging.NewNop())
	require.NoError(t, err)
	_, err = NewEngine(cfg, b, logging.NewNop())
	require.NoError(t, err)

	cfg.Executor.WorkersFile = filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(cfg.Executor.WorkersFile, []byte("workers: [\n"), 0o644))
	_, err = NewEngine(cfg, b, logging.NewNop())
	assert.ErrorContains(t, err, "failed to parse")
}

func TestPrintSystemMessage(t *testing.T) {
	var buf bytes.Buffer
	PrintSystemMessage(&buf, "thread %s deleted", "t1")
	assert.Equal(t, ">>> thread t1 deleted\n", buf.String())
}

func TestHandleExecutionError(t *testing.T) {
	assert.NoError(t, HandleExecutionError(context.Canceled))
	assert.NoError(t, HandleExecutionError(domain.ErrRunCancelled))
	assert.NoError(t, HandleExecutionError(errInterrupted))
	assert.Error(t, HandleExecutionError(domain.ErrRunFailed))
}

func TestInterruptibleReader(t *testing.T) {
	cancel := make(chan struct{})
	r := NewInterruptibleReader(strings.NewReader("hello"), cancel)
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	close(cancel)
	_, err = r.Read(buf)
	assert.ErrorIs(t, err, errInterrupted)
}
