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

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "psync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  id: gw_2
store:
  driver: sqlite
  sqlite_path: /tmp/x.db
  lock_timeout: 500ms
  discovery_lookback: 10
nats:
  servers: nats://a:4222,nats://b:4222
fanout:
  workers: 3
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "gw_2", cfg.Node.ID)
	assert.Equal(t, ":8080", cfg.Node.Listen)
	assert.Equal(t, 500*time.Millisecond, cfg.Store.LockTimeout)
	// 裸整数按秒
	assert.Equal(t, 10*time.Second, cfg.Store.DiscoveryLookback)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.Nats.Servers)
	assert.Equal(t, 3, cfg.Fanout.Workers)
	assert.Equal(t, 4096, cfg.Fanout.QueueSize)
	assert.Equal(t, 1000, cfg.Store.TotalCap)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stor:\n  driver: sqlite\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PSYNC_NODE_ID":       "gw_9",
		"PSYNC_STORE_DRIVER":  "postgres",
		"PSYNC_PG_DSN":        "postgres://x",
		"PSYNC_KAFKA_BROKERS": "k1:9092, k2:9092",
		"PSYNC_KAFKA_ENABLED": "true",
	}
	cfg := Global
	ApplyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.Equal(t, "gw_9", cfg.Node.ID)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Kafka.Enabled)
	require.NoError(t, cfg.Validate())

	cfg.Store.PostgresDSN = ""
	assert.Error(t, cfg.Validate())
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "w.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 4)
	require.NoError(t, Watch(ctx, path, 20*time.Millisecond, func(c AppConfig) { got <- c.Log.Level }))
	assert.Equal(t, "info", Current().Log.Level)

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	select {
	case lv := <-got:
		assert.Equal(t, "debug", lv)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload")
	}
	assert.Equal(t, "debug", Current().Log.Level)

	// 先写临时文件再 rename 覆盖
	tmp := filepath.Join(filepath.Dir(path), "w.yaml.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("log:\n  level: warn\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))
	select {
	case lv := <-got:
		assert.Equal(t, "warn", lv)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after rename")
	}

	// 非法内容不回调，保留上一次配置
	require.NoError(t, os.WriteFile(path, []byte("stor:\n  driver: sqlite\n"), 0o600))
	select {
	case lv := <-got:
		t.Fatalf("unexpected reload: %s", lv)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, "warn", Current().Log.Level)
}
