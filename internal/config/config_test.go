package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Transport.Kind)
	assert.Equal(t, "msgpack", cfg.Transport.Codec)
	assert.Equal(t, 10*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, 10*time.Second, cfg.Shim.ReadyTimeout)
	assert.Equal(t, 2*time.Second, cfg.Election.LeaderTimeout)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tabsync.yaml")
	content := `
node:
  worker_url: tabsync://worker/todo
transport:
  kind: redis
  redis:
    addr: redis:6379
sync:
  request_timeout: 3s
store:
  tables: [todo]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("TABSYNC_SERVER_PORT", "8181")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tabsync://worker/todo", cfg.Node.WorkerURL)
	assert.Equal(t, "redis", cfg.Transport.Kind)
	assert.Equal(t, "redis:6379", cfg.Transport.Redis.Addr)
	assert.Equal(t, 3*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, []string{"todo"}, cfg.Store.Tables)
	assert.Equal(t, 8181, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "unknown transport kind"},
		{"unknown codec", func(c *Config) { c.Transport.Codec = "xml" }, "unknown transport codec"},
		{"missing worker url", func(c *Config) { c.Node.WorkerURL = "" }, "worker_url is required"},
		{"leader timeout too short", func(c *Config) { c.Election.LeaderTimeout = c.Election.HeartbeatInterval }, "leader timeout"},
		{"zero request timeout", func(c *Config) { c.Sync.RequestTimeout = 0 }, "request timeout"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
		{"grpc without address", func(c *Config) {
			c.Transport.Kind = "grpc"
			c.Transport.GRPC.Address = ""
		}, "grpc address"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Default().WriteYAML(&buf))

	var out map[string]interface{}
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &out))
	sync, ok := out["sync"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "10s", sync["request_timeout"])
}
