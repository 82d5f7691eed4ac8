package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Sync.BatchSize)
	assert.Equal(t, 100*time.Millisecond, cfg.Sync.Debounce)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, "@every 1m", cfg.Sync.Periodic)
	assert.Equal(t, StoreSQLite, cfg.Store.Driver)
	assert.Equal(t, RemoteNone, cfg.Remote.Driver)
	assert.Equal(t, 3*time.Second, cfg.Connectivity.Timeout)
	assert.Equal(t, "127.0.0.1:8090", cfg.Server.HTTPAddr)
}

func TestLoad_fileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
app:
  data_dir: /var/lib/feesync
store:
  driver: file
sync:
  batch_size: 8
  debounce: 250ms
remote:
  driver: http
  base_url: https://example.supabase.co
`), 0o644))

	t.Setenv("FEESYNC_SYNC_MAX_RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Sync.BatchSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.Debounce)
	assert.Equal(t, 5, cfg.Sync.MaxRetries)
	assert.Equal(t, RemoteHTTP, cfg.Remote.Driver)
	assert.Equal(t, filepath.Join("/var/lib/feesync", "store"), cfg.StorePath())
}

func TestLoad_missingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Sync.BatchSize = 0 }},
		{"zero retries", func(c *Config) { c.Sync.MaxRetries = 0 }},
		{"negative debounce", func(c *Config) { c.Sync.Debounce = -time.Second }},
		{"unknown store", func(c *Config) { c.Store.Driver = "redis" }},
		{"unknown remote", func(c *Config) { c.Remote.Driver = "grpc" }},
		{"postgres without dsn", func(c *Config) { c.Remote.Driver = RemotePostgres }},
		{"http without url", func(c *Config) { c.Remote.Driver = RemoteHTTP }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_memoryRemote(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Remote.Driver = RemoteMemory
	assert.NoError(t, cfg.Validate())
}
