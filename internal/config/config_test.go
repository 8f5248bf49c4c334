package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := write(t, "sheaf.yaml", `
database:
  driver: postgres
  dsn: postgres://localhost/sheaf
batch:
  concurrency: 8
gate:
  driver: redis
  redis:
    addr: redis:6379
    lease: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 8, cfg.Batch.Concurrency)
	assert.Equal(t, "redis:6379", cfg.Gate.Redis.Addr)
	assert.Equal(t, "sheaf:gate:", cfg.Gate.Redis.Prefix, "untouched keys keep their default")
	assert.Equal(t, 64, cfg.Gate.Capacity)
	assert.Equal(t, ":8080", cfg.Server.Addr)

	lease, err := cfg.Gate.Redis.LeaseTTL()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, lease)
}

func TestLoad_JSON(t *testing.T) {
	path := write(t, "sheaf.json", `{"server":{"addr":":9000"},"log":{"format":"json"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load("elsewhere.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"database driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"empty dsn", func(c *Config) { c.Database.DSN = "" }},
		{"concurrency", func(c *Config) { c.Batch.Concurrency = 0 }},
		{"gate driver", func(c *Config) { c.Gate.Driver = "etcd" }},
		{"gate capacity", func(c *Config) { c.Gate.Capacity = -1 }},
		{"lease", func(c *Config) { c.Gate.Redis.Lease = "soon" }},
		{"log level", func(c *Config) { c.Log.Level = "chatty" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}

	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
