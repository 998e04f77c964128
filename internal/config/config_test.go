package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-patterns/internal/recurring"
	"github.com/dvloznov/finance-patterns/internal/transfer"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	assert.Equal(t, StoreSQLite, c.Store.Backend)
	assert.Equal(t, CacheMemory, c.Cache.Backend)
	assert.Equal(t, ":8080", c.HTTP.Address())
	assert.Equal(t, 1000, c.Batch.BatchSize)
	assert.Equal(t, recurring.DefaultConfig(), c.Recurring.RecurringDetector())
	assert.Equal(t, transfer.DefaultConfig(), c.Transfer.TransferDetector())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(ConfigFileEnv, "")
	t.Setenv("PATTERNS_STORE_BACKEND", "memory")
	t.Setenv("PATTERNS_CACHE_BACKEND", "redis")
	t.Setenv("PATTERNS_CACHE_REDIS_ADDR", "cache:6379")
	t.Setenv("PATTERNS_RECURRING_MIN_OCCURRENCES", "4")
	t.Setenv("PATTERNS_TRANSFER_WINDOW", "12h")
	t.Setenv("PATTERNS_BATCH_WORKERS", "8")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, StoreMemory, c.Store.Backend)
	assert.Equal(t, CacheRedis, c.Cache.Backend)
	assert.Equal(t, "cache:6379", c.Cache.RedisAddr)
	assert.Equal(t, 4, c.Recurring.MinOccurrences)
	assert.Equal(t, 12*time.Hour, c.Transfer.Window)
	assert.Equal(t, 8, c.Batch.Coordinator().Workers)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	content := `
log:
  level: debug
  format: json
store:
  backend: bigquery
  project_id: my-project
  dataset: household_finance
recurring:
  confidence_threshold: 0.8
batch:
  interval: 5m
http:
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv(ConfigFileEnv, path)
	t.Setenv("PATTERNS_HTTP_PORT", "9191")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, StoreBigQuery, c.Store.Backend)
	assert.Equal(t, "my-project", c.Store.ProjectID)
	assert.Equal(t, "household_finance", c.Store.Dataset)
	assert.Equal(t, 0.8, c.Recurring.ConfidenceThreshold)
	assert.Equal(t, 3, c.Recurring.MinOccurrences, "unset keys keep their defaults")
	assert.Equal(t, 5*time.Minute, c.Batch.Interval)
	assert.Equal(t, 9191, c.HTTP.Port, "environment wins over the file")
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(ConfigFileEnv, filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown store", func(c *Config) { c.Store.Backend = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.SQLitePath = "" }},
		{"bigquery without project", func(c *Config) { c.Store.Backend = StoreBigQuery }},
		{"redis without addr", func(c *Config) { c.Cache.Backend = CacheRedis; c.Cache.RedisAddr = "" }},
		{"unknown cache", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"threshold above one", func(c *Config) { c.Recurring.ConfidenceThreshold = 1.5 }},
		{"one occurrence", func(c *Config) { c.Recurring.MinOccurrences = 1 }},
		{"zero window", func(c *Config) { c.Transfer.Window = 0 }},
		{"zero workers", func(c *Config) { c.Batch.Workers = 0 }},
		{"port out of range", func(c *Config) { c.HTTP.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
