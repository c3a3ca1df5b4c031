package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 10000, cfg.BulkStatelessThreshold)
	assert.Equal(t, 500, cfg.BulkFlushSize)
	assert.Equal(t, 1000, cfg.DeleteBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.CacheTTL)
	assert.Equal(t, time.Hour, cfg.JobRetention)
	assert.Equal(t, 200, cfg.ReconcileBatch)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("BULK_FLUSH_SIZE", "250")
	t.Setenv("CACHE_TTL", "30m")
	t.Setenv("AMQP_EXCHANGE", "custom")

	cfg := Load()

	assert.Equal(t, 250, cfg.BulkFlushSize)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
	assert.Equal(t, "custom", cfg.AMQPExchange)
}

func TestValidateDefaults(t *testing.T) {
	cfg := Load()
	cfg.SQLiteDBPath = filepath.Join(t.TempDir(), "ledger.db")
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty db path", func(c *Config) { c.SQLiteDBPath = "" }, "database path"},
		{"bad amqp scheme", func(c *Config) { c.AMQPURL = "http://localhost" }, "AMQP URL scheme"},
		{"missing exchange", func(c *Config) { c.AMQPExchange = "" }, "exchange name"},
		{"zero threshold", func(c *Config) { c.BulkStatelessThreshold = 0 }, "stateless threshold"},
		{"flush above threshold", func(c *Config) { c.BulkFlushSize = 20000 }, "must not exceed"},
		{"zero delete batch", func(c *Config) { c.DeleteBatchSize = 0 }, "delete batch size"},
		{"tiny cache ttl", func(c *Config) { c.CacheTTL = time.Millisecond }, "cache TTL"},
		{"tiny job retention", func(c *Config) { c.JobRetention = time.Second }, "job retention"},
		{"zero reconcile batch", func(c *Config) { c.ReconcileBatch = 0 }, "reconcile batch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			cfg.SQLiteDBPath = filepath.Join(t.TempDir(), "ledger.db")
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
