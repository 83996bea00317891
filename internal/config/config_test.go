package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HONDANA_UPSTREAM_BASE_URL", "https://books.example.com")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, StoreMemory, cfg.CacheStore)
	assert.Equal(t, StoreMemory, cfg.RegistryStore)
	assert.Equal(t, time.Hour, cfg.UpdateInterval())
	assert.Equal(t, 8, cfg.DispatchConcurrency)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.False(t, cfg.HasVAPID())
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing upstream",
			env:  map[string]string{},
		},
		{
			name: "redis cache without addr",
			env: map[string]string{
				"HONDANA_UPSTREAM_BASE_URL": "https://books.example.com",
				"HONDANA_CACHE_STORE":       StoreRedis,
			},
		},
		{
			name: "postgres registry without dsn",
			env: map[string]string{
				"HONDANA_UPSTREAM_BASE_URL": "https://books.example.com",
				"HONDANA_REGISTRY_STORE":    StorePostgres,
			},
		},
		{
			name: "unknown registry",
			env: map[string]string{
				"HONDANA_UPSTREAM_BASE_URL": "https://books.example.com",
				"HONDANA_REGISTRY_STORE":    "sqlite",
			},
		},
		{
			name: "partial s3",
			env: map[string]string{
				"HONDANA_UPSTREAM_BASE_URL": "https://books.example.com",
				"HONDANA_CACHE_STORE":       StoreRedis,
				"HONDANA_REDIS_ADDR":        "localhost:6379",
				"HONDANA_S3_BUCKET":         "bodies",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HONDANA_UPSTREAM_BASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadKafkaAndVAPID(t *testing.T) {
	t.Setenv("HONDANA_UPSTREAM_BASE_URL", "https://books.example.com")
	t.Setenv("HONDANA_KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("HONDANA_VAPID_PUBLIC_KEY", "pub")
	t.Setenv("HONDANA_VAPID_PRIVATE_KEY", "priv")
	t.Setenv("HONDANA_DISPATCH_CONCURRENCY", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.HasVAPID())
	assert.Equal(t, 1, cfg.DispatchConcurrency)
}
