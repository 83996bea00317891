package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreDynamo   = "dynamo"
)

type Config struct {
	ListenAddr      string
	LogLevel        string
	UpstreamBaseURL string
	ManifestSource  string

	UpdateIntervalSeconds int
	PurgeIntervalSeconds  int
	LockTTLSeconds        int

	CacheStore    string
	RedisAddr     string
	RedisDB       int
	RedisPassword string
	S3Endpoint    string
	S3Region      string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string

	RegistryStore  string
	CatalogStore   string
	PostgresDSN    string
	DynamoTable    string
	DynamoEndpoint string
	AWSRegion      string

	VAPIDPublicKey      string
	VAPIDPrivateKey     string
	VAPIDSubject        string
	PushTTLSeconds      int
	DispatchConcurrency int

	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaGroupID     string

	CORSOrigins []string
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:            getenv("HONDANA_LISTEN_ADDR", ":8080"),
		LogLevel:              getenv("HONDANA_LOG_LEVEL", "info"),
		UpstreamBaseURL:       getenv("HONDANA_UPSTREAM_BASE_URL", ""),
		ManifestSource:        getenv("HONDANA_MANIFEST_SOURCE", "manifest.json"),
		UpdateIntervalSeconds: getenvInt("HONDANA_UPDATE_INTERVAL_SECONDS", 3600),
		PurgeIntervalSeconds:  getenvInt("HONDANA_PURGE_INTERVAL_SECONDS", 600),
		LockTTLSeconds:        getenvInt("HONDANA_LOCK_TTL_SECONDS", 45),
		CacheStore:            getenv("HONDANA_CACHE_STORE", StoreMemory),
		RedisAddr:             getenv("HONDANA_REDIS_ADDR", ""),
		RedisDB:               getenvInt("HONDANA_REDIS_DB", 0),
		RedisPassword:         os.Getenv("HONDANA_REDIS_PASSWORD"),
		S3Endpoint:            getenv("HONDANA_S3_ENDPOINT", ""),
		S3Region:              getenv("HONDANA_S3_REGION", ""),
		S3Bucket:              getenv("HONDANA_S3_BUCKET", ""),
		S3AccessKey:           os.Getenv("HONDANA_S3_ACCESS_KEY"),
		S3SecretKey:           os.Getenv("HONDANA_S3_SECRET_KEY"),
		RegistryStore:         getenv("HONDANA_REGISTRY_STORE", StoreMemory),
		CatalogStore:          getenv("HONDANA_CATALOG_STORE", StoreMemory),
		PostgresDSN:           os.Getenv("HONDANA_POSTGRES_DSN"),
		DynamoTable:           getenv("HONDANA_DYNAMO_TABLE", "push_subscriptions"),
		DynamoEndpoint:        getenv("HONDANA_DYNAMO_ENDPOINT", ""),
		AWSRegion:             getenv("HONDANA_AWS_REGION", "us-east-1"),
		VAPIDPublicKey:        os.Getenv("HONDANA_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey:       os.Getenv("HONDANA_VAPID_PRIVATE_KEY"),
		VAPIDSubject:          getenv("HONDANA_VAPID_SUBJECT", "mailto:admin@example.com"),
		PushTTLSeconds:        getenvInt("HONDANA_PUSH_TTL_SECONDS", 86400),
		DispatchConcurrency:   getenvInt("HONDANA_DISPATCH_CONCURRENCY", 8),
		KafkaBrokers:          splitCSV(os.Getenv("HONDANA_KAFKA_BROKERS")),
		KafkaEventsTopic:      getenv("HONDANA_KAFKA_EVENTS_TOPIC", "hondana-events"),
		KafkaGroupID:          getenv("HONDANA_KAFKA_GROUP_ID", "hondana-push"),
		CORSOrigins:           splitCSV(getenv("HONDANA_CORS_ORIGINS", "*")),
	}

	if cfg.UpstreamBaseURL == "" {
		return cfg, errors.New("HONDANA_UPSTREAM_BASE_URL is required")
	}
	switch cfg.CacheStore {
	case StoreMemory:
	case StoreRedis:
		if cfg.RedisAddr == "" {
			return cfg, errors.New("HONDANA_REDIS_ADDR is required for the redis cache store")
		}
		if cfg.S3Bucket != "" && (cfg.S3Endpoint == "" || cfg.S3AccessKey == "" || cfg.S3SecretKey == "") {
			return cfg, errors.New("S3 endpoint/access/secret are required when HONDANA_S3_BUCKET is set")
		}
	default:
		return cfg, fmt.Errorf("unknown cache store %q", cfg.CacheStore)
	}
	switch cfg.RegistryStore {
	case StoreMemory, StoreDynamo:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return cfg, errors.New("HONDANA_POSTGRES_DSN is required for the postgres registry")
		}
	default:
		return cfg, fmt.Errorf("unknown registry store %q", cfg.RegistryStore)
	}
	switch cfg.CatalogStore {
	case StoreMemory:
	case StorePostgres:
		if cfg.PostgresDSN == "" {
			return cfg, errors.New("HONDANA_POSTGRES_DSN is required for the postgres catalog")
		}
	default:
		return cfg, fmt.Errorf("unknown catalog store %q", cfg.CatalogStore)
	}
	if cfg.DispatchConcurrency <= 0 {
		cfg.DispatchConcurrency = 1
	}
	return cfg, nil
}

// HasVAPID reports whether the push sender identity is configured.
func (c Config) HasVAPID() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func (c Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateIntervalSeconds) * time.Second
}

func (c Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalSeconds) * time.Second
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
