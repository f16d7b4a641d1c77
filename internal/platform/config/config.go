// Package config builds service configuration from the environment so main
// stays lean. Every value has a development default; production deployments
// override via environment variables.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Server captures process-level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string

	// PostgresURL selects the durable ledger backend. Empty means the
	// in-memory ledger (development and tests only).
	PostgresURL string

	Redis RedisConfig
	Kafka KafkaConfig

	// FairnessConfigPath points at the protected-attribute groups JSON file.
	FairnessConfigPath string

	// FairnessSnapshotLimit caps how many decisions one fairness run reads.
	FairnessSnapshotLimit int

	ShutdownTimeout time.Duration
}

// RedisConfig controls the optional fairness report cache.
type RedisConfig struct {
	URL          string
	ReportTTL    time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig controls the optional audit feed fan-out.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	Buffer  int
}

// FromEnv builds a Server config from environment variables.
func FromEnv() Server {
	cfg := Server{
		Addr:                  envOr("FAIRWAY_ADDR", ":8080"),
		JWTSigningKey:         envOr("JWT_SIGNING_KEY", "dev-secret-key-change-in-production"),
		PostgresURL:           os.Getenv("FAIRWAY_POSTGRES_URL"),
		FairnessConfigPath:    envOr("FAIRWAY_FAIRNESS_CONFIG", "configs/protected_groups.json"),
		FairnessSnapshotLimit: envIntOr("FAIRWAY_FAIRNESS_SNAPSHOT_LIMIT", 10000),
		ShutdownTimeout:       10 * time.Second,
		Redis: RedisConfig{
			URL:          os.Getenv("FAIRWAY_REDIS_URL"),
			ReportTTL:    envDurationOr("FAIRWAY_REPORT_CACHE_TTL", 5*time.Minute),
			DialTimeout:  2 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
		},
		Kafka: KafkaConfig{
			Topic:  envOr("FAIRWAY_AUDIT_TOPIC", "fairway.audit"),
			Buffer: envIntOr("FAIRWAY_AUDIT_BUFFER", 1024),
		},
	}
	if brokers := os.Getenv("FAIRWAY_KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
