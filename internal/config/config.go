// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration. Empty connection settings disable the
// corresponding sink.
type Config struct {
	Port string

	// Messaging
	NATSURL       string
	NATSStream    string
	NATSSubject   string
	KafkaBrokers  []string
	KafkaTopic    string
	OutboxDir     string
	RelayInterval time.Duration
	RelayBatch    int

	// Read models
	RedisAddr       string
	PostgresDSN     string
	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	EtcdEndpoints   []string
	EtcdPrefix      string
	EtcdDialTimeout time.Duration

	// API
	JWTSecret          string
	DefaultExpiryHours int

	// Engine
	SweepInterval time.Duration
	SnapshotDepth int
	TradeHistory  int
	PruneAfter    time.Duration
}

// Load populates Config using environment variables.
func Load() Config {
	return Config{
		Port:               getenv("PORT", "8003"),
		NATSURL:            os.Getenv("NATS_URL"),
		NATSStream:         getenv("NATS_STREAM", "ENERGY"),
		NATSSubject:        getenv("NATS_SUBJECT_PREFIX", "energy"),
		KafkaBrokers:       parseListEnv("KAFKA_BROKERS"),
		KafkaTopic:         getenv("KAFKA_TOPIC", "energy-events"),
		OutboxDir:          getenv("OUTBOX_DIR", "data/outbox"),
		RelayInterval:      parseDurationEnv("RELAY_INTERVAL", time.Second),
		RelayBatch:         parseIntEnv("RELAY_BATCH", 256),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		PostgresDSN:        os.Getenv("DATABASE_URL"),
		InfluxURL:          os.Getenv("INFLUXDB_URL"),
		InfluxToken:        os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:          getenv("INFLUXDB_ORG", "powershare"),
		InfluxBucket:       getenv("INFLUXDB_BUCKET", "energy"),
		EtcdEndpoints:      parseListEnv("ETCD_ENDPOINTS"),
		EtcdPrefix:         getenv("ETCD_PREFIX", "/energymatch"),
		EtcdDialTimeout:    parseDurationEnv("ETCD_DIAL_TIMEOUT", 5*time.Second),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		DefaultExpiryHours: parseIntEnv("DEFAULT_EXPIRY_HOURS", 72),
		SweepInterval:      parseDurationEnv("EXPIRY_SWEEP_INTERVAL", time.Second),
		SnapshotDepth:      parseIntEnv("SNAPSHOT_DEPTH", 20),
		TradeHistory:       parseIntEnv("TRADE_HISTORY", 10000),
		PruneAfter:         parseDurationEnv("PRUNE_AFTER", 24*time.Hour),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

// parseListEnv splits a comma separated value, dropping blanks.
func parseListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
