// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// Record persistence. SQLitePath is used unless DatabaseURL points
	// at Postgres; empty both means in-memory only.
	DatabaseURL string
	SQLitePath  string

	// Policy evaluation: a remote evaluator URL, or a local CEL rule
	// bundle path. Remote wins when both are set.
	PolicyURL        string
	PolicyBundlePath string

	// Approval plumbing.
	CallbackBaseURL string
	CallbackSecret  string
	PrimaryTimeout  time.Duration
	EscalateTimeout time.Duration

	// Notification webhook for approval requests and failure escalation.
	WebhookURL string

	// Optional Redis resource locking.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Optional S3 offload for large snapshots.
	SnapshotBucket string
	AWSRegion      string

	// Observability.
	OTLPEndpoint string
	OTELEnabled  bool

	// Pipeline tuning.
	MaxLifetime       time.Duration
	ValidationTimeout time.Duration
	RateLimitRPS      int
	RateLimitBurst    int
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:     getenv("PORT", "8080"),
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "opsentry.db"),

		PolicyURL:        os.Getenv("POLICY_URL"),
		PolicyBundlePath: os.Getenv("POLICY_BUNDLE_PATH"),

		CallbackBaseURL: os.Getenv("CALLBACK_BASE_URL"),
		CallbackSecret:  os.Getenv("CALLBACK_SECRET"),
		PrimaryTimeout:  getduration("APPROVAL_PRIMARY_TIMEOUT", 5*time.Minute),
		EscalateTimeout: getduration("APPROVAL_ESCALATION_TIMEOUT", 10*time.Minute),

		WebhookURL: os.Getenv("WEBHOOK_URL"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),

		SnapshotBucket: os.Getenv("SNAPSHOT_BUCKET"),
		AWSRegion:      getenv("AWS_REGION", "us-east-1"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),
		OTELEnabled:  os.Getenv("OTEL_ENABLED") == "true",

		MaxLifetime:       getduration("ACTION_MAX_LIFETIME", 30*time.Minute),
		ValidationTimeout: getduration("VALIDATION_TIMEOUT", 0),
		RateLimitRPS:      getint("RATE_LIMIT_RPS", 20),
		RateLimitBurst:    getint("RATE_LIMIT_BURST", 40),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
