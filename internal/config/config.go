// Package config loads process configuration from the environment,
// following the .env-then-os.Getenv convention used throughout this
// codebase family.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the fully resolved process configuration, built once by
// Load and passed by pointer to every component that needs it.
type Config struct {
	Addr string
	Env  string

	DataDir string

	DatabaseURL string
	RedisURL    string

	APIKeyHeader string

	MaxBodyBytes int64

	RateLimitIngestRPS int
	RateLimitOtherRPS  int

	StuckThresholdSeconds int

	RetentionInterval time.Duration
	FanoutPingInterval time.Duration

	GracefulTimeout time.Duration

	DevKey string

	LogLevel string
}

// Load reads `.env` if present (ignored if missing) then builds Config
// from the environment, applying defaults for anything unset.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Addr:    getEnv("ADDR", ":8000"),
		Env:     getEnv("ENV", "development"),
		DataDir: getEnv("HIVEBOARD_DATA", "./data"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		APIKeyHeader: getEnv("API_KEY_HEADER", "Authorization"),

		MaxBodyBytes: int64(getEnvInt("MAX_BODY_BYTES", 1<<20)),

		RateLimitIngestRPS: getEnvInt("RATE_LIMIT_INGEST_RPS", 100),
		RateLimitOtherRPS:  getEnvInt("RATE_LIMIT_OTHER_RPS", 30),

		StuckThresholdSeconds: getEnvInt("STUCK_THRESHOLD_SECONDS", 300),

		RetentionInterval:  getEnvDuration("RETENTION_INTERVAL", 15*time.Minute),
		FanoutPingInterval: getEnvDuration("FANOUT_PING_INTERVAL", 30*time.Second),

		GracefulTimeout: getEnvDuration("GRACEFUL_TIMEOUT", 15*time.Second),

		DevKey: getEnv("HIVEBOARD_DEV_KEY", ""),

		LogLevel: getEnv("LOG_LEVEL", ""),
	}
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
