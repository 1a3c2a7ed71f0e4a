package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port        string
	MetricsPort string
	Env         string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Upstream provider
	Provider      string
	GeminiBaseURL string
	UpstreamRPS   float64

	// Dispatch
	MaxAttempts    int
	AttemptTimeout time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	// Rate limiting
	DefaultRateLimit int

	// Logging
	LogBuffer int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		MetricsPort:      getEnv("METRICS_PORT", "9090"),
		Env:              getEnv("ENV", "development"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", "redis://localhost:6379"),
		Provider:         getEnv("PROVIDER", "gemini"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com"),
		UpstreamRPS:      getEnvFloat("UPSTREAM_RPS", 10),
		MaxAttempts:      getEnvInt("MAX_ATTEMPTS", 3),
		AttemptTimeout:   getEnvDuration("ATTEMPT_TIMEOUT", 60*time.Second),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", 300*time.Second),
		BackoffBase:      getEnvDuration("BACKOFF_BASE", 250*time.Millisecond),
		BackoffMax:       getEnvDuration("BACKOFF_MAX", 4*time.Second),
		DefaultRateLimit: getEnvInt("DEFAULT_RATE_LIMIT", 100),
		LogBuffer:        getEnvInt("LOG_BUFFER", 1024),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}
	if cfg.BackoffBase > cfg.BackoffMax {
		return nil, fmt.Errorf("BACKOFF_BASE must not exceed BACKOFF_MAX")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
