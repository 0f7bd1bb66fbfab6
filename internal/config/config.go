// Package config validates and loads process environment configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds validated environment configuration for the signaling
// server's ambient stack and its tunable rate/heartbeat/frame-size/
// token knobs.
type Config struct {
	// Required
	JWTSecret string
	Port      string

	// Optional, with defaults
	GoEnv           string
	LogLevel        string
	DevelopmentMode bool
	AllowedOrigins  []string

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Heartbeat (§4.4)
	HeartbeatInterval  time.Duration
	HeartbeatMaxMissed int

	// Rate limiting (§4.2)
	ConnectRateLimit       string // ulule/limiter formatted rate, e.g. "20-M"
	ConnectMaxConcurrent   int
	MessageBucketCapacity  int
	MessageBucketRefillFor time.Duration

	// Frame size (§4.5)
	MaxFrameBytes int64

	// Token issuance (§6)
	TokenTTL time.Duration
}

// ValidateEnv validates all required environment variables and returns a
// Config. Returns an aggregated error naming every missing/invalid
// variable, following the fail-fast pattern of a one-shot startup check.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		errs = append(errs, "JWT_SECRET is required")
	} else if len(cfg.JWTSecret) < 32 {
		errs = append(errs, fmt.Sprintf("JWT_SECRET must be at least 32 characters (got %d)", len(cfg.JWTSecret)))
	}

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8080"
	} else if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true" || cfg.GoEnv == "development"

	originsStr := os.Getenv("ALLOWED_ORIGINS")
	if originsStr == "" {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	} else {
		cfg.AllowedOrigins = strings.Split(originsStr, ",")
	}

	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = getEnvOrDefault("REDIS_ADDR", "localhost:6379")
		if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.HeartbeatInterval = durationOrDefault("HEARTBEAT_INTERVAL_MS", 30_000*time.Millisecond)
	cfg.HeartbeatMaxMissed = intOrDefault("HEARTBEAT_MAX_MISSED", 3)

	cfg.ConnectRateLimit = getEnvOrDefault("RATE_LIMIT_CONNECT", "20-M")
	cfg.ConnectMaxConcurrent = intOrDefault("RATE_LIMIT_CONNECT_CONCURRENCY", 10)
	cfg.MessageBucketCapacity = intOrDefault("RATE_LIMIT_MESSAGE_CAPACITY", 100)
	cfg.MessageBucketRefillFor = durationOrDefault("RATE_LIMIT_MESSAGE_WINDOW_MS", 10_000*time.Millisecond)

	cfg.MaxFrameBytes = int64(intOrDefault("MAX_FRAME_BYTES", 65536))
	cfg.TokenTTL = durationOrDefault("TOKEN_TTL_MS", 5*time.Minute)

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 || parts[0] == "" {
		return false
	}
	port, err := strconv.Atoi(parts[1])
	return err == nil && port >= 1 && port <= 65535
}

func logValidatedConfig(cfg *Config) {
	slog.Info("environment configuration validated",
		"jwt_secret", redactSecret(cfg.JWTSecret),
		"port", cfg.Port,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
		"redis_enabled", cfg.RedisEnabled,
		"allowed_origins", cfg.AllowedOrigins,
	)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

func intOrDefault(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func durationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.Atoi(value); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return defaultValue
}

func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
