package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds server and client configuration
type Config struct {
	// Server
	Host        string
	Port        int
	Environment string
	LogLevel    string

	// Authentication
	JWTSecret string

	// Database (optional; in-memory store is used when empty)
	DatabaseURL string

	// Redis (optional, multi-server update fanout)
	RedisURL           string
	RedisChannelPrefix string

	// Awareness
	AwarenessTimeout time.Duration
	AwarenessSweep   time.Duration

	// Snapshot compaction: persist a full snapshot every N appended updates
	SnapshotEvery int

	// Client reconnection
	ReconnectBaseDelay   time.Duration
	ReconnectFactor      float64
	ReconnectMaxAttempts int
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Host:                 getEnv("HOST", "0.0.0.0"),
		Port:                 getEnvInt("PORT", 8080),
		Environment:          getEnv("ENVIRONMENT", "development"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		JWTSecret:            getEnv("JWT_SECRET", ""),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		RedisURL:             getEnv("REDIS_URL", ""),
		RedisChannelPrefix:   getEnv("REDIS_CHANNEL_PREFIX", "coscribe"),
		AwarenessTimeout:     getEnvDuration("AWARENESS_TIMEOUT", 30*time.Second),
		AwarenessSweep:       getEnvDuration("AWARENESS_SWEEP", 10*time.Second),
		SnapshotEvery:        getEnvInt("SNAPSHOT_EVERY", 100),
		ReconnectBaseDelay:   getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectFactor:      getEnvFloat("RECONNECT_FACTOR", 1.5),
		ReconnectMaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 10),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
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
