package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds process configuration read from the environment.
type Config struct {
	DatabaseURL string
	DB          DBConfig
	HTTPAddr    string
	CORSOrigin  string
	LogLevel    slog.Level
	Flow        FlowConfig
}

// DBConfig sizes the Postgres connection pool.
type DBConfig struct {
	MaxConns        int
	ConnMaxLifetime time.Duration
}

// FlowConfig bounds a single flow run.
type FlowConfig struct {
	MaxSteps   int
	RunTimeout time.Duration
	CacheTTL   time.Duration
}

// Load reads configuration from the environment, loading a .env file first when present.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DB: DBConfig{
			MaxConns:        getEnvAsInt("DB_MAX_CONNS", 10),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		},
		HTTPAddr:    getEnvWithDefault("HTTP_ADDR", ":8080"),
		CORSOrigin:  getEnvWithDefault("CORS_ORIGIN", "http://localhost:3003"),
		LogLevel:    parseLevel(getEnvWithDefault("LOG_LEVEL", "debug")),
		Flow: FlowConfig{
			MaxSteps:   getEnvAsInt("FLOW_MAX_STEPS", 10000),
			RunTimeout: getEnvAsDuration("FLOW_RUN_TIMEOUT", 30*time.Second),
			CacheTTL:   getEnvAsDuration("FLOW_CACHE_TTL", 30*time.Second),
		},
	}
}

func getEnvWithDefault(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getEnvAsInt(key string, def int) int {
	v, err := strconv.Atoi(getEnvWithDefault(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func getEnvAsDuration(key string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(getEnvWithDefault(key, ""))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}
