package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_ADDR", "CORS_ORIGIN", "LOG_LEVEL", "FLOW_MAX_STEPS", "FLOW_RUN_TIMEOUT", "FLOW_CACHE_TTL", "DB_MAX_CONNS", "DB_CONN_MAX_LIFETIME"} {
		t.Setenv(k, "")
	}

	cfg := Load()

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "http://localhost:3003", cfg.CORSOrigin)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 10000, cfg.Flow.MaxSteps)
	assert.Equal(t, 30*time.Second, cfg.Flow.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.Flow.CacheTTL)
	assert.Equal(t, 10, cfg.DB.MaxConns)
	assert.Equal(t, time.Hour, cfg.DB.ConnMaxLifetime)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("FLOW_MAX_STEPS", "50")
	t.Setenv("FLOW_RUN_TIMEOUT", "2s")
	t.Setenv("FLOW_CACHE_TTL", "not-a-duration")
	t.Setenv("DB_MAX_CONNS", "4")

	cfg := Load()

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, 50, cfg.Flow.MaxSteps)
	assert.Equal(t, 2*time.Second, cfg.Flow.RunTimeout)
	assert.Equal(t, 30*time.Second, cfg.Flow.CacheTTL)
	assert.Equal(t, 4, cfg.DB.MaxConns)
}
