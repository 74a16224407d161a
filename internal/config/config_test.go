package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DB_DSN", "")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "")
	t.Setenv("CORS_ORIGINS", "")

	cfg := Load()

	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.Equal(t, "shopchat.db", cfg.DBDSN)
	assert.Equal(t, 30*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 5*time.Minute, cfg.TokenRefreshWindow)
	assert.Equal(t, 30*time.Second, cfg.WSHeartbeatInterval)
	assert.Equal(t, 60*time.Second, cfg.WSHeartbeatTimeout)
	assert.Equal(t, 5*time.Second, cfg.WSCheckInterval)
	assert.NotEmpty(t, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "MySQL")
	t.Setenv("DB_DSN", "")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "10")
	t.Setenv("TOKEN_BLACKLIST", "Redis")
	t.Setenv("CORS_ORIGINS", " http://a.test , ,http://b.test")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("REDIS_DB", "not-a-number")
	t.Setenv("WORKER_CONCURRENCY", "500")

	cfg := Load()

	assert.Equal(t, "mysql", cfg.DBDriver)
	assert.Contains(t, cfg.DBDSN, "tcp(127.0.0.1:3306)")
	assert.Equal(t, 10*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, "redis", cfg.TokenBlacklist)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSOrigins)
	assert.False(t, cfg.RateLimitEnabled)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 50, cfg.WorkerConcurrency)
}
