package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			DatabaseURL:     "postgres://localhost/gatekeeper",
			APIKeyPepper:    "pepper",
			CustomerKeySalt: "salt",
			SettingsBackend: SettingsBackendPostgres,
			BoltPath:        "gatekeeper.db",
			Timezone:        "Europe/Berlin",
			RateLimit:       RateLimitConfig{Max: 600, Window: time.Minute},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bolt backend", mutate: func(c *Config) { c.SettingsBackend = SettingsBackendBolt }},
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "database URL is required"},
		{name: "missing pepper", mutate: func(c *Config) { c.APIKeyPepper = "" }, wantErr: "pepper is required"},
		{name: "missing salt", mutate: func(c *Config) { c.CustomerKeySalt = "" }, wantErr: "salt is required"},
		{name: "bolt without path", mutate: func(c *Config) { c.SettingsBackend, c.BoltPath = SettingsBackendBolt, "" }, wantErr: "needs a bolt path"},
		{name: "negative settings max age", mutate: func(c *Config) { c.SettingsMaxAge = -time.Second }, wantErr: "settings max age"},
		{name: "zero rate limit", mutate: func(c *Config) { c.RateLimit.Max = 0 }, wantErr: "rate limit"},
		{name: "unknown backend", mutate: func(c *Config) { c.SettingsBackend = "etcd" }, wantErr: "unknown settings backend"},
		{name: "unknown timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }, wantErr: "load timezone"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("PORT", "9000")

	c := Config{Addr: "0.0.0.0:8080"}
	c.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", c.DatabaseURL)
	assert.Equal(t, "redis:6379", c.Redis.Addr)
	assert.Equal(t, "0.0.0.0:9000", c.Addr)

	explicit := Config{Addr: "127.0.0.1:7000", DatabaseURL: "postgres://explicit/db"}
	explicit.applyPlatformDefaults()
	assert.Equal(t, "postgres://explicit/db", explicit.DatabaseURL)
	assert.Equal(t, "127.0.0.1:7000", explicit.Addr)
}
