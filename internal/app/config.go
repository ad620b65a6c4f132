package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Settings storage backends.
const (
	SettingsBackendPostgres = "postgres"
	SettingsBackendBolt     = "bolt"
)

// Config holds the complete application configuration, loadable from
// environment variables (GATEKEEPER_ prefix), flags, or YAML config files.
type Config struct {
	Addr            string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL     string        `usage:"PostgreSQL connection URL (GATEKEEPER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper    string        `usage:"HMAC pepper for API key hashing (GATEKEEPER_API_KEY_PEPPER)" flag:"api-key-pepper"`
	CustomerKeySalt string        `usage:"Salt for anonymized customer email hashes" flag:"customer-key-salt"`
	Timezone        string        `default:"UTC" usage:"Shop timezone for day and month evaluation (IANA name)"`
	SettingsBackend string        `default:"postgres" usage:"Where settings are stored: postgres or bolt" flag:"settings-backend"`
	BoltPath        string        `default:"gatekeeper.db" usage:"BoltDB file for the bolt settings backend" flag:"bolt-path"`
	SettingsMaxAge  time.Duration `default:"5s" usage:"How long settings are cached before re-reading the store; 0 caches until restart" flag:"settings-max-age"`
	DedupTTL        time.Duration `default:"24h" usage:"How long a processed webhook delivery is remembered" flag:"dedup-ttl"`
	Redis           RedisConfig
	Janitor         JanitorConfig
	RateLimit       RateLimitConfig
	Graceful        GracefulConfig
}

// RedisConfig enables the shared transition dedup store. Without an address
// transitions are deduplicated in process memory.
type RedisConfig struct {
	Addr     string `default:"" usage:"Redis address (host:port); empty disables Redis"`
	Password string `default:"" usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database number"`
}

// JanitorConfig controls the usage log retention cleanup.
type JanitorConfig struct {
	Interval time.Duration `default:"24h" usage:"Retention cleanup interval"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"600" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "GATEKEEPER",
		Files:     []string{"config.yaml", "/etc/gatekeeper/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set GATEKEEPER_DATABASE_URL or DATABASE_URL")
	}
	if c.APIKeyPepper == "" {
		return errors.New("API key pepper is required: set GATEKEEPER_API_KEY_PEPPER")
	}
	if c.CustomerKeySalt == "" {
		return errors.New("customer key salt is required: set GATEKEEPER_CUSTOMER_KEY_SALT")
	}
	switch c.SettingsBackend {
	case SettingsBackendPostgres:
	case SettingsBackendBolt:
		if c.BoltPath == "" {
			return errors.New("bolt settings backend needs a bolt path")
		}
	default:
		return errors.Errorf("unknown settings backend %q", c.SettingsBackend)
	}
	if c.SettingsMaxAge < 0 {
		return errors.Errorf("settings max age must not be negative, got %s", c.SettingsMaxAge)
	}
	if c.RateLimit.Max < 1 || c.RateLimit.Window <= 0 {
		return errors.Errorf("rate limit needs a positive max and window, got %d per %s", c.RateLimit.Max, c.RateLimit.Window)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the configured shop timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %q", c.Timezone)
	}
	return loc, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's GATEKEEPER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.Addr == "" {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.Redis.Addr = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
