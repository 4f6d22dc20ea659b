package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`

	RedisURL           string `mapstructure:"REDIS_URL"`
	EventFeedBuffer    int    `mapstructure:"EVENT_FEED_BUFFER"`
	EventChannelPrefix string `mapstructure:"EVENT_CHANNEL_PREFIX"`

	ArchiveBucket    string `mapstructure:"ARCHIVE_BUCKET"`
	ArchiveRegion    string `mapstructure:"ARCHIVE_REGION"`
	ArchiveEndpoint  string `mapstructure:"ARCHIVE_ENDPOINT"`
	ArchiveAccessKey string `mapstructure:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `mapstructure:"ARCHIVE_SECRET_KEY"`
}

var envKeys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"REQUEST_TIMEOUT", "BODY_LIMIT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"REDIS_URL", "EVENT_FEED_BUFFER", "EVENT_CHANNEL_PREFIX",
	"ARCHIVE_BUCKET", "ARCHIVE_REGION", "ARCHIVE_ENDPOINT",
	"ARCHIVE_ACCESS_KEY", "ARCHIVE_SECRET_KEY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("EVENT_FEED_BUFFER", 1024)
	v.SetDefault("EVENT_CHANNEL_PREFIX", "domain-events")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ArchiveEnabled reports whether integrity reports can be uploaded.
func (c *Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// Validate checks that the configuration is safe to run. Outside development
// every request must carry a signed token, so AUTH_SIGNING_KEY is required.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.EventFeedBuffer <= 0 {
		return fmt.Errorf("EVENT_FEED_BUFFER must be positive, got %d", c.EventFeedBuffer)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got %s", c.RequestTimeout)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.ArchiveBucket != "" && c.ArchiveRegion == "" {
		return fmt.Errorf("ARCHIVE_REGION is required when ARCHIVE_BUCKET is set")
	}
	if (c.ArchiveAccessKey == "") != (c.ArchiveSecretKey == "") {
		return fmt.Errorf("ARCHIVE_ACCESS_KEY and ARCHIVE_SECRET_KEY must be set together")
	}
	return nil
}
