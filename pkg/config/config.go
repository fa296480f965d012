// Package config loads and validates service configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"space-manager/pkg/credentials"
)

// Config holds the service configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (e.g. :8090).
	ListenAddr string `mapstructure:"LISTEN_ADDR"`

	// HFUser is the multi-account credential string "account:token,...".
	HFUser string `mapstructure:"HF_USER"`
	// HFUsernames is an optional comma-separated account allow-list.
	HFUsernames string `mapstructure:"HF_USERNAMES"`
	// HFAPIToken is the fallback token for accounts without their own.
	HFAPIToken string `mapstructure:"HF_API_TOKEN"`

	// HFUsername and HFPassword are the operator login. The password may be
	// a bcrypt hash.
	HFUsername string `mapstructure:"HF_USERNAME"`
	HFPassword string `mapstructure:"HF_PASSWORD"`
	BcryptCost int    `mapstructure:"BCRYPT_COST"`

	// APIKey protects the external API; empty disables it.
	APIKey     string `mapstructure:"API_KEY"`
	AppVersion string `mapstructure:"APP_VERSION"`

	UpstreamBaseURL string  `mapstructure:"UPSTREAM_BASE_URL"`
	UpstreamTimeout string  `mapstructure:"UPSTREAM_TIMEOUT"`
	UpstreamRPS     float64 `mapstructure:"UPSTREAM_RPS"`

	SessionTTLRaw string `mapstructure:"SESSION_TTL"`
	// StoreBackend is "memory" or "badger".
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	StorePath    string `mapstructure:"STORE_PATH"`

	MetricsInterval string `mapstructure:"METRICS_INTERVAL"`

	// TracingExporter is "none", "stdout" or "otlp".
	TracingExporter string `mapstructure:"TRACING_EXPORTER"`
	OTLPEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	GinMode   string `mapstructure:"GIN_MODE"`

	v *viper.Viper
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Env vars override .env.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file path. A missing file is ignored.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // ignore a missing file
	}

	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8090")
	v.SetDefault("HF_USER", "")
	v.SetDefault("HF_USERNAMES", "")
	v.SetDefault("HF_API_TOKEN", "")
	v.SetDefault("HF_USERNAME", "admin")
	v.SetDefault("HF_PASSWORD", "")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("API_KEY", "")
	v.SetDefault("APP_VERSION", "dev")
	v.SetDefault("UPSTREAM_BASE_URL", "https://huggingface.co/api")
	v.SetDefault("UPSTREAM_TIMEOUT", "60s")
	v.SetDefault("UPSTREAM_RPS", 0)
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("STORE_PATH", "")
	v.SetDefault("METRICS_INTERVAL", "3s")
	v.SetDefault("TRACING_EXPORTER", "none")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("GIN_MODE", "release")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.v = v

	if cfg.ListenAddr == "" {
		return nil, errors.New("config: LISTEN_ADDR must be set")
	}

	switch cfg.StoreBackend {
	case "memory":
	case "badger":
		if cfg.StorePath == "" {
			return nil, errors.New("config: STORE_PATH must be set when STORE_BACKEND=badger")
		}
	default:
		return nil, errors.New("config: STORE_BACKEND must be memory or badger")
	}

	switch cfg.TracingExporter {
	case "none", "stdout", "otlp":
	default:
		return nil, errors.New("config: TRACING_EXPORTER must be none, stdout or otlp")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.UpstreamRPS < 0 {
		return nil, errors.New("config: UPSTREAM_RPS must not be negative")
	}

	return &cfg, nil
}

// SessionTTL parses SESSION_TTL. Returns 24h if unset or invalid.
func (c *Config) SessionTTL() time.Duration {
	return parseDuration(c.SessionTTLRaw, 24*time.Hour)
}

// UpstreamTimeoutDuration parses UPSTREAM_TIMEOUT. Returns 60s if unset or
// invalid.
func (c *Config) UpstreamTimeoutDuration() time.Duration {
	return parseDuration(c.UpstreamTimeout, 60*time.Second)
}

// MetricsIntervalDuration parses METRICS_INTERVAL. Returns 3s if unset or
// invalid.
func (c *Config) MetricsIntervalDuration() time.Duration {
	return parseDuration(c.MetricsInterval, 3*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Credentials returns a credentials.Source that re-reads the credential
// keys on every call, so environment changes take effect per request.
func (c *Config) Credentials() credentials.Source {
	if c.v == nil {
		return credentials.Static{
			Accounts:      c.HFUser,
			AllowList:     c.HFUsernames,
			FallbackToken: c.HFAPIToken,
		}
	}
	return viperSource{v: c.v}
}

// CurrentAPIKey re-reads API_KEY.
func (c *Config) CurrentAPIKey() string {
	if c.v == nil {
		return c.APIKey
	}
	return c.v.GetString("API_KEY")
}

type viperSource struct {
	v *viper.Viper
}

func (s viperSource) Settings() credentials.Settings {
	return credentials.Settings{
		Accounts:      s.v.GetString("HF_USER"),
		AllowList:     s.v.GetString("HF_USERNAMES"),
		FallbackToken: s.v.GetString("HF_API_TOKEN"),
	}
}
