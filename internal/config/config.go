// Package config loads engine settings from defaults, an optional YAML file,
// OFFSYNC_* environment variables, and bound CLI flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, so server.base_url
// is read from OFFSYNC_SERVER_BASE_URL.
const EnvPrefix = "OFFSYNC"

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config is the complete engine configuration.
type Config struct {
	Database  string        `mapstructure:"database" validate:"required"`
	Backend   string        `mapstructure:"backend" validate:"oneof=sqlite bolt"`
	KindsFile string        `mapstructure:"kinds_file"`
	Server    ServerConfig  `mapstructure:"server"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
	Drain     DrainConfig   `mapstructure:"drain"`
	Probe     ProbeConfig   `mapstructure:"probe"`
}

// ServerConfig describes the REST server requests are replayed against.
// Header names are lower-cased by the config loader; HTTP treats them
// case-insensitively.
type ServerConfig struct {
	BaseURL   string            `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout   time.Duration     `mapstructure:"timeout" validate:"gte=0"`
	Headers   map[string]string `mapstructure:"headers"`
	RateLimit float64           `mapstructure:"rate_limit" validate:"gte=0"`
	RateBurst int               `mapstructure:"rate_burst" validate:"gte=0"`
}

// BreakerConfig tunes the transport circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout" validate:"gte=0"`
}

// DrainConfig tunes the drain scheduler.
type DrainConfig struct {
	QuietWindow time.Duration `mapstructure:"quiet_window" validate:"gte=0"`
}

// ProbeConfig selects the connectivity probe. An empty URL falls back to
// the server base URL; Offline forces the engine offline.
type ProbeConfig struct {
	URL      string        `mapstructure:"url" validate:"omitempty,url"`
	Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	Offline  bool          `mapstructure:"offline"`
}

// defaults lists every key with its default. Every key must appear here so
// that environment overrides reach Unmarshal.
var defaults = map[string]any{
	"database":             "offsync.db",
	"backend":              BackendSQLite,
	"kinds_file":           "",
	"server.base_url":      "",
	"server.timeout":       30 * time.Second,
	"server.headers":       map[string]string{},
	"server.rate_limit":    0.0,
	"server.rate_burst":    1,
	"breaker.max_failures": 5,
	"breaker.open_timeout": 30 * time.Second,
	"drain.quiet_window":   200 * time.Millisecond,
	"probe.url":            "",
	"probe.interval":       5 * time.Second,
	"probe.offline":        false,
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if non-empty) into v and decodes the result.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration built from defaults alone.
func Default() Config {
	cfg, err := Load(New(), "")
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate rejects unknown backends, empty database paths, malformed URLs
// and negative durations or limits.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// ProbeURL returns the URL the connectivity probe should poll, or "" when
// no server is configured.
func (c Config) ProbeURL() string {
	if c.Probe.URL != "" {
		return c.Probe.URL
	}
	return c.Server.BaseURL
}
