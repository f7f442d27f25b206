// Package config loads the dispatch client and reference server settings
// from YAML.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/motofix-dispatch/pkg/types"
	"gopkg.in/yaml.v3"
)

type MechanicConfig struct {
	ID         types.MechanicID `yaml:"id"`
	Name       string           `yaml:"name"`
	ETAMinutes int              `yaml:"eta_minutes"`
	Latitude   float64          `yaml:"latitude"`
	Longitude  float64          `yaml:"longitude"`
}

// AuthConfig says where the bearer token comes from. token_file wins over
// token_env, which wins over token. File and env are re-read on every use.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
	TokenEnv  string `yaml:"token_env"`
}

type TransportConfig struct {
	ReconnectBase    time.Duration `yaml:"reconnect_base"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
	Multiplier       float64       `yaml:"multiplier"`
	Jitter           float64       `yaml:"jitter"`
	MaxRetries       int           `yaml:"max_retries"` // 0 = unbounded
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type APIConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Workers        int           `yaml:"workers"`
}

type DispatchConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	DefaultOfferTTL  time.Duration `yaml:"default_offer_ttl"`
	DeclineWhenBusy  bool          `yaml:"decline_when_busy"`
	LocationInterval time.Duration `yaml:"location_interval"` // 0 disables location reports
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// ServerConfig configures the reference dispatch server.
type ServerConfig struct {
	Port      int           `yaml:"port"`
	JWTSecret string        `yaml:"jwt_secret"`
	OfferTTL  time.Duration `yaml:"offer_ttl"`
	RedisURL  string        `yaml:"redis_url"` // empty = in-memory claim locks
}

type Config struct {
	ServerURL string          `yaml:"server_url"`
	Mechanic  MechanicConfig  `yaml:"mechanic"`
	Auth      AuthConfig      `yaml:"auth"`
	Transport TransportConfig `yaml:"transport"`
	API       APIConfig       `yaml:"api"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

// Parse decodes YAML config bytes.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerURL == "" {
		c.ServerURL = "http://localhost:8000"
	}
	if c.Mechanic.ETAMinutes <= 0 {
		c.Mechanic.ETAMinutes = 10
	}
	if c.Transport.ReconnectBase <= 0 {
		c.Transport.ReconnectBase = 2 * time.Second
	}
	if c.Transport.ReconnectMax <= 0 {
		c.Transport.ReconnectMax = 30 * time.Second
	}
	if c.Transport.Multiplier <= 0 {
		c.Transport.Multiplier = 2
	}
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = 10 * time.Second
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = 10 * time.Second
	}
	if c.API.Workers <= 0 {
		c.API.Workers = 4
	}
	if c.Dispatch.TickInterval <= 0 {
		c.Dispatch.TickInterval = time.Second
	}
	if c.Dispatch.DefaultOfferTTL <= 0 {
		c.Dispatch.DefaultOfferTTL = 5 * time.Minute
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.OfferTTL <= 0 {
		c.Server.OfferTTL = 45 * time.Second
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("server_url must be an http(s) URL, got %q", c.ServerURL)
	}
	if c.Transport.ReconnectMax < c.Transport.ReconnectBase {
		return errors.New("transport.reconnect_max must be >= transport.reconnect_base")
	}
	if c.Transport.Jitter < 0 || c.Transport.Jitter > 1 {
		return errors.New("transport.jitter must be between 0 and 1")
	}
	if c.Transport.MaxRetries < 0 {
		return errors.New("transport.max_retries must be >= 0")
	}
	if c.Dispatch.LocationInterval < 0 {
		return errors.New("dispatch.location_interval must be >= 0")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ValidateClient checks what running as a mechanic needs beyond Validate.
func (c *Config) ValidateClient() error {
	if c.Mechanic.ID == "" {
		return errors.New("mechanic.id is required")
	}
	if c.Mechanic.Name == "" {
		return errors.New("mechanic.name is required")
	}
	return nil
}

// Identity returns the configured mechanic.
func (c *Config) Identity() types.Mechanic {
	return types.Mechanic{ID: c.Mechanic.ID, Name: c.Mechanic.Name}
}

// ============================================================================
// Credentials
// ============================================================================

// Credentials resolves the bearer token on each call.
type Credentials struct {
	auth AuthConfig
}

// Credentials returns a token source for this auth section.
func (a AuthConfig) Credentials() *Credentials {
	return &Credentials{auth: a}
}

func (c *Credentials) Token(context.Context) (string, error) {
	if c.auth.TokenFile != "" {
		b, err := os.ReadFile(c.auth.TokenFile)
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	if c.auth.TokenEnv != "" {
		if v := os.Getenv(c.auth.TokenEnv); v != "" {
			return strings.TrimSpace(v), nil
		}
	}
	return c.auth.Token, nil
}

// ============================================================================
// Logging
// ============================================================================

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger from the log section.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Install makes the configured logger the process default. Package loggers
// captured before this call route through it as well.
func (l LogConfig) Install(w io.Writer) *slog.Logger {
	logger := l.NewLogger(w)
	slog.SetDefault(logger)
	if level, err := parseLevel(l.Level); err == nil {
		slog.SetLogLoggerLevel(level)
	}
	return logger
}
