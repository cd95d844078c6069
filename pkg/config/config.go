// Package config loads the process configuration: one YAML file per
// deployment plus environment overrides for the values that differ
// between environments (store DSN, Redis address, NATS URL, log level).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment override keys. Set values win over the file.
const (
	EnvStoreDSN  = "QUANTPULSE_STORE_DSN"
	EnvRedisAddr = "QUANTPULSE_REDIS_ADDR"
	EnvNATSURL   = "QUANTPULSE_NATS_URL"
	EnvLogLevel  = "QUANTPULSE_LOG_LEVEL"
)

const (
	defaultMetricsAddr  = ":9100"
	defaultSafetyFactor = 2.0
)

// Config is the complete process configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Store    StoreConfig   `yaml:"store"`
	Redis    RedisConfig   `yaml:"redis"`
	Feed     FeedConfig    `yaml:"feed"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Engine   EngineConfig  `yaml:"engine"`
}

// StoreConfig selects and tunes the persistence adapter.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // postgres or memory
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	StmtTimeout  time.Duration `yaml:"stmt_timeout"`
}

// RedisConfig wires the latest-indicator cache. An empty addr runs
// store-only.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSFeedConfig declares the NATS tick bridge. An empty URL disables it.
type NATSFeedConfig struct {
	URL               string `yaml:"url"`
	Subject           string `yaml:"subject"`
	PublishIndicators bool   `yaml:"publish_indicators"`
	IndicatorSubject  string `yaml:"indicator_subject"`
}

// WSFeedConfig declares the WebSocket tick client. An empty URL
// disables it.
type WSFeedConfig struct {
	URL     string   `yaml:"url"`
	Symbols []string `yaml:"symbols"`
}

// CaptureConfig persists raw feed ticks under a session id.
type CaptureConfig struct {
	Enabled bool   `yaml:"enabled"`
	Session string `yaml:"session"`
}

// FeedConfig groups the market data transports.
type FeedConfig struct {
	NATS      NATSFeedConfig `yaml:"nats"`
	WebSocket WSFeedConfig   `yaml:"websocket"`
	Capture   CaptureConfig  `yaml:"capture"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// EngineConfig tunes the streaming engine and the event bus.
type EngineConfig struct {
	Session          string  `yaml:"session"`
	RingSafetyFactor float64 `yaml:"ring_safety_factor"`
	BusQueueSize     int     `yaml:"bus_queue_size"`

	// StrategiesFile points at the strategies YAML loaded on startup.
	StrategiesFile string `yaml:"strategies_file"`
}

// Load reads the file, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document, applies environment overrides, and
// validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvStoreDSN); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv(EnvRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvNATSURL); v != "" {
		c.Feed.NATS.URL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
}

// Validate fills defaults and rejects configurations the process could
// not start with.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required with the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be 'postgres' or 'memory'")
	}

	if c.Engine.RingSafetyFactor < 0 {
		return fmt.Errorf("engine.ring_safety_factor must be >= 0")
	}
	if c.Engine.BusQueueSize < 0 {
		return fmt.Errorf("engine.bus_queue_size must be >= 0")
	}
	if c.Feed.Capture.Enabled && c.Feed.Capture.Session == "" {
		c.Feed.Capture.Session = "live"
	}
	return nil
}

// GetSession returns the engine session id, defaulting to "live".
func (c EngineConfig) GetSession() string {
	if c.Session == "" {
		return "live"
	}
	return c.Session
}

// GetRingSafetyFactor returns the history retention multiplier,
// defaulting to the engine's own default.
func (c EngineConfig) GetRingSafetyFactor() float64 {
	if c.RingSafetyFactor == 0 {
		return defaultSafetyFactor
	}
	return c.RingSafetyFactor
}

// GetAddr returns the metrics listen address, defaulting to :9100.
func (c MetricsConfig) GetAddr() string {
	if c.Addr == "" {
		return defaultMetricsAddr
	}
	return c.Addr
}
