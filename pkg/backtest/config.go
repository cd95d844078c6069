package backtest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quantpulse/quantpulse/pkg/strategy"
)

// Evaluation modes. Inline applies a fixed breakout rule per candle;
// strategy delegates entries and exits to a strategy state machine fed
// with replayed indicator values.
const (
	EvalInline   = "inline"
	EvalStrategy = "strategy"
)

// Config holds the run parameters that do not live on the session row.
type Config struct {
	Timeframe         string  `yaml:"timeframe"`
	SlippagePct       float64 `yaml:"slippage_pct"`
	StopLossPercent   float64 `yaml:"stop_loss_percent"`
	TakeProfitPercent float64 `yaml:"take_profit_percent"`
	Leverage          float64 `yaml:"leverage"`
	PositionPct       float64 `yaml:"position_pct"`       // percent of equity per inline entry
	BroadcastInterval float64 `yaml:"broadcast_interval"` // seconds between progress events
	EvaluationMode    string  `yaml:"evaluation_mode"`

	// Strategy drives evaluation when EvaluationMode is "strategy".
	Strategy *strategy.Config `yaml:"strategy,omitempty"`
}

// DefaultConfig returns the inline-mode defaults.
func DefaultConfig() Config {
	return Config{
		Timeframe:         "1m",
		Leverage:          1,
		PositionPct:       10,
		BroadcastInterval: 1,
		EvaluationMode:    EvalInline,
	}
}

// Normalize fills unset fields with their defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.Timeframe == "" {
		c.Timeframe = def.Timeframe
	}
	if c.Leverage == 0 {
		c.Leverage = def.Leverage
	}
	if c.PositionPct == 0 {
		c.PositionPct = def.PositionPct
	}
	if c.BroadcastInterval == 0 {
		c.BroadcastInterval = def.BroadcastInterval
	}
	if c.EvaluationMode == "" {
		c.EvaluationMode = def.EvaluationMode
	}
}

// Validate checks the config after Normalize.
func (c Config) Validate() error {
	switch c.EvaluationMode {
	case EvalInline:
	case EvalStrategy:
		if c.Strategy == nil {
			return fmt.Errorf("evaluation_mode %q requires a strategy config", EvalStrategy)
		}
		if err := c.Strategy.Validate(); err != nil {
			return fmt.Errorf("strategy config: %w", err)
		}
	default:
		return fmt.Errorf("unknown evaluation_mode %q (want %s or %s)", c.EvaluationMode, EvalInline, EvalStrategy)
	}
	if c.SlippagePct < 0 {
		return fmt.Errorf("slippage_pct must be >= 0")
	}
	if c.StopLossPercent < 0 || c.TakeProfitPercent < 0 {
		return fmt.Errorf("stop_loss_percent and take_profit_percent must be >= 0")
	}
	if c.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1")
	}
	if c.PositionPct <= 0 || c.PositionPct > 100 {
		return fmt.Errorf("position_pct must lie in (0, 100]")
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("broadcast_interval must be > 0")
	}
	return nil
}

// ParseConfig decodes a YAML document, normalizes, and validates.
func ParseConfig(data []byte) (Config, error) {
	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse backtest config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a backtest YAML file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read backtest config: %w", err)
	}
	return ParseConfig(data)
}
