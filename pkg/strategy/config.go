package strategy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GlobalLimits bound the position sizing in percent of account equity.
type GlobalLimits struct {
	BasePositionPct float64 `yaml:"base_position_pct" json:"base_position_pct"`
	MaxPositionPct  float64 `yaml:"max_position_pct" json:"max_position_pct"`
	MinPositionPct  float64 `yaml:"min_position_pct" json:"min_position_pct"`
}

// Config declares one strategy: which symbol it trades and the condition
// groups gating each state transition. An empty SignalCancellation group
// means a detected signal is never cancelled.
type Config struct {
	StrategyName        string         `yaml:"strategy_name" json:"strategy_name"`
	Symbol              string         `yaml:"symbol" json:"symbol"`
	Enabled             bool           `yaml:"enabled" json:"enabled"`
	SignalDetection     ConditionGroup `yaml:"signal_detection" json:"signal_detection"`           // S1
	SignalCancellation  ConditionGroup `yaml:"signal_cancellation" json:"signal_cancellation"`     // O1
	EntryConditions     ConditionGroup `yaml:"entry_conditions" json:"entry_conditions"`           // Z1
	CloseOrderDetection ConditionGroup `yaml:"close_order_detection" json:"close_order_detection"` // ZE1
	EmergencyExit       ConditionGroup `yaml:"emergency_exit" json:"emergency_exit"`               // E1
	GlobalLimits        GlobalLimits   `yaml:"global_limits" json:"global_limits"`
}

// configFile is the on-disk layout: one file carries many strategies.
type configFile struct {
	Strategies []Config `yaml:"strategies"`
}

// Validate checks the config for the mistakes that would otherwise surface
// as a silently dead strategy.
func (c *Config) Validate() error {
	if c.StrategyName == "" {
		return fmt.Errorf("strategy_name is required")
	}
	if c.Symbol == "" {
		return fmt.Errorf("strategy %s: symbol is required", c.StrategyName)
	}
	groups := []struct {
		name  string
		group ConditionGroup
	}{
		{"signal_detection", c.SignalDetection},
		{"signal_cancellation", c.SignalCancellation},
		{"entry_conditions", c.EntryConditions},
		{"close_order_detection", c.CloseOrderDetection},
		{"emergency_exit", c.EmergencyExit},
	}
	for _, g := range groups {
		for _, cond := range g.group.Conditions {
			if cond.ConditionType == "" {
				return fmt.Errorf("strategy %s: %s condition %q: condition_type is required",
					c.StrategyName, g.name, cond.Name)
			}
			if !validOperator(cond.Operator) {
				return fmt.Errorf("strategy %s: %s condition %q: unknown operator %q (want gte,lte,gt,lt,eq,ne)",
					c.StrategyName, g.name, cond.Name, cond.Operator)
			}
		}
	}

	l := c.GlobalLimits
	if l.MinPositionPct < 0 || l.MaxPositionPct > 100 {
		return fmt.Errorf("strategy %s: position pct limits must lie in [0, 100]", c.StrategyName)
	}
	if l.MinPositionPct > l.MaxPositionPct {
		return fmt.Errorf("strategy %s: min_position_pct %.2f exceeds max_position_pct %.2f",
			c.StrategyName, l.MinPositionPct, l.MaxPositionPct)
	}
	if l.BasePositionPct < 0 {
		return fmt.Errorf("strategy %s: base_position_pct must be >= 0", c.StrategyName)
	}
	return nil
}

// ParseConfigs decodes a strategies YAML document and validates every entry.
func ParseConfigs(data []byte) ([]Config, error) {
	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse strategy config: %w", err)
	}
	seen := make(map[string]struct{}, len(f.Strategies))
	for i := range f.Strategies {
		if err := f.Strategies[i].Validate(); err != nil {
			return nil, err
		}
		name := f.Strategies[i].StrategyName
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate strategy name %q", name)
		}
		seen[name] = struct{}{}
	}
	return f.Strategies, nil
}

// LoadConfigs reads and parses a strategies YAML file.
func LoadConfigs(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read strategy config: %w", err)
	}
	return ParseConfigs(data)
}
