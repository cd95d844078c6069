package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
strategies:
  - strategy_name: pump-follow
    symbol: BTCUSDT
    enabled: true
    signal_detection:
      name: S1
      require_all: true
      conditions:
        - name: pump
          condition_type: pump-1m
          operator: gt
          value: 8.0
    entry_conditions:
      name: Z1
      require_all: true
      conditions:
        - name: surge
          condition_type: volsurge-1m
          operator: gt
          value: 3.0
    close_order_detection:
      name: ZE1
      require_all: false
      conditions:
        - name: cooloff
          condition_type: pump-1m
          operator: lt
          value: 1.0
    global_limits:
      base_position_pct: 10
      max_position_pct: 25
      min_position_pct: 1
  - strategy_name: ratio-watch
    symbol: ETHUSDT
    signal_detection:
      conditions:
        - name: parity
          condition_type: twpa-ratio
          operator: eq
          value: 1.0
`

func TestParseConfigs(t *testing.T) {
	cfgs, err := ParseConfigs([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, cfgs, 2)

	c := cfgs[0]
	assert.Equal(t, "pump-follow", c.StrategyName)
	assert.Equal(t, "BTCUSDT", c.Symbol)
	assert.True(t, c.Enabled)
	require.Len(t, c.SignalDetection.Conditions, 1)
	assert.Equal(t, "pump-1m", c.SignalDetection.Conditions[0].ConditionType)
	assert.Equal(t, OpGT, c.SignalDetection.Conditions[0].Operator)
	assert.Equal(t, 8.0, c.SignalDetection.Conditions[0].Value)
	assert.True(t, c.SignalDetection.RequireAll)
	assert.False(t, c.CloseOrderDetection.RequireAll)
	assert.Equal(t, 25.0, c.GlobalLimits.MaxPositionPct)
	assert.True(t, c.SignalCancellation.Empty())

	assert.Equal(t, "ratio-watch", cfgs[1].StrategyName)
	assert.False(t, cfgs[1].Enabled)
}

func TestParseConfigsRejectsDuplicateNames(t *testing.T) {
	doc := `
strategies:
  - strategy_name: twin
    symbol: BTCUSDT
  - strategy_name: twin
    symbol: ETHUSDT
`
	_, err := ParseConfigs([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate strategy name")
}

func TestValidateRejectsUnknownOperator(t *testing.T) {
	cfg := testConfig()
	cfg.EntryConditions.Conditions[0].Operator = "between"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operator")
	assert.Contains(t, err.Error(), "entry_conditions")
}

func TestValidateRejectsMissingConditionType(t *testing.T) {
	cfg := testConfig()
	cfg.EmergencyExit.Conditions[0].ConditionType = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition_type is required")
}

func TestValidateRequiredFields(t *testing.T) {
	cfg := testConfig()
	cfg.StrategyName = ""
	assert.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Symbol = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateLimits(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalLimits = GlobalLimits{BasePositionPct: 10, MinPositionPct: 30, MaxPositionPct: 20}
	assert.Error(t, cfg.Validate(), "min above max")

	cfg.GlobalLimits = GlobalLimits{BasePositionPct: 10, MinPositionPct: -1, MaxPositionPct: 20}
	assert.Error(t, cfg.Validate(), "negative min")

	cfg.GlobalLimits = GlobalLimits{BasePositionPct: 10, MinPositionPct: 0, MaxPositionPct: 120}
	assert.Error(t, cfg.Validate(), "max above 100")

	cfg.GlobalLimits = GlobalLimits{BasePositionPct: -5, MinPositionPct: 0, MaxPositionPct: 20}
	assert.Error(t, cfg.Validate(), "negative base")

	cfg.GlobalLimits = GlobalLimits{BasePositionPct: 10, MinPositionPct: 1, MaxPositionPct: 25}
	assert.NoError(t, cfg.Validate())
}

func TestParseConfigsBadYAML(t *testing.T) {
	_, err := ParseConfigs([]byte("strategies: [unclosed"))
	assert.Error(t, err)
}
