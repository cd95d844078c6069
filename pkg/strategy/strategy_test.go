package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpulse/quantpulse/pkg/events"
)

func testConfig() Config {
	return Config{
		StrategyName: "pump-follow",
		Symbol:       "BTCUSDT",
		SignalDetection: ConditionGroup{
			Name:       "S1",
			Conditions: []Condition{{Name: "pump", ConditionType: "pump-1m", Operator: OpGT, Value: 8}},
			RequireAll: true,
		},
		SignalCancellation: ConditionGroup{
			Name:       "O1",
			Conditions: []Condition{{Name: "fade", ConditionType: "pump-1m", Operator: OpLT, Value: 2}},
			RequireAll: true,
		},
		EntryConditions: ConditionGroup{
			Name:       "Z1",
			Conditions: []Condition{{Name: "surge", ConditionType: "volsurge-1m", Operator: OpGT, Value: 3}},
			RequireAll: true,
		},
		CloseOrderDetection: ConditionGroup{
			Name:       "ZE1",
			Conditions: []Condition{{Name: "cooloff", ConditionType: "pump-1m", Operator: OpLT, Value: 1}},
			RequireAll: true,
		},
		EmergencyExit: ConditionGroup{
			Name:       "E1",
			Conditions: []Condition{{Name: "crash", ConditionType: "pump-1m", Operator: OpLT, Value: -10}},
			RequireAll: true,
		},
		GlobalLimits: GlobalLimits{BasePositionPct: 10, MaxPositionPct: 25, MinPositionPct: 1},
	}
}

func TestFullLifecycle(t *testing.T) {
	s := NewInstance(testConfig())
	assert.Equal(t, StateIdle, s.State())

	// Updates in Idle record values but never transition.
	assert.Nil(t, s.Update("pump-1m", 50))
	assert.Equal(t, StateIdle, s.State())

	s.Enable()
	assert.Equal(t, StateMonitoring, s.State())

	// Detection: pump above threshold opens with the configured size.
	sig := s.Update("pump-1m", 10)
	require.NotNil(t, sig)
	assert.Equal(t, StateSignalDetected, s.State())
	assert.Equal(t, events.SignalS1, sig.SignalType)
	assert.Equal(t, events.SideBuy, sig.Side)
	assert.Equal(t, 10.0, sig.Quantity)
	assert.Equal(t, "pump-follow", sig.StrategyName)
	assert.Equal(t, "BTCUSDT", sig.Symbol)
	assert.Zero(t, sig.Price, "price is stamped by the caller")

	// Entry confirmation is state-only.
	assert.Nil(t, s.Update("volsurge-1m", 4))
	assert.Equal(t, StatePositionActive, s.State())

	// Close: pump has cooled off, sell the whole position.
	sig = s.Update("pump-1m", 0.5)
	require.NotNil(t, sig)
	assert.Equal(t, StateClosing, s.State())
	assert.Equal(t, events.SignalZE1, sig.SignalType)
	assert.Equal(t, events.SideSell, sig.Side)
	assert.Zero(t, sig.Quantity)

	// Closing holds until the fill comes back.
	assert.Nil(t, s.Update("pump-1m", 0.4))
	assert.Equal(t, StateClosing, s.State())

	s.OnPositionClosed()
	assert.Equal(t, StateMonitoring, s.State())
}

func TestEmergencyExitPreemptsRegularClose(t *testing.T) {
	s := NewInstance(testConfig())
	s.Enable()
	require.NotNil(t, s.Update("pump-1m", 10))
	require.Nil(t, s.Update("volsurge-1m", 4))
	require.Equal(t, StatePositionActive, s.State())

	// A crash satisfies both ZE1 and E1. The emergency signal wins.
	sig := s.Update("pump-1m", -15)
	require.NotNil(t, sig)
	assert.Equal(t, events.SignalE1, sig.SignalType)
	assert.Equal(t, events.SideSell, sig.Side)
	assert.Equal(t, StateClosing, s.State())
}

func TestCancellationReturnsToMonitoring(t *testing.T) {
	s := NewInstance(testConfig())
	s.Enable()
	require.NotNil(t, s.Update("pump-1m", 10))
	require.Equal(t, StateSignalDetected, s.State())

	// Fade below the cancellation threshold before entry confirms.
	assert.Nil(t, s.Update("pump-1m", 1.0))
	assert.Equal(t, StateMonitoring, s.State())
}

func TestCancellationWinsOverEntry(t *testing.T) {
	s := NewInstance(testConfig())
	s.Enable()
	require.NotNil(t, s.Update("pump-1m", 10))

	// Entry would confirm on this update, but the pump faded first.
	require.Nil(t, s.Update("pump-1m", 1.0))
	sig := s.Update("volsurge-1m", 4)
	assert.Nil(t, sig)
	assert.Equal(t, StateMonitoring, s.State(), "cancelled signal must not enter")
}

func TestEmptyCancellationGroupNeverCancels(t *testing.T) {
	cfg := testConfig()
	cfg.SignalCancellation = ConditionGroup{}
	s := NewInstance(cfg)
	s.Enable()
	require.NotNil(t, s.Update("pump-1m", 10))

	// The fade that cancelled the configured strategy has no effect here.
	assert.Nil(t, s.Update("pump-1m", 1.0))
	assert.Equal(t, StateSignalDetected, s.State())

	assert.Nil(t, s.Update("volsurge-1m", 4))
	assert.Equal(t, StatePositionActive, s.State())
}

func TestPendingHoldsState(t *testing.T) {
	cfg := testConfig()
	cfg.SignalDetection.Conditions = append(cfg.SignalDetection.Conditions,
		Condition{Name: "confirm", ConditionType: "twpa-ratio", Operator: OpGT, Value: 1})
	s := NewInstance(cfg)
	s.Enable()

	// One of two required conditions has no value yet: stay put.
	assert.Nil(t, s.Update("pump-1m", 10))
	assert.Equal(t, StateMonitoring, s.State())

	sig := s.Update("twpa-ratio", 1.5)
	require.NotNil(t, sig)
	assert.Equal(t, StateSignalDetected, s.State())
}

func TestDisableFromAnyState(t *testing.T) {
	advance := map[string]func(s *Instance){
		"monitoring": func(s *Instance) {},
		"signal_detected": func(s *Instance) {
			s.Update("pump-1m", 10)
		},
		"position_active": func(s *Instance) {
			s.Update("pump-1m", 10)
			s.Update("volsurge-1m", 4)
		},
		"closing": func(s *Instance) {
			s.Update("pump-1m", 10)
			s.Update("volsurge-1m", 4)
			s.Update("pump-1m", 0.5)
		},
	}
	for name, drive := range advance {
		t.Run(name, func(t *testing.T) {
			s := NewInstance(testConfig())
			s.Enable()
			drive(s)
			s.Disable()
			assert.Equal(t, StateIdle, s.State())

			// Observed values survive the disable.
			if name != "monitoring" {
				assert.NotEmpty(t, s.Values())
			}
		})
	}
}

func TestEnableOnlyMovesIdle(t *testing.T) {
	s := NewInstance(testConfig())
	s.Enable()
	require.NotNil(t, s.Update("pump-1m", 10))
	require.Equal(t, StateSignalDetected, s.State())

	s.Enable()
	assert.Equal(t, StateSignalDetected, s.State())
}

func TestOnPositionClosedIgnoredOutsideClosing(t *testing.T) {
	s := NewInstance(testConfig())
	s.Enable()
	s.OnPositionClosed()
	assert.Equal(t, StateMonitoring, s.State())

	require.NotNil(t, s.Update("pump-1m", 10))
	s.OnPositionClosed()
	assert.Equal(t, StateSignalDetected, s.State())
}

func TestPositionSizeClamped(t *testing.T) {
	cases := []struct {
		name   string
		limits GlobalLimits
		want   float64
	}{
		{"inside", GlobalLimits{BasePositionPct: 10, MinPositionPct: 1, MaxPositionPct: 25}, 10},
		{"below_min", GlobalLimits{BasePositionPct: 0.5, MinPositionPct: 2, MaxPositionPct: 25}, 2},
		{"above_max", GlobalLimits{BasePositionPct: 50, MinPositionPct: 1, MaxPositionPct: 25}, 25},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.GlobalLimits = tc.limits
			s := NewInstance(cfg)
			assert.Equal(t, tc.want, s.PositionSize(nil))
		})
	}
}

func TestSignalQuantityUsesClampedSize(t *testing.T) {
	cfg := testConfig()
	cfg.GlobalLimits = GlobalLimits{BasePositionPct: 50, MinPositionPct: 1, MaxPositionPct: 25}
	s := NewInstance(cfg)
	s.Enable()

	sig := s.Update("pump-1m", 10)
	require.NotNil(t, sig)
	assert.Equal(t, 25.0, sig.Quantity)
}
