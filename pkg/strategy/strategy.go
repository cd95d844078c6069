package strategy

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantpulse/quantpulse/pkg/events"
)

// Instance is one running strategy state machine. It is a pure consumer of
// indicator values: callers feed updates in and receive the signal a
// transition emits, if any. Publishing, price stamping, and position-size
// to-quantity translation are the caller's concern (the Manager for live
// trading, the backtest runner when delegating evaluation).
type Instance struct {
	mu     sync.Mutex
	cfg    Config
	state  State
	values map[string]float64
	log    zerolog.Logger
}

// NewInstance creates a strategy in Idle. Call Enable to start monitoring.
func NewInstance(cfg Config) *Instance {
	return &Instance{
		cfg:    cfg,
		state:  StateIdle,
		values: make(map[string]float64),
		log: log.With().
			Str("component", "strategy").
			Str("strategy", cfg.StrategyName).
			Str("symbol", cfg.Symbol).
			Logger(),
	}
}

// Config returns the strategy's configuration.
func (s *Instance) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// State returns the current state machine position.
func (s *Instance) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Values returns a copy of the latest indicator values seen.
func (s *Instance) Values() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Enable moves an idle strategy into Monitoring. Active strategies are left
// where they are.
func (s *Instance) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		s.setStateLocked(StateMonitoring, "enable")
	}
}

// Disable drops the strategy back to Idle from any state. Recorded values
// survive: they are still the latest observed facts when re-enabled.
func (s *Instance) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		s.setStateLocked(StateIdle, "disable")
	}
}

// Update records one indicator value and advances the state machine. The
// returned signal, when non-nil, is the order intent of the transition:
// S1 opens (BUY, quantity in percent of equity), ZE1 and E1 close (SELL,
// zero quantity meaning the whole position). Z1 and O1 transitions are
// state-only and return nil. The caller stamps Price and Timestamp.
func (s *Instance) Update(conditionType string, value float64) *events.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[conditionType] = value
	return s.evaluateLocked()
}

// OnPositionClosed completes a close: Closing returns to Monitoring. Other
// states ignore the event.
func (s *Instance) OnPositionClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing {
		s.setStateLocked(StateMonitoring, "position closed")
	}
}

// PositionSize is the percent of equity to deploy: the base size clamped
// into [min, max]. The values argument is accepted so richer scaling rules
// can extend the contract without changing callers.
func (s *Instance) PositionSize(values map[string]float64) float64 {
	_ = values
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionSizeLocked()
}

func (s *Instance) positionSizeLocked() float64 {
	l := s.cfg.GlobalLimits
	size := l.BasePositionPct
	if size < l.MinPositionPct {
		size = l.MinPositionPct
	}
	if size > l.MaxPositionPct {
		size = l.MaxPositionPct
	}
	return size
}

// evaluateLocked runs the group relevant to the current state. Only a True
// result moves the machine; False and Pending hold position.
func (s *Instance) evaluateLocked() *events.Signal {
	switch s.state {
	case StateMonitoring:
		if s.cfg.SignalDetection.Evaluate(s.values) == TriTrue {
			s.setStateLocked(StateSignalDetected, "S1")
			return s.signalLocked(events.SignalS1, events.SideBuy, s.positionSizeLocked(), "signal detection conditions met")
		}

	case StateSignalDetected:
		// Cancellation wins over entry. An empty cancellation group
		// evaluates False, so it never cancels.
		if s.cfg.SignalCancellation.Evaluate(s.values) == TriTrue {
			s.setStateLocked(StateMonitoring, "O1")
			return nil
		}
		if s.cfg.EntryConditions.Evaluate(s.values) == TriTrue {
			s.setStateLocked(StatePositionActive, "Z1")
		}

	case StatePositionActive:
		// The emergency group preempts the regular close.
		if s.cfg.EmergencyExit.Evaluate(s.values) == TriTrue {
			s.setStateLocked(StateClosing, "E1")
			return s.signalLocked(events.SignalE1, events.SideSell, 0, "emergency exit conditions met")
		}
		if s.cfg.CloseOrderDetection.Evaluate(s.values) == TriTrue {
			s.setStateLocked(StateClosing, "ZE1")
			return s.signalLocked(events.SignalZE1, events.SideSell, 0, "close conditions met")
		}

	case StateIdle, StateClosing:
		// Idle ignores updates; Closing waits for the position closed event.
	}
	return nil
}

func (s *Instance) signalLocked(signalType, side string, quantity float64, reason string) *events.Signal {
	return &events.Signal{
		StrategyName: s.cfg.StrategyName,
		Symbol:       s.cfg.Symbol,
		SignalType:   signalType,
		Side:         side,
		Quantity:     quantity,
		Reason:       reason,
	}
}

func (s *Instance) setStateLocked(next State, trigger string) {
	prev := s.state
	s.state = next
	s.log.Info().
		Stringer("from", prev).
		Stringer("to", next).
		Str("trigger", trigger).
		Msg("strategy state changed")
}
