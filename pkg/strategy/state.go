// Package strategy implements finite-state trading strategies driven by
// indicator updates. Each strategy walks Idle → Monitoring → SignalDetected
// → PositionActive → Closing and back, with every transition gated by a
// condition group over the latest indicator values.
package strategy

// State is the strategy state machine position.
type State int

const (
	// StateIdle - disabled, ignores all updates
	StateIdle State = iota
	// StateMonitoring - watching for the signal detection group (S1)
	StateMonitoring
	// StateSignalDetected - signal fired, waiting for entry confirmation
	// (Z1) or cancellation (O1)
	StateSignalDetected
	// StatePositionActive - position open, watching close (ZE1) and
	// emergency (E1) groups
	StatePositionActive
	// StateClosing - close signal emitted, waiting for the position closed
	// event
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateMonitoring:
		return "Monitoring"
	case StateSignalDetected:
		return "SignalDetected"
	case StatePositionActive:
		return "PositionActive"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// TriState is three-valued condition logic. Pending marks evidence that is
// not available yet (indicator warm-up) and must not collapse to false: a
// group that is Pending holds its state instead of denying the transition.
type TriState int

const (
	TriPending TriState = iota
	TriTrue
	TriFalse
)

func (t TriState) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	case TriPending:
		return "pending"
	default:
		return "unknown"
	}
}
