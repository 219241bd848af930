package tube

import "time"

// DesignState is the operational state governing whether and how a tube
// processes input.
type DesignState int32

const (
	// StateFlowing is normal operation.
	StateFlowing DesignState = iota
	// StateBlocked is temporarily halted, e.g. backpressure or a missing
	// dependency. Health-based adaptation evaluation is suspended.
	StateBlocked
	// StateAdapting is actively adjusting behavior in response to degraded
	// health. Processing continues while adapting.
	StateAdapting
	// StateError is the terminal fault state. Only an explicit external
	// Reset leaves it.
	StateError
)

// String returns the string representation of the design state.
func (s DesignState) String() string {
	switch s {
	case StateFlowing:
		return "flowing"
	case StateBlocked:
		return "blocked"
	case StateAdapting:
		return "adapting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// legalTransition reports whether from -> to is in the allowed transition
// graph. Self-transitions are not legal. StateError is reachable from every
// other state (unrecoverable fault) but is never left here; recovery from
// StateError goes through Tube.Reset exclusively.
func legalTransition(from, to DesignState) bool {
	if from == to {
		return false
	}
	if to == StateError {
		return from != StateError
	}
	switch from {
	case StateFlowing:
		return to == StateBlocked || to == StateAdapting
	case StateBlocked:
		// Blocked and Adapting are mutually exclusive; a blocked tube must
		// return to Flowing before adaptation can engage.
		return to == StateFlowing
	case StateAdapting:
		return to == StateFlowing
	default:
		return false
	}
}

// TransitionRecord is one entry of the append-only audit trail kept per
// tube. The monitor and adaptation controller use it for hysteresis
// accounting.
type TransitionRecord struct {
	From      DesignState `json:"from"`
	To        DesignState `json:"to"`
	Trigger   string      `json:"trigger"`
	Timestamp time.Time   `json:"timestamp"`
}
