package composite

import "github.com/heymumford/Samstraumr-sub008/tube"

// DerivedState is the aggregate state of a composite (or machine),
// computed from its member states.
type DerivedState int

const (
	// DerivedFlowing means every member is flowing.
	DerivedFlowing DerivedState = iota
	// DerivedDegraded means at least one member is adapting (or errored
	// with a fallback route) and none is blocked or errored without one.
	DerivedDegraded
	// DerivedBlocked means at least one member is blocked and none is
	// errored without a fallback route.
	DerivedBlocked
	// DerivedError means at least one member is errored with no fallback
	// route configured.
	DerivedError
)

// String returns the lowercase name of the derived state.
func (s DerivedState) String() string {
	switch s {
	case DerivedFlowing:
		return "flowing"
	case DerivedDegraded:
		return "degraded"
	case DerivedBlocked:
		return "blocked"
	case DerivedError:
		return "error"
	default:
		return "unknown"
	}
}

// MemberStatus is one member's contribution to the derived state.
type MemberStatus struct {
	State    tube.DesignState
	Fallback bool
}

// Derive computes the aggregate state from member statuses. It is a pure
// function: the same statuses always yield the same result. An empty
// member set derives as flowing.
//
// Precedence: error (without fallback) over blocked over degraded. A
// member in the error state with a fallback route counts as degraded,
// since traffic still flows around it.
func Derive(members []MemberStatus) DerivedState {
	anyBlocked := false
	anyDegraded := false

	for _, m := range members {
		switch m.State {
		case tube.StateError:
			if !m.Fallback {
				return DerivedError
			}
			anyDegraded = true
		case tube.StateBlocked:
			anyBlocked = true
		case tube.StateAdapting:
			anyDegraded = true
		}
	}

	switch {
	case anyBlocked:
		return DerivedBlocked
	case anyDegraded:
		return DerivedDegraded
	default:
		return DerivedFlowing
	}
}
