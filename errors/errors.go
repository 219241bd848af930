// Package errors provides standardized error handling for Samstraumr tubes.
// It defines the error kinds raised by the core runtime, a structured error
// type that carries the originating identity notation and a timestamp, and
// helper functions for consistent wrapping and classification.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies core runtime errors for handling purposes.
type Kind int

const (
	// KindInvalidIdentity indicates a missing reason or malformed parent
	// during identity creation.
	KindInvalidIdentity Kind = iota
	// KindIllegalTransition indicates a design-state transition outside the
	// allowed graph. State is left unchanged.
	KindIllegalTransition
	// KindResourceLifecycle indicates a double-release or use-after-release
	// of a tube-scoped resource.
	KindResourceLifecycle
	// KindTypeMismatch indicates incompatible port types on a composite edge.
	KindTypeMismatch
	// KindErrorState indicates an operation attempted on a tube in ERROR.
	KindErrorState
	// KindAdaptationBudget indicates the adaptation retry budget was
	// exhausted, forcing the tube into ERROR.
	KindAdaptationBudget
	// KindProcessing indicates a fault raised by a processing function.
	KindProcessing
	// KindInternal indicates an unrecoverable internal fault.
	KindInternal
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindInvalidIdentity:
		return "invalid_identity"
	case KindIllegalTransition:
		return "illegal_transition"
	case KindResourceLifecycle:
		return "resource_lifecycle"
	case KindTypeMismatch:
		return "type_mismatch"
	case KindErrorState:
		return "error_state"
	case KindAdaptationBudget:
		return "adaptation_budget"
	case KindProcessing:
		return "processing"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Standard error variables for core runtime conditions. Callers test for
// these with errors.Is; the structured TubeError wraps the matching sentinel.
var (
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrResourceLifecycle = errors.New("resource lifecycle violation")
	ErrTypeMismatch      = errors.New("incompatible port types")
	ErrErrorState        = errors.New("tube is in error state")
	ErrAdaptationBudget  = errors.New("adaptation budget exhausted")
	ErrProcessing        = errors.New("processing failed")
	ErrInternal          = errors.New("internal fault")

	// Lifecycle errors shared by monitor, pools, and stores.
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrStopTimeout    = errors.New("stop timed out")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrKeyNotFound    = errors.New("key not found")
)

// sentinel maps each Kind to its sentinel error.
func sentinel(k Kind) error {
	switch k {
	case KindInvalidIdentity:
		return ErrInvalidIdentity
	case KindIllegalTransition:
		return ErrIllegalTransition
	case KindResourceLifecycle:
		return ErrResourceLifecycle
	case KindTypeMismatch:
		return ErrTypeMismatch
	case KindErrorState:
		return ErrErrorState
	case KindAdaptationBudget:
		return ErrAdaptationBudget
	case KindProcessing:
		return ErrProcessing
	default:
		return ErrInternal
	}
}

// TubeError is the structured error raised by the core runtime. Every
// instance carries the originating identity notation and a timestamp so that
// failures are traceable to a specific tube, composite, or machine.
type TubeError struct {
	Kind      Kind
	Notation  string
	Op        string
	Err       error
	Timestamp time.Time
}

// Error implements the error interface following the pattern
// "notation: op: sentinel: cause".
func (te *TubeError) Error() string {
	base := sentinel(te.Kind).Error()
	if te.Err != nil {
		base = fmt.Sprintf("%s: %v", base, te.Err)
	}
	if te.Op != "" {
		base = fmt.Sprintf("%s: %s", te.Op, base)
	}
	if te.Notation != "" {
		base = fmt.Sprintf("%s: %s", te.Notation, base)
	}
	return base
}

// Unwrap exposes both the kind sentinel and the wrapped cause so that
// errors.Is matches either.
func (te *TubeError) Unwrap() []error {
	if te.Err == nil {
		return []error{sentinel(te.Kind)}
	}
	return []error{sentinel(te.Kind), te.Err}
}

// New creates a TubeError of the given kind originating at notation.
// The cause may be nil when the kind itself is the whole story.
func New(kind Kind, notation, op string, cause error) *TubeError {
	return &TubeError{
		Kind:      kind,
		Notation:  notation,
		Op:        op,
		Err:       cause,
		Timestamp: time.Now().UTC(),
	}
}

// Newf creates a TubeError with a formatted cause message.
func Newf(kind Kind, notation, op, format string, args ...any) *TubeError {
	return New(kind, notation, op, fmt.Errorf(format, args...))
}

// Wrap attaches notation and operation context to an existing error.
// Returns nil if err is nil. If err is already a TubeError its kind is
// preserved; otherwise the error is classified as KindInternal.
func Wrap(err error, notation, op string) error {
	if err == nil {
		return nil
	}
	var te *TubeError
	if errors.As(err, &te) {
		return New(te.Kind, notation, op, err)
	}
	return New(KindInternal, notation, op, err)
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var te *TubeError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// NotationOf returns the originating identity notation carried by err,
// or an empty string for unclassified errors.
func NotationOf(err error) string {
	var te *TubeError
	if errors.As(err, &te) {
		return te.Notation
	}
	return ""
}

// IsTerminal reports whether err represents a terminal fault: the tube has
// entered (or must enter) ERROR and only an explicit external reset can
// recover it.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindErrorState, KindAdaptationBudget, KindInternal:
		return true
	}
	return false
}

// IsRecoverable reports whether err represents a condition the
// monitor/controller loop is expected to heal without operator action.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == KindProcessing
}
