// Package identity provides immutable identities and hierarchical notation
// for tubes, composites, and machines. Identities are allocated by an
// explicit Registry instance; there is no global registry.
package identity

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the three addressable node types.
type Kind int

const (
	// KindTube is an atomic processing unit, notation prefix "T".
	KindTube Kind = iota
	// KindComposite is a typed pipeline of tubes, notation prefix "B".
	KindComposite
	// KindMachine is a coordinated group of composites, notation prefix "M".
	KindMachine
)

// String returns the string representation of Kind.
func (k Kind) String() string {
	switch k {
	case KindTube:
		return "tube"
	case KindComposite:
		return "composite"
	case KindMachine:
		return "machine"
	default:
		return "unknown"
	}
}

// prefix returns the notation prefix for the kind.
func (k Kind) prefix() string {
	switch k {
	case KindTube:
		return "T"
	case KindComposite:
		return "B"
	default:
		return "M"
	}
}

// Identity is the immutable identity of a node. UUID and Notation never
// change after creation. The environment snapshot is captured once at
// creation and returned as a defensive copy.
type Identity struct {
	uuid       uuid.UUID
	kind       Kind
	notation   string
	reason     string
	name       string
	conception time.Time
	parent     *Identity
	env        map[string]string

	mu       sync.Mutex
	children []*Identity
}

// UUID returns the universally unique identifier assigned at creation.
func (id *Identity) UUID() uuid.UUID { return id.uuid }

// Kind returns the node kind this identity belongs to.
func (id *Identity) Kind() Kind { return id.kind }

// Notation returns the hierarchical address string, e.g. "M1a.B2b.T3c".
func (id *Identity) Notation() string { return id.notation }

// Reason returns the creation reason supplied by the caller.
func (id *Identity) Reason() string { return id.reason }

// Name returns the optional user-defined name, or an empty string.
func (id *Identity) Name() string { return id.name }

// ConceptionTime returns the timestamp at which the identity was created.
func (id *Identity) ConceptionTime() time.Time { return id.conception }

// Parent returns the parent identity, or nil for a root ("Adam") node.
func (id *Identity) Parent() *Identity { return id.parent }

// Environment returns a copy of the environment snapshot captured at
// creation time.
func (id *Identity) Environment() map[string]string {
	out := make(map[string]string, len(id.env))
	for k, v := range id.env {
		out[k] = v
	}
	return out
}

// Descendants returns a copy of the identities created with this identity
// as parent, in creation order.
func (id *Identity) Descendants() []*Identity {
	id.mu.Lock()
	defer id.mu.Unlock()
	out := make([]*Identity, len(id.children))
	copy(out, id.children)
	return out
}

// addChild records a child in the lineage. Called by the Registry only.
func (id *Identity) addChild(child *Identity) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.children = append(id.children, child)
}

// String returns the notation.
func (id *Identity) String() string { return id.notation }
