package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/heymumford/Samstraumr-sub008/errors"
)

// Registry allocates identities and guarantees uniqueness for the lifetime
// of the process. The id token embedded in the notation combines a monotonic
// counter with a random suffix, so collisions within a registry are
// structurally impossible rather than statistically unlikely.
//
// Registries are explicit instances passed by reference; creating several
// registries in one process is supported (each keeps its own counter).
type Registry struct {
	counter atomic.Uint64
	env     map[string]string
}

// NewRegistry creates a registry with the environment snapshot captured once
// at construction. Every identity created by this registry shares the
// snapshot.
func NewRegistry() *Registry {
	return &Registry{env: captureEnvironment()}
}

// Option configures identity creation.
type Option func(*options)

type options struct {
	name string
}

// WithName attaches an optional user-defined name to the identity.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// NewTube allocates a root tube identity with notation "T<id>".
// reason is required and must be non-empty.
func (r *Registry) NewTube(reason string, opts ...Option) (*Identity, error) {
	return r.create(KindTube, reason, nil, opts...)
}

// NewComposite allocates a root composite identity with notation "B<id>".
func (r *Registry) NewComposite(reason string, opts ...Option) (*Identity, error) {
	return r.create(KindComposite, reason, nil, opts...)
}

// NewMachine allocates a machine identity with notation "M<id>".
// Machines are always roots; they cannot have a parent.
func (r *Registry) NewMachine(reason string, opts ...Option) (*Identity, error) {
	return r.create(KindMachine, reason, nil, opts...)
}

// NewChild allocates an identity nested under parent. A tube created inside
// a composite gets "B<id>.T<id>"; a composite inside a machine gets
// "M<id>.B<id>". The containment hierarchy is validated: tubes nest in
// composites, composites nest in machines.
func (r *Registry) NewChild(parent *Identity, kind Kind, reason string, opts ...Option) (*Identity, error) {
	if parent == nil {
		return nil, errors.Newf(errors.KindInvalidIdentity, "", "NewChild",
			"parent is required; use NewTube/NewComposite/NewMachine for roots")
	}
	switch kind {
	case KindTube:
		if parent.kind != KindComposite {
			return nil, errors.Newf(errors.KindInvalidIdentity, parent.notation, "NewChild",
				"tube parent must be a composite, got %s", parent.kind)
		}
	case KindComposite:
		if parent.kind != KindMachine {
			return nil, errors.Newf(errors.KindInvalidIdentity, parent.notation, "NewChild",
				"composite parent must be a machine, got %s", parent.kind)
		}
	default:
		return nil, errors.Newf(errors.KindInvalidIdentity, parent.notation, "NewChild",
			"machines cannot be nested")
	}
	return r.create(kind, reason, parent, opts...)
}

// create allocates the identity. All public constructors funnel here.
func (r *Registry) create(kind Kind, reason string, parent *Identity, opts ...Option) (*Identity, error) {
	if strings.TrimSpace(reason) == "" {
		notation := ""
		if parent != nil {
			notation = parent.notation
		}
		return nil, errors.Newf(errors.KindInvalidIdentity, notation, "create",
			"reason is required and must be non-empty")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	token := r.nextToken()
	notation := kind.prefix() + token
	if parent != nil {
		notation = parent.notation + "." + notation
	}

	id := &Identity{
		uuid:       uuid.New(),
		kind:       kind,
		notation:   notation,
		reason:     reason,
		name:       o.name,
		conception: time.Now().UTC(),
		parent:     parent,
		env:        r.env,
	}
	if parent != nil {
		parent.addChild(id)
	}
	return id, nil
}

// nextToken produces the opaque unique id token: monotonic counter in
// decimal followed by four random hex characters.
func (r *Registry) nextToken() string {
	n := r.counter.Add(1)
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand failure is effectively unreachable; the counter alone
		// still guarantees uniqueness within the process.
		return fmt.Sprintf("%d0000", n)
	}
	return fmt.Sprintf("%d%s", n, hex.EncodeToString(buf[:]))
}

// captureEnvironment records the process context at registry construction.
func captureEnvironment() map[string]string {
	host, _ := os.Hostname()
	return map[string]string{
		"hostname":   host,
		"pid":        fmt.Sprintf("%d", os.Getpid()),
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}
