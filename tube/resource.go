package tube

import (
	"context"
	"sync"
)

// Resource is something a tube must acquire before its first process call
// and release exactly once on teardown or on entry into StateError.
type Resource interface {
	Acquire(ctx context.Context) error
	Release() error
}

// ResourceFuncs adapts two functions to the Resource interface. Either
// function may be nil.
type ResourceFuncs struct {
	AcquireFn func(ctx context.Context) error
	ReleaseFn func() error
}

// Acquire calls AcquireFn when set.
func (r ResourceFuncs) Acquire(ctx context.Context) error {
	if r.AcquireFn == nil {
		return nil
	}
	return r.AcquireFn(ctx)
}

// Release calls ReleaseFn when set.
func (r ResourceFuncs) Release() error {
	if r.ReleaseFn == nil {
		return nil
	}
	return r.ReleaseFn()
}

// resourceHandle tracks the acquisition cycle of a tube's resource and
// guarantees release runs at most once per cycle regardless of exit path.
type resourceHandle struct {
	mu       sync.Mutex
	resource Resource
	acquired bool
	released bool
}

func newResourceHandle(r Resource) *resourceHandle {
	return &resourceHandle{resource: r}
}

// acquire starts a new acquisition cycle. Re-acquiring after a completed
// release (an explicit Reset) starts a fresh cycle.
func (h *resourceHandle) acquire(ctx context.Context) error {
	h.mu.Lock()
	if h.acquired {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	if h.resource != nil {
		if err := h.resource.Acquire(ctx); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.acquired = true
	h.released = false
	h.mu.Unlock()
	return nil
}

// release ends the current cycle. Calls after the cycle already ended are
// no-ops and report false, so callers can distinguish "released now" from
// "was already released".
func (h *resourceHandle) release() (bool, error) {
	h.mu.Lock()
	if !h.acquired || h.released {
		h.mu.Unlock()
		return false, nil
	}
	h.acquired = false
	h.released = true
	h.mu.Unlock()

	if h.resource != nil {
		return true, h.resource.Release()
	}
	return true, nil
}

func (h *resourceHandle) isAcquired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquired
}
