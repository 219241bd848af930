package machine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymumford/Samstraumr-sub008/composite"
	"github.com/heymumford/Samstraumr-sub008/errors"
	"github.com/heymumford/Samstraumr-sub008/identity"
	"github.com/heymumford/Samstraumr-sub008/tube"
)

type harness struct {
	reg *identity.Registry
	mid *identity.Identity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := identity.NewRegistry()
	mid, err := reg.NewMachine("test machine")
	require.NoError(t, err)
	return &harness{reg: reg, mid: mid}
}

// newComposite builds a single-tube composite under the machine whose tube
// runs fn.
func (h *harness) newComposite(t *testing.T, reason string, fn tube.ProcessFunc) *composite.Composite {
	t.Helper()
	cid, err := h.reg.NewChild(h.mid, identity.KindComposite, reason)
	require.NoError(t, err)
	tid, err := h.reg.NewChild(cid, identity.KindTube, reason+" worker")
	require.NoError(t, err)
	tb, err := tube.New(tid, fn)
	require.NoError(t, err)
	c, err := composite.NewBuilder(cid).AddTube(tb).Build()
	require.NoError(t, err)
	return c
}

func echo(_ context.Context, input any) (any, error) { return input, nil }

func failing(_ context.Context, _ any) (any, error) { return nil, assert.AnError }

func TestNewRejectsNonMachineIdentity(t *testing.T) {
	h := newHarness(t)
	cid, err := h.reg.NewComposite("not a machine")
	require.NoError(t, err)

	_, err = New(cid)
	assert.ErrorIs(t, err, errors.ErrInvalidIdentity)
}

func TestProcessRoutesThroughAllMembers(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid)
	require.NoError(t, err)

	a := h.newComposite(t, "pipeline a", echo)
	b := h.newComposite(t, "pipeline b", echo)
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))

	out, err := m.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Equal(t, "x", out[a.Identity().Notation()])
	assert.Equal(t, "x", out[b.Identity().Notation()])
}

func TestBreakerOpensOnExhaustedBudget(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid, WithErrorBudget(2))
	require.NoError(t, err)

	bad := h.newComposite(t, "flaky pipeline", failing)
	good := h.newComposite(t, "healthy pipeline", echo)
	require.NoError(t, m.Add(bad))
	require.NoError(t, m.Add(good))

	badN := bad.Identity().Notation()

	// First failure: budget not yet exhausted, circuit stays closed.
	out, err := m.Process(context.Background(), "x")
	require.NoError(t, err, "healthy member keeps routing")
	assert.Len(t, out, 1)
	assert.False(t, m.BreakerOpen(badN))

	// Second failure exhausts the budget.
	_, err = m.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, m.BreakerOpen(badN))

	// Decoupled member is skipped entirely; routing continues.
	out, err = m.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, out, 1)
	assert.NotContains(t, out, badN)
}

func TestResetBreakerReattaches(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid, WithErrorBudget(1))
	require.NoError(t, err)

	bad := h.newComposite(t, "flaky pipeline", failing)
	require.NoError(t, m.Add(bad))
	badN := bad.Identity().Notation()

	_, err = m.Process(context.Background(), "x")
	require.Error(t, err, "sole member failed and no output was produced")
	require.True(t, m.BreakerOpen(badN))

	// Open circuit on the only member: nothing routable.
	_, err = m.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrCircuitOpen)

	require.NoError(t, m.ResetBreaker(badN))
	assert.False(t, m.BreakerOpen(badN))

	// Re-attached: the member is routed to again (and fails again).
	_, err = m.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrProcessing)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid, WithErrorBudget(2))
	require.NoError(t, err)

	var shouldFail bool
	flaky := h.newComposite(t, "flaky pipeline", func(_ context.Context, input any) (any, error) {
		if shouldFail {
			return nil, assert.AnError
		}
		return input, nil
	})
	require.NoError(t, m.Add(flaky))
	n := flaky.Identity().Notation()

	shouldFail = true
	_, _ = m.Process(context.Background(), "x")
	shouldFail = false
	_, err = m.Process(context.Background(), "x")
	require.NoError(t, err)

	// The earlier failure no longer counts: one more failure stays closed.
	shouldFail = true
	_, _ = m.Process(context.Background(), "x")
	assert.False(t, m.BreakerOpen(n))
}

func TestDerivedState(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid, WithErrorBudget(1))
	require.NoError(t, err)

	a := h.newComposite(t, "pipeline a", echo)
	b := h.newComposite(t, "pipeline b", echo)
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Add(b))
	assert.Equal(t, composite.DerivedFlowing, m.State())

	// A member tube adapting degrades its composite, and the machine.
	tb, ok := a.Member(a.Members()[0])
	require.True(t, ok)
	require.NoError(t, tb.Transition(tube.StateAdapting, "health degraded"))
	assert.Equal(t, composite.DerivedDegraded, m.State())

	// An errored member errors the machine while its circuit is closed.
	require.NoError(t, tb.Fail("fault", assert.AnError))
	assert.Equal(t, composite.DerivedError, m.State())
}

func TestOpenCircuitDecouplesFromDerivedState(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid, WithErrorBudget(1))
	require.NoError(t, err)

	bad := h.newComposite(t, "flaky pipeline", failing)
	good := h.newComposite(t, "healthy pipeline", echo)
	require.NoError(t, m.Add(bad))
	require.NoError(t, m.Add(good))

	// Open the breaker, then error the decoupled member's tube.
	_, _ = m.Process(context.Background(), "x")
	require.True(t, m.BreakerOpen(bad.Identity().Notation()))

	tb, ok := bad.Member(bad.Members()[0])
	require.True(t, ok)
	require.NoError(t, tb.Fail("fault", assert.AnError))

	// Isolated: the machine degrades instead of erroring.
	assert.Equal(t, composite.DerivedDegraded, m.State())
}

func TestDerivedStateRecompute(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid)
	require.NoError(t, err)

	a := h.newComposite(t, "pipeline a", echo)
	require.NoError(t, m.Add(a))
	require.NoError(t, a.Start(context.Background()))
	defer func() { _ = a.Stop(time.Second) }()

	require.NoError(t, m.Start(context.Background()))
	defer func() { _ = m.Stop(time.Second) }()

	sig := m.Subscribe()
	tb, ok := a.Member(a.Members()[0])
	require.True(t, ok)
	require.NoError(t, tb.Transition(tube.StateAdapting, "health degraded"))

	select {
	case <-sig:
	case <-time.After(2 * time.Second):
		t.Fatal("no derived-state change signal")
	}
	assert.Equal(t, composite.DerivedDegraded, m.State())
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid)
	require.NoError(t, err)

	a := h.newComposite(t, "pipeline a", echo)
	require.NoError(t, m.Add(a))

	require.NoError(t, m.Initialize(context.Background()))
	assert.ErrorIs(t, m.Stop(time.Second), errors.ErrNotStarted)
	require.NoError(t, m.Start(context.Background()))
	assert.ErrorIs(t, m.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, m.Teardown(time.Second))

	tb, ok := a.Member(a.Members()[0])
	require.True(t, ok)
	_, err = tb.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrResourceLifecycle)
}

func TestRemoveTearsDownMember(t *testing.T) {
	h := newHarness(t)
	m, err := New(h.mid)
	require.NoError(t, err)

	a := h.newComposite(t, "pipeline a", echo)
	require.NoError(t, m.Add(a))
	require.NoError(t, m.Remove(a.Identity().Notation(), time.Second))
	assert.Empty(t, m.Members())

	tb, ok := a.Member(a.Members()[0])
	require.True(t, ok)
	_, err = tb.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrResourceLifecycle)
}
