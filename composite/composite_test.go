package composite

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heymumford/Samstraumr-sub008/errors"
	"github.com/heymumford/Samstraumr-sub008/identity"
	"github.com/heymumford/Samstraumr-sub008/tube"
)

type harness struct {
	reg *identity.Registry
	cid *identity.Identity
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	reg := identity.NewRegistry()
	cid, err := reg.NewComposite("test pipeline")
	require.NoError(t, err)
	return &harness{reg: reg, cid: cid}
}

func (h *harness) newTube(t *testing.T, reason string, fn tube.ProcessFunc, opts ...tube.Option) *tube.Tube {
	t.Helper()
	id, err := h.reg.NewChild(h.cid, identity.KindTube, reason)
	require.NoError(t, err)
	tb, err := tube.New(id, fn, opts...)
	require.NoError(t, err)
	return tb
}

func echo(_ context.Context, input any) (any, error) { return input, nil }

func upper(_ context.Context, input any) (any, error) {
	return strings.ToUpper(input.(string)), nil
}

func suffix(s string) tube.ProcessFunc {
	return func(_ context.Context, input any) (any, error) {
		return input.(string) + s, nil
	}
}

func TestDeriveIsPure(t *testing.T) {
	members := []MemberStatus{
		{State: tube.StateFlowing},
		{State: tube.StateAdapting},
	}
	first := Derive(members)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Derive(members))
	}
	assert.Equal(t, DerivedDegraded, first)
}

func TestDeriveRules(t *testing.T) {
	cases := []struct {
		name    string
		members []MemberStatus
		want    DerivedState
	}{
		{"empty", nil, DerivedFlowing},
		{"all flowing", []MemberStatus{{State: tube.StateFlowing}, {State: tube.StateFlowing}}, DerivedFlowing},
		{"one adapting", []MemberStatus{{State: tube.StateFlowing}, {State: tube.StateAdapting}}, DerivedDegraded},
		{"one blocked", []MemberStatus{{State: tube.StateBlocked}, {State: tube.StateAdapting}}, DerivedBlocked},
		{"error wins over blocked", []MemberStatus{{State: tube.StateBlocked}, {State: tube.StateError}}, DerivedError},
		{"error with fallback degrades", []MemberStatus{{State: tube.StateFlowing}, {State: tube.StateError, Fallback: true}}, DerivedDegraded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Derive(tc.members))
		})
	}
}

func TestBuilderRejectsTypeMismatch(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "emit strings", echo, tube.WithTypes("raw", "email"))
	sink := h.newTube(t, "persist records", echo, tube.WithTypes("record", "record"))

	_, err := NewBuilder(h.cid).AddTube(src, sink).Connect(src, sink).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
}

func TestBuilderAcceptsAnyType(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "emit", echo, tube.WithTypes("raw", "email"))
	sink := h.newTube(t, "persist", echo) // defaults to any/any

	_, err := NewBuilder(h.cid).AddTube(src, sink).Connect(src, sink).Build()
	require.NoError(t, err)
}

func TestBuilderRejectsCycle(t *testing.T) {
	h := newHarness(t)
	a := h.newTube(t, "a", echo)
	b := h.newTube(t, "b", echo)

	_, err := NewBuilder(h.cid).AddTube(a, b).Connect(a, b).Connect(b, a).Build()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestBuilderRejectsTubeIdentity(t *testing.T) {
	h := newHarness(t)
	tid, err := h.reg.NewTube("not a composite")
	require.NoError(t, err)
	tb, err := tube.New(tid, echo)
	require.NoError(t, err)

	_, err = NewBuilder(tid).AddTube(tb).Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidIdentity)
}

func TestProcessLinearChain(t *testing.T) {
	h := newHarness(t)
	validate := h.newTube(t, "validate", echo)
	transform := h.newTube(t, "transform", upper)
	persist := h.newTube(t, "persist", suffix("!"))

	c, err := NewBuilder(h.cid).
		AddTube(validate, transform, persist).
		Connect(validate, transform).
		Connect(transform, persist).
		Build()
	require.NoError(t, err)

	out, err := c.Process(context.Background(), "hello")
	require.NoError(t, err)
	assert.False(t, out.Blocked)
	assert.Equal(t, "HELLO!", out.Output)
}

func TestProcessFanOutFanIn(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo)
	left := h.newTube(t, "left", suffix("-l"))
	right := h.newTube(t, "right", suffix("-r"))
	join := h.newTube(t, "join", func(_ context.Context, input any) (any, error) {
		parts := input.([]any)
		strs := make([]string, len(parts))
		for i, p := range parts {
			strs[i] = p.(string)
		}
		sort.Strings(strs)
		return strings.Join(strs, "+"), nil
	})

	c, err := NewBuilder(h.cid).
		AddTube(src, left, right, join).
		Connect(src, left).
		Connect(src, right).
		Connect(left, join).
		Connect(right, join).
		Build()
	require.NoError(t, err)

	out, err := c.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "x-l+x-r", out.Output)
}

func TestProcessFanOutConcurrent(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo)

	var mu sync.Mutex
	seen := map[string]bool{}
	slow := func(tag string) tube.ProcessFunc {
		return func(_ context.Context, input any) (any, error) {
			mu.Lock()
			seen[tag] = true
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return input, nil
		}
	}
	a := h.newTube(t, "branch a", slow("a"))
	b := h.newTube(t, "branch b", slow("b"))

	c, err := NewBuilder(h.cid, WithWorkers(2)).
		AddTube(src, a, b).
		Connect(src, a).
		Connect(src, b).
		Build()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(time.Second) }()

	out, err := c.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.Len(t, out.Output, 2)
	assert.True(t, seen["a"] && seen["b"])
}

func TestProcessBlockedMemberDefers(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo)
	sink := h.newTube(t, "sink", echo)

	c, err := NewBuilder(h.cid).AddTube(src, sink).Connect(src, sink).Build()
	require.NoError(t, err)
	require.NoError(t, sink.Block("downstream backpressure"))

	out, err := c.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.True(t, out.Blocked)
	assert.Contains(t, out.Reason, "downstream backpressure")
}

func TestProcessErroredMemberFails(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo)
	sink := h.newTube(t, "sink", echo)

	c, err := NewBuilder(h.cid).AddTube(src, sink).Connect(src, sink).Build()
	require.NoError(t, err)
	require.NoError(t, sink.Fail("fault", assert.AnError))

	_, err = c.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrErrorState)
	assert.Equal(t, DerivedError, c.State())
}

func TestProcessFallbackBypassesErroredMember(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo)
	enrich := h.newTube(t, "enrich", suffix("-enriched"))
	sink := h.newTube(t, "sink", upper)

	c, err := NewBuilder(h.cid).
		AddTube(src, enrich, sink).
		Connect(src, enrich).
		Connect(enrich, sink).
		WithFallback(enrich).
		Build()
	require.NoError(t, err)
	require.NoError(t, enrich.Fail("enrichment backend down", assert.AnError))

	assert.Equal(t, DerivedDegraded, c.State())

	out, err := c.Process(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "X", out.Output, "input passes through the errored member")
}

func TestDerivedStateRecompute(t *testing.T) {
	h := newHarness(t)
	a := h.newTube(t, "a", echo)
	b := h.newTube(t, "b", echo)

	c, err := NewBuilder(h.cid).AddTube(a, b).Connect(a, b).Build()
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(time.Second) }()

	sig := c.Subscribe()
	require.NoError(t, b.Transition(tube.StateAdapting, "health degraded"))

	select {
	case <-sig:
	case <-time.After(2 * time.Second):
		t.Fatal("no derived-state change signal")
	}
	assert.Equal(t, DerivedDegraded, c.State())
}

func TestAddAndRemoveMembers(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo)

	c, err := NewBuilder(h.cid).AddTube(src).Build()
	require.NoError(t, err)

	extra := h.newTube(t, "extra", upper)
	require.NoError(t, c.Add(extra, src))
	assert.Len(t, c.Members(), 2)

	out, err := c.Process(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "HI", out.Output)

	require.NoError(t, c.Remove(extra.Identity().Notation(), time.Second))
	assert.Len(t, c.Members(), 1)

	// The removed member is torn down: reuse fails.
	_, err = extra.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrResourceLifecycle)
}

func TestAddRejectsIncompatibleUpstream(t *testing.T) {
	h := newHarness(t)
	src := h.newTube(t, "source", echo, tube.WithTypes("raw", "email"))

	c, err := NewBuilder(h.cid).AddTube(src).Build()
	require.NoError(t, err)

	bad := h.newTube(t, "bad sink", echo, tube.WithTypes("record", "record"))
	err = c.Add(bad, src)
	assert.ErrorIs(t, err, errors.ErrTypeMismatch)
	assert.Len(t, c.Members(), 1, "failed add leaves topology unchanged")
}

func TestTeardownTearsDownMembers(t *testing.T) {
	h := newHarness(t)
	a := h.newTube(t, "a", echo)
	b := h.newTube(t, "b", echo)

	c, err := NewBuilder(h.cid).AddTube(a, b).Connect(a, b).Build()
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background()))
	require.NoError(t, c.Teardown(time.Second))

	_, err = a.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrResourceLifecycle)
	_, err = b.Process(context.Background(), "x")
	assert.ErrorIs(t, err, errors.ErrResourceLifecycle)
}

func TestMemberNotationCarriesCompositePrefix(t *testing.T) {
	h := newHarness(t)
	tb := h.newTube(t, "child", echo)
	assert.Contains(t, tb.Identity().Notation(), h.cid.Notation()+".")
}
