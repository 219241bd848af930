// Package composite wires tubes into typed pipelines. Edges declare
// input/output port types and are validated at construction; routing feeds
// each tube's output into its successors along the declared edges, with
// fan-out branches optionally running on a worker pool. The composite's
// aggregate state is derived from member states and recomputed on member
// transition events.
package composite

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heymumford/Samstraumr-sub008/errors"
	"github.com/heymumford/Samstraumr-sub008/identity"
	"github.com/heymumford/Samstraumr-sub008/metric"
	"github.com/heymumford/Samstraumr-sub008/pkg/worker"
	"github.com/heymumford/Samstraumr-sub008/telemetry"
	"github.com/heymumford/Samstraumr-sub008/tube"
)

// member is one tube in the topology together with its edges.
type member struct {
	tb       *tube.Tube
	fallback bool
	preds    []string
	succs    []string
}

// branchWork is one member execution dispatched to the worker pool.
type branchWork struct {
	ctx   context.Context
	tb    *tube.Tube
	input any
	res   chan<- branchResult
}

type branchResult struct {
	notation string
	outcome  tube.Outcome
	err      error
}

// Composite is a typed pipeline of tubes with a derived aggregate state.
type Composite struct {
	id      *identity.Identity
	logger  *slog.Logger
	sink    telemetry.Sink
	metrics *metric.CoreMetrics

	pool        *worker.Pool[branchWork]
	poolWorkers int

	mu      sync.RWMutex
	members map[string]*member
	order   []string

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	notifyCh chan struct{}
	derived  DerivedState
	watchers []chan struct{}
}

// Option configures a Composite at construction.
type Option func(*Composite)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Composite) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSink attaches a telemetry sink receiving derived-state transitions.
func WithSink(sink telemetry.Sink) Option {
	return func(c *Composite) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithMetrics attaches the core metric set.
func WithMetrics(m *metric.CoreMetrics) Option {
	return func(c *Composite) { c.metrics = m }
}

// WithWorkers sets the worker-pool size used for concurrent fan-out
// branches. Zero (the default) keeps routing fully synchronous.
func WithWorkers(n int) Option {
	return func(c *Composite) { c.poolWorkers = n }
}

// Builder assembles a Composite, accumulating validation errors so that a
// whole topology can be declared fluently before Build reports problems.
type Builder struct {
	c    *Composite
	errs []error
}

// NewBuilder starts building a composite with the given identity. The
// identity must be a composite identity allocated by a Registry.
func NewBuilder(id *identity.Identity, opts ...Option) *Builder {
	c := &Composite{
		id:      id,
		logger:  slog.Default(),
		sink:    telemetry.Discard,
		members: make(map[string]*member),
	}
	for _, opt := range opts {
		opt(c)
	}

	b := &Builder{c: c}
	if id == nil {
		b.errs = append(b.errs, errors.Newf(errors.KindInvalidIdentity, "", "NewBuilder", "identity is required"))
		return b
	}
	if id.Kind() != identity.KindComposite {
		b.errs = append(b.errs, errors.Newf(errors.KindInvalidIdentity, id.Notation(), "NewBuilder",
			"identity kind must be composite, got %s", id.Kind()))
	}
	c.logger = c.logger.With("notation", id.Notation())
	return b
}

// AddTube adds member tubes to the topology.
func (b *Builder) AddTube(tubes ...*tube.Tube) *Builder {
	for _, tb := range tubes {
		if tb == nil {
			b.errs = append(b.errs, errors.Newf(errors.KindInternal, b.notation(), "AddTube", "nil tube"))
			continue
		}
		n := tb.Identity().Notation()
		if _, exists := b.c.members[n]; exists {
			b.errs = append(b.errs, errors.Newf(errors.KindInternal, b.notation(), "AddTube",
				"duplicate member %s", n))
			continue
		}
		b.c.members[n] = &member{tb: tb}
		b.c.order = append(b.c.order, n)
	}
	return b
}

// Connect declares a typed edge from one member to another. The source's
// output port type must be compatible with the sink's input port type.
func (b *Builder) Connect(from, to *tube.Tube) *Builder {
	if from == nil || to == nil {
		b.errs = append(b.errs, errors.Newf(errors.KindInternal, b.notation(), "Connect", "nil tube"))
		return b
	}
	if err := b.c.connect(from, to, "Connect"); err != nil {
		b.errs = append(b.errs, err)
	}
	return b
}

// WithFallback marks a member as bypassable: when it is in the error
// state, routing passes its input straight through to its successors and
// the derived state degrades instead of erroring. Passthrough requires
// the member's own input and output port types to be compatible.
func (b *Builder) WithFallback(tb *tube.Tube) *Builder {
	if tb == nil {
		b.errs = append(b.errs, errors.Newf(errors.KindInternal, b.notation(), "WithFallback", "nil tube"))
		return b
	}
	n := tb.Identity().Notation()
	m, ok := b.c.members[n]
	if !ok {
		b.errs = append(b.errs, errors.Newf(errors.KindInternal, b.notation(), "WithFallback",
			"unknown member %s", n))
		return b
	}
	if !typeCompatible(tb.InputType(), tb.OutputType()) {
		b.errs = append(b.errs, errors.Newf(errors.KindTypeMismatch, b.notation(), "WithFallback",
			"%s: passthrough needs compatible ports, got %s -> %s", n, tb.InputType(), tb.OutputType()))
		return b
	}
	m.fallback = true
	return b
}

// Build validates the topology and returns the composite.
func (b *Builder) Build() (*Composite, error) {
	if len(b.c.members) == 0 {
		b.errs = append(b.errs, errors.Newf(errors.KindInternal, b.notation(), "Build", "no members"))
	}
	if len(b.errs) == 0 {
		if _, err := b.c.topoOrder(); err != nil {
			b.errs = append(b.errs, err)
		}
	}
	if len(b.errs) > 0 {
		return nil, stderrors.Join(b.errs...)
	}

	b.c.derived = b.c.State()
	return b.c, nil
}

func (b *Builder) notation() string {
	if b.c.id == nil {
		return ""
	}
	return b.c.id.Notation()
}

// typeCompatible reports whether an output port can feed an input port.
func typeCompatible(out, in string) bool {
	return out == in || out == tube.TypeAny || in == tube.TypeAny
}

// connect validates and records an edge. Caller holds no lock during
// construction; post-construction callers hold c.mu.
func (c *Composite) connect(from, to *tube.Tube, op string) error {
	fn, tn := from.Identity().Notation(), to.Identity().Notation()
	fm, ok := c.members[fn]
	if !ok {
		return errors.Newf(errors.KindInternal, c.id.Notation(), op, "unknown member %s", fn)
	}
	tm, ok := c.members[tn]
	if !ok {
		return errors.Newf(errors.KindInternal, c.id.Notation(), op, "unknown member %s", tn)
	}
	if !typeCompatible(from.OutputType(), to.InputType()) {
		return errors.Newf(errors.KindTypeMismatch, c.id.Notation(), op,
			"%s (%s) -> %s (%s)", fn, from.OutputType(), tn, to.InputType())
	}
	fm.succs = append(fm.succs, tn)
	tm.preds = append(tm.preds, fn)
	return nil
}

// topoOrder returns members in topological order, failing on cycles.
func (c *Composite) topoOrder() ([]string, error) {
	indegree := make(map[string]int, len(c.members))
	for _, n := range c.order {
		indegree[n] = len(c.members[n].preds)
	}

	var ready []string
	for _, n := range c.order {
		if indegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	sorted := make([]string, 0, len(c.members))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		sorted = append(sorted, n)
		for _, s := range c.members[n].succs {
			indegree[s]--
			if indegree[s] == 0 {
				ready = append(ready, s)
			}
		}
	}
	if len(sorted) != len(c.members) {
		return nil, errors.Newf(errors.KindInternal, c.id.Notation(), "Build", "topology contains a cycle")
	}
	return sorted, nil
}

// Identity returns the composite's immutable identity.
func (c *Composite) Identity() *identity.Identity { return c.id }

// Members returns member notations in insertion order.
func (c *Composite) Members() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Member returns the member tube with the given notation.
func (c *Composite) Member(notation string) (*tube.Tube, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.members[notation]
	if !ok {
		return nil, false
	}
	return m.tb, true
}

// State derives the aggregate state from current member states. Pure:
// repeated evaluation with no member change yields the same result.
func (c *Composite) State() DerivedState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	statuses := make([]MemberStatus, 0, len(c.order))
	for _, n := range c.order {
		m := c.members[n]
		statuses = append(statuses, MemberStatus{State: m.tb.State(), Fallback: m.fallback})
	}
	return Derive(statuses)
}

// Subscribe returns a coalescing signal channel receiving after every
// derived-state change observed by the recompute loop.
func (c *Composite) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.watchers = append(c.watchers, ch)
	c.mu.Unlock()
	return ch
}

// Initialize acquires resources for every member tube.
func (c *Composite) Initialize(ctx context.Context) error {
	c.mu.RLock()
	members := c.snapshotTubes()
	c.mu.RUnlock()

	var errs []error
	for _, tb := range members {
		if err := tb.Initialize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Start launches the derived-state recompute loop and, when a worker-pool
// size is configured, the fan-out pool.
func (c *Composite) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.started {
		return errors.ErrAlreadyStarted
	}

	if c.poolWorkers > 0 {
		c.pool = worker.NewPool(c.poolWorkers, 0, func(_ context.Context, w branchWork) error {
			out, err := w.tb.Process(w.ctx, w.input)
			w.res <- branchResult{notation: w.tb.Identity().Notation(), outcome: out, err: err}
			return err
		})
		if err := c.pool.Start(ctx); err != nil {
			return err
		}
	}

	c.stopCh = make(chan struct{})

	c.mu.Lock()
	c.notifyCh = make(chan struct{}, 1)
	members := c.snapshotTubes()
	c.mu.Unlock()
	for _, tb := range members {
		c.forwardSignals(tb.Subscribe())
	}

	c.wg.Add(1)
	go c.recomputeLoop()

	c.started = true
	c.logger.Debug("composite started", "members", len(members))
	return nil
}

// Stop halts the recompute loop and the worker pool.
func (c *Composite) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if !c.started {
		return errors.ErrNotStarted
	}

	close(c.stopCh)
	c.wg.Wait()

	if c.pool != nil {
		if err := c.pool.Stop(timeout); err != nil {
			return err
		}
	}
	c.started = false
	return nil
}

// Teardown stops the composite and tears down every member tube.
func (c *Composite) Teardown(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	started := c.started
	c.lifecycleMu.Unlock()

	var errs []error
	if started {
		if err := c.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}

	c.mu.RLock()
	members := c.snapshotTubes()
	c.mu.RUnlock()
	for _, tb := range members {
		if err := tb.Teardown(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Add inserts a member after construction, optionally connecting it to
// existing upstream members.
func (c *Composite) Add(tb *tube.Tube, upstream ...*tube.Tube) error {
	if tb == nil {
		return errors.Newf(errors.KindInternal, c.id.Notation(), "Add", "nil tube")
	}
	n := tb.Identity().Notation()

	c.mu.Lock()
	if _, exists := c.members[n]; exists {
		c.mu.Unlock()
		return errors.Newf(errors.KindInternal, c.id.Notation(), "Add", "duplicate member %s", n)
	}
	c.members[n] = &member{tb: tb}
	c.order = append(c.order, n)
	for _, up := range upstream {
		if err := c.connect(up, tb, "Add"); err != nil {
			// Roll the insertion back so a failed Add leaves the topology as it was.
			c.unlinkLocked(n)
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	c.lifecycleMu.Lock()
	if c.started {
		c.forwardSignals(tb.Subscribe())
	}
	c.lifecycleMu.Unlock()

	c.signalNotify()
	return nil
}

// Remove drains and tears down a member, then detaches it from the
// topology. Member removal never leaves an acquired resource behind.
func (c *Composite) Remove(notation string, timeout time.Duration) error {
	c.mu.RLock()
	m, ok := c.members[notation]
	c.mu.RUnlock()
	if !ok {
		return errors.Newf(errors.KindInternal, c.id.Notation(), "Remove", "unknown member %s", notation)
	}

	if !m.tb.Drain(timeout) {
		return errors.Newf(errors.KindResourceLifecycle, c.id.Notation(), "Remove",
			"%s: drain timed out", notation)
	}
	if err := m.tb.Teardown(timeout); err != nil {
		return errors.Wrap(err, c.id.Notation(), "Remove")
	}

	c.mu.Lock()
	c.unlinkLocked(notation)
	c.mu.Unlock()

	c.signalNotify()
	return nil
}

// unlinkLocked removes a member and all edges touching it. Caller holds c.mu.
func (c *Composite) unlinkLocked(notation string) {
	delete(c.members, notation)
	for i, n := range c.order {
		if n == notation {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	for _, m := range c.members {
		m.preds = removeString(m.preds, notation)
		m.succs = removeString(m.succs, notation)
	}
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func (c *Composite) snapshotTubes() []*tube.Tube {
	out := make([]*tube.Tube, 0, len(c.order))
	for _, n := range c.order {
		out = append(out, c.members[n].tb)
	}
	return out
}

// forwardSignals fans a member's transition signals into the shared
// coalescing notify channel until the composite stops.
func (c *Composite) forwardSignals(sig <-chan struct{}) {
	stop := c.stopCh
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-sig:
				c.signalNotify()
			}
		}
	}()
}

// signalNotify wakes the recompute loop. Guarded by c.mu, not
// lifecycleMu: Stop waits on the forwarder goroutines while holding
// lifecycleMu, and forwarders call into here.
func (c *Composite) signalNotify() {
	c.mu.RLock()
	ch := c.notifyCh
	c.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// recomputeLoop re-derives the aggregate state on member transition
// events. Eventually consistent: rapid successive transitions coalesce.
func (c *Composite) recomputeLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-c.notifyCh:
			c.publishDerived()
		}
	}
}

func (c *Composite) publishDerived() {
	next := c.State()

	c.mu.Lock()
	prev := c.derived
	if next == prev {
		c.mu.Unlock()
		return
	}
	c.derived = next
	watchers := make([]chan struct{}, len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	c.sink.PublishTransition(context.Background(), telemetry.TransitionEvent{
		Notation:  c.id.Notation(),
		From:      prev.String(),
		To:        next.String(),
		Trigger:   "member state change",
		Timestamp: time.Now().UTC(),
	})
	c.logger.Info("derived state change", "from", prev.String(), "to", next.String())

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Process routes one input through the topology: sources receive the
// caller's input, every member's output feeds its successors, and the
// sink outputs form the result. Fan-in members receive a []any of their
// predecessors' outputs. A blocked member defers the whole call with a
// blocked outcome; an errored member without a fallback route fails it.
func (c *Composite) Process(ctx context.Context, input any) (tube.Outcome, error) {
	c.mu.RLock()
	if len(c.members) == 0 {
		c.mu.RUnlock()
		return tube.Outcome{}, errors.Newf(errors.KindInternal, c.id.Notation(), "Process", "no members")
	}
	order, err := c.topoOrder()
	if err != nil {
		c.mu.RUnlock()
		return tube.Outcome{}, err
	}
	nodes := make(map[string]*execNode, len(c.members))
	for n, m := range c.members {
		nodes[n] = &execNode{tb: m.tb, fallback: m.fallback, preds: len(m.preds), succs: append([]string(nil), m.succs...)}
	}
	c.mu.RUnlock()

	if state := c.State(); state == DerivedError {
		return tube.Outcome{}, errors.New(errors.KindErrorState, c.id.Notation(), "Process",
			stderrors.New("derived state is error"))
	}

	inputs := make(map[string][]any, len(nodes))
	pending := make(map[string]int, len(nodes))
	for n, nd := range nodes {
		pending[n] = nd.preds
		if nd.preds == 0 {
			inputs[n] = []any{input}
		}
	}

	outputs := make(map[string]any, len(nodes))
	done := make(map[string]bool, len(nodes))

	for {
		// Collect every member whose predecessors have all produced output.
		var stage []string
		for _, n := range order {
			if !done[n] && pending[n] == 0 {
				stage = append(stage, n)
			}
		}
		if len(stage) == 0 {
			break
		}

		results := c.runStage(ctx, stage, nodes, inputs)
		for _, r := range results {
			if r.err != nil {
				return tube.Outcome{}, errors.Wrap(r.err, c.id.Notation(), "Process")
			}
			if r.outcome.Blocked {
				return tube.Outcome{
					Blocked: true,
					Reason:  fmt.Sprintf("%s: %s", r.notation, r.outcome.Reason),
				}, nil
			}
			outputs[r.notation] = r.outcome.Output
			done[r.notation] = true
			for _, s := range nodes[r.notation].succs {
				inputs[s] = append(inputs[s], r.outcome.Output)
				pending[s]--
			}
		}
	}

	// Sinks are members with no successors.
	sinkOutputs := make(map[string]any)
	for _, n := range order {
		if len(nodes[n].succs) == 0 && done[n] {
			sinkOutputs[n] = outputs[n]
		}
	}
	if len(sinkOutputs) == 1 {
		for _, v := range sinkOutputs {
			return tube.Outcome{Output: v}, nil
		}
	}
	return tube.Outcome{Output: sinkOutputs}, nil
}

// execNode is the per-call snapshot of one member used during routing.
type execNode struct {
	tb       *tube.Tube
	fallback bool
	preds    int
	succs    []string
}

// runStage executes one set of ready members, concurrently when the
// worker pool is running and the stage fans out.
func (c *Composite) runStage(ctx context.Context, stage []string, nodes map[string]*execNode, inputs map[string][]any) []branchResult {
	works := make([]branchWork, 0, len(stage))
	resCh := make(chan branchResult, len(stage))
	results := make([]branchResult, 0, len(stage))

	for _, n := range stage {
		nd := nodes[n]
		in := collapseInputs(inputs[n])

		// Errored members with a fallback route pass their input through.
		if nd.fallback && nd.tb.State() == tube.StateError {
			results = append(results, branchResult{notation: n, outcome: tube.Outcome{Output: in}})
			continue
		}
		works = append(works, branchWork{ctx: ctx, tb: nd.tb, input: in, res: resCh})
	}

	expect := len(works)
	for _, w := range works {
		if c.pool != nil && expect > 1 {
			if err := c.pool.Submit(w); err == nil {
				continue
			}
		}
		out, err := w.tb.Process(w.ctx, w.input)
		resCh <- branchResult{notation: w.tb.Identity().Notation(), outcome: out, err: err}
	}
	for i := 0; i < expect; i++ {
		results = append(results, <-resCh)
	}
	return results
}

// collapseInputs unwraps a single predecessor output; fan-in members see
// the full slice.
func collapseInputs(in []any) any {
	if len(in) == 1 {
		return in[0]
	}
	return in
}
