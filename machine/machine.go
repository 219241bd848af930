// Package machine coordinates composites under a unified lifecycle and a
// cross-composite isolation policy. Each member composite gets a circuit
// breaker with an error budget; when the budget is exhausted the member is
// decoupled from routing so failures do not cascade, while healthy members
// keep flowing. Re-attachment is an explicit operator action.
package machine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/heymumford/Samstraumr-sub008/composite"
	"github.com/heymumford/Samstraumr-sub008/errors"
	"github.com/heymumford/Samstraumr-sub008/identity"
	"github.com/heymumford/Samstraumr-sub008/metric"
	"github.com/heymumford/Samstraumr-sub008/telemetry"
)

// DefaultErrorBudget is the consecutive-failure budget per member
// composite before its circuit opens.
const DefaultErrorBudget = 5

// breaker tracks one member's error budget. Guarded by Machine.mu.
type breaker struct {
	budget   int
	failures int
	open     bool
}

func (b *breaker) fail() bool {
	if b.open {
		return false
	}
	b.failures++
	if b.failures >= b.budget {
		b.open = true
		return true
	}
	return false
}

func (b *breaker) success() {
	b.failures = 0
}

func (b *breaker) reset() {
	b.failures = 0
	b.open = false
}

// member pairs a composite with its circuit breaker.
type member struct {
	comp *composite.Composite
	brk  breaker
}

// Machine is a coordinated group of composites with circuit-breaker
// isolation between them.
type Machine struct {
	id      *identity.Identity
	logger  *slog.Logger
	sink    telemetry.Sink
	metrics *metric.CoreMetrics
	budget  int

	mu      sync.RWMutex
	members map[string]*member
	order   []string

	lifecycleMu sync.Mutex
	started     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	notifyCh chan struct{}
	derived  composite.DerivedState
	watchers []chan struct{}
}

// Option configures a Machine at construction.
type Option func(*Machine)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSink attaches a telemetry sink receiving derived-state transitions.
func WithSink(sink telemetry.Sink) Option {
	return func(m *Machine) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithMetrics attaches the core metric set.
func WithMetrics(mm *metric.CoreMetrics) Option {
	return func(m *Machine) { m.metrics = mm }
}

// WithErrorBudget sets the per-member consecutive-failure budget.
func WithErrorBudget(n int) Option {
	return func(m *Machine) {
		if n > 0 {
			m.budget = n
		}
	}
}

// New creates an empty machine. The identity must be a machine identity
// allocated by a Registry.
func New(id *identity.Identity, opts ...Option) (*Machine, error) {
	if id == nil {
		return nil, errors.Newf(errors.KindInvalidIdentity, "", "New", "identity is required")
	}
	if id.Kind() != identity.KindMachine {
		return nil, errors.Newf(errors.KindInvalidIdentity, id.Notation(), "New",
			"identity kind must be machine, got %s", id.Kind())
	}

	m := &Machine{
		id:      id,
		logger:  slog.Default(),
		sink:    telemetry.Discard,
		budget:  DefaultErrorBudget,
		members: make(map[string]*member),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("notation", id.Notation())
	return m, nil
}

// Identity returns the machine's immutable identity.
func (m *Machine) Identity() *identity.Identity { return m.id }

// Members returns member composite notations in insertion order.
func (m *Machine) Members() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Add attaches a member composite with a fresh, closed breaker.
func (m *Machine) Add(c *composite.Composite) error {
	if c == nil {
		return errors.Newf(errors.KindInternal, m.id.Notation(), "Add", "nil composite")
	}
	n := c.Identity().Notation()

	m.mu.Lock()
	if _, exists := m.members[n]; exists {
		m.mu.Unlock()
		return errors.Newf(errors.KindInternal, m.id.Notation(), "Add", "duplicate member %s", n)
	}
	m.members[n] = &member{comp: c, brk: breaker{budget: m.budget}}
	m.order = append(m.order, n)
	m.mu.Unlock()

	m.setCircuitGauge(n, false)

	m.lifecycleMu.Lock()
	if m.started {
		m.forwardSignals(c.Subscribe())
	}
	m.lifecycleMu.Unlock()

	m.signalNotify()
	return nil
}

// Remove tears the member composite down and detaches it.
func (m *Machine) Remove(notation string, timeout time.Duration) error {
	m.mu.Lock()
	mem, ok := m.members[notation]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.KindInternal, m.id.Notation(), "Remove", "unknown member %s", notation)
	}
	delete(m.members, notation)
	for i, n := range m.order {
		if n == notation {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.signalNotify()
	if err := mem.comp.Teardown(timeout); err != nil {
		return errors.Wrap(err, m.id.Notation(), "Remove")
	}
	return nil
}

// BreakerOpen reports whether the member's circuit is open.
func (m *Machine) BreakerOpen(notation string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mem, ok := m.members[notation]
	return ok && mem.brk.open
}

// ResetBreaker closes the member's circuit and re-attaches it to the
// flow graph. Never invoked automatically.
func (m *Machine) ResetBreaker(notation string) error {
	m.mu.Lock()
	mem, ok := m.members[notation]
	if !ok {
		m.mu.Unlock()
		return errors.Newf(errors.KindInternal, m.id.Notation(), "ResetBreaker", "unknown member %s", notation)
	}
	mem.brk.reset()
	m.mu.Unlock()

	m.setCircuitGauge(notation, false)
	m.logger.Info("circuit reset", "member", notation)
	m.signalNotify()
	return nil
}

// State derives the machine's aggregate state from member composite
// states, one level up from the composite rule. A member behind an open
// circuit is decoupled: it degrades the machine instead of erroring or
// blocking it.
func (m *Machine) State() composite.DerivedState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	anyBlocked := false
	anyDegraded := false
	for _, n := range m.order {
		mem := m.members[n]
		if mem.brk.open {
			anyDegraded = true
			continue
		}
		switch mem.comp.State() {
		case composite.DerivedError:
			return composite.DerivedError
		case composite.DerivedBlocked:
			anyBlocked = true
		case composite.DerivedDegraded:
			anyDegraded = true
		}
	}
	switch {
	case anyBlocked:
		return composite.DerivedBlocked
	case anyDegraded:
		return composite.DerivedDegraded
	default:
		return composite.DerivedFlowing
	}
}

// Subscribe returns a coalescing signal channel receiving after every
// derived-state change observed by the recompute loop.
func (m *Machine) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	return ch
}

// Process routes one input through every attached member composite.
// Members behind an open circuit are skipped. A member failure is counted
// against its error budget but never stops routing through the others.
// Returns the per-member outputs keyed by composite notation.
func (m *Machine) Process(ctx context.Context, input any) (map[string]any, error) {
	m.mu.RLock()
	type route struct {
		notation string
		comp     *composite.Composite
	}
	routes := make([]route, 0, len(m.order))
	skipped := 0
	for _, n := range m.order {
		mem := m.members[n]
		if mem.brk.open {
			skipped++
			continue
		}
		routes = append(routes, route{notation: n, comp: mem.comp})
	}
	m.mu.RUnlock()

	if len(routes) == 0 {
		if skipped > 0 {
			return nil, errors.New(errors.KindInternal, m.id.Notation(), "Process", errors.ErrCircuitOpen)
		}
		return nil, errors.Newf(errors.KindInternal, m.id.Notation(), "Process", "no members")
	}

	outputs := make(map[string]any, len(routes))
	var errs []error
	for _, r := range routes {
		out, err := r.comp.Process(ctx, input)
		if err != nil {
			errs = append(errs, err)
			m.recordFailure(r.notation)
			continue
		}
		m.recordSuccess(r.notation)
		if out.Blocked {
			// Deferred, not failed: the member stays attached and the
			// breaker is untouched.
			continue
		}
		outputs[r.notation] = out.Output
	}

	if len(outputs) == 0 && len(errs) > 0 {
		return nil, errors.Wrap(stderrors.Join(errs...), m.id.Notation(), "Process")
	}
	return outputs, nil
}

func (m *Machine) recordFailure(notation string) {
	m.mu.Lock()
	mem, ok := m.members[notation]
	opened := ok && mem.brk.fail()
	m.mu.Unlock()

	if opened {
		m.setCircuitGauge(notation, true)
		m.logger.Warn("circuit opened, member decoupled", "member", notation)
		m.signalNotify()
	}
}

func (m *Machine) recordSuccess(notation string) {
	m.mu.Lock()
	if mem, ok := m.members[notation]; ok && !mem.brk.open {
		mem.brk.success()
	}
	m.mu.Unlock()
}

func (m *Machine) setCircuitGauge(notation string, open bool) {
	if m.metrics == nil {
		return
	}
	v := 0.0
	if open {
		v = 1.0
	}
	m.metrics.CircuitState.WithLabelValues(m.id.Notation(), notation).Set(v)
}

// Initialize acquires resources for every member composite.
func (m *Machine) Initialize(ctx context.Context) error {
	var errs []error
	for _, mem := range m.snapshot() {
		if err := mem.Initialize(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Start launches the derived-state recompute loop.
func (m *Machine) Start(_ context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.started {
		return errors.ErrAlreadyStarted
	}

	m.stopCh = make(chan struct{})

	m.mu.Lock()
	m.notifyCh = make(chan struct{}, 1)
	m.mu.Unlock()

	for _, mem := range m.snapshot() {
		m.forwardSignals(mem.Subscribe())
	}

	m.wg.Add(1)
	go m.recomputeLoop()

	m.started = true
	return nil
}

// Stop halts the recompute loop.
func (m *Machine) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if !m.started {
		return errors.ErrNotStarted
	}

	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		return errors.ErrStopTimeout
	}

	m.started = false
	return nil
}

// Teardown stops the machine and tears down every member composite.
func (m *Machine) Teardown(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	started := m.started
	m.lifecycleMu.Unlock()

	var errs []error
	if started {
		if err := m.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	for _, mem := range m.snapshot() {
		if err := mem.Teardown(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (m *Machine) snapshot() []*composite.Composite {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*composite.Composite, 0, len(m.order))
	for _, n := range m.order {
		out = append(out, m.members[n].comp)
	}
	return out
}

func (m *Machine) forwardSignals(sig <-chan struct{}) {
	stop := m.stopCh
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-sig:
				m.signalNotify()
			}
		}
	}()
}

// signalNotify wakes the recompute loop. Guarded by m.mu, not
// lifecycleMu: Stop waits on the forwarder goroutines while holding
// lifecycleMu, and forwarders call into here.
func (m *Machine) signalNotify() {
	m.mu.RLock()
	ch := m.notifyCh
	m.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (m *Machine) recomputeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.notifyCh:
			m.publishDerived()
		}
	}
}

func (m *Machine) publishDerived() {
	next := m.State()

	m.mu.Lock()
	prev := m.derived
	if next == prev {
		m.mu.Unlock()
		return
	}
	m.derived = next
	watchers := make([]chan struct{}, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()

	m.sink.PublishTransition(context.Background(), telemetry.TransitionEvent{
		Notation:  m.id.Notation(),
		From:      prev.String(),
		To:        next.String(),
		Trigger:   "member state change",
		Timestamp: time.Now().UTC(),
	})
	m.logger.Info("derived state change", "from", prev.String(), "to", next.String())

	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
