package tube

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
	"github.com/heymumford/Samstraumr-sub008/pkg/retry"
	"github.com/heymumford/Samstraumr-sub008/telemetry"
)

// ProcessFunc is the processing function a tube wraps. It receives the
// caller's context (cancelled when the tube enters StateError) and the
// input, and returns the output or a processing error.
type ProcessFunc func(ctx context.Context, input any) (any, error)

// Outcome is the result of one Process call. A blocked outcome means the
// call was deferred without invoking the processing function: the tube was
// in StateBlocked, or the call timed out.
type Outcome struct {
	Output  any
	Blocked bool
	Reason  string
}

// TypeAny is the port type token compatible with every other type.
const TypeAny = "any"

// Tube is an atomic processing unit carrying an immutable identity, a
// design state, dynamic runtime state, and an optional scoped resource.
// Design-state mutation is serialized; Process calls may run concurrently.
type Tube struct {
	id      *identity.Identity
	logger  *slog.Logger
	sink    telemetry.Sink
	metrics *metric.CoreMetrics

	process        ProcessFunc
	inType         string
	outType        string
	dyn            *DynamicState
	journal        *Journal
	handle         *resourceHandle
	processTimeout time.Duration

	mu            sync.Mutex
	state         DesignState
	blockedReason string
	initialized   bool
	tornDown      bool
	inflight      map[uint64]context.CancelCauseFunc
	inflightSeq   uint64
	inflightWG    sync.WaitGroup
	watchers      []chan struct{}
}

// Option configures a Tube at construction.
type Option func(*Tube)

// WithResource attaches a scoped resource acquired on Initialize and
// released exactly once on teardown or StateError entry.
func WithResource(r Resource) Option {
	return func(t *Tube) { t.handle = newResourceHandle(r) }
}

// WithTypes declares the input and output port types used for composite
// edge validation. Both default to TypeAny.
func WithTypes(in, out string) Option {
	return func(t *Tube) {
		if in != "" {
			t.inType = in
		}
		if out != "" {
			t.outType = out
		}
	}
}

// WithSink attaches a telemetry sink receiving transition events.
func WithSink(sink telemetry.Sink) Option {
	return func(t *Tube) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tube) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics attaches the core metric set.
func WithMetrics(m *metric.CoreMetrics) Option {
	return func(t *Tube) { t.metrics = m }
}

// WithWindowSize bounds the dynamic-state sliding window.
func WithWindowSize(n int) Option {
	return func(t *Tube) { t.dyn = NewDynamicState(n) }
}

// WithJournalCapacity bounds the transition journal.
func WithJournalCapacity(n int) Option {
	return func(t *Tube) { t.journal = NewJournal(n) }
}

// WithProcessTimeout bounds each Process call. On expiry the call surfaces
// a blocked outcome, not a failure.
func WithProcessTimeout(d time.Duration) Option {
	return func(t *Tube) { t.processTimeout = d }
}

// New creates a tube in StateFlowing wrapping the given processing
// function. The identity must be a tube identity allocated by a Registry.
func New(id *identity.Identity, process ProcessFunc, opts ...Option) (*Tube, error) {
	if id == nil {
		return nil, errors.Newf(errors.KindInvalidIdentity, "", "New", "identity is required")
	}
	if id.Kind() != identity.KindTube {
		return nil, errors.Newf(errors.KindInvalidIdentity, id.Notation(), "New",
			"identity kind must be tube, got %s", id.Kind())
	}
	if process == nil {
		return nil, errors.Newf(errors.KindInternal, id.Notation(), "New", "processing function is required")
	}

	t := &Tube{
		id:       id,
		logger:   slog.Default(),
		sink:     telemetry.Discard,
		process:  process,
		inType:   TypeAny,
		outType:  TypeAny,
		dyn:      NewDynamicState(0),
		journal:  NewJournal(0),
		handle:   newResourceHandle(nil),
		state:    StateFlowing,
		inflight: make(map[uint64]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("notation", id.Notation())

	t.journal.Log(fmt.Sprintf("tube created: %s", id.Reason()))
	return t, nil
}

// Identity returns the tube's immutable identity.
func (t *Tube) Identity() *identity.Identity { return t.id }

// State returns the current design state.
func (t *Tube) State() DesignState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Dynamic returns the tube's dynamic-state store.
func (t *Tube) Dynamic() *DynamicState { return t.dyn }

// Journal returns the tube's audit trail.
func (t *Tube) Journal() *Journal { return t.journal }

// InputType returns the declared input port type.
func (t *Tube) InputType() string { return t.inType }

// OutputType returns the declared output port type.
func (t *Tube) OutputType() string { return t.outType }

// Initialize acquires the tube's resource before the first Process call.
// Acquisition is retried with backoff; a second Initialize without an
// intervening release fails.
func (t *Tube) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.tornDown {
		t.mu.Unlock()
		return errors.Newf(errors.KindResourceLifecycle, t.id.Notation(), "Initialize", "tube has been torn down")
	}
	if t.initialized && t.handle.isAcquired() {
		t.mu.Unlock()
		return errors.Newf(errors.KindResourceLifecycle, t.id.Notation(), "Initialize", "already initialized")
	}
	t.mu.Unlock()

	if err := retry.Do(ctx, retry.Quick(), func() error {
		return t.handle.acquire(ctx)
	}); err != nil {
		return errors.Wrap(err, t.id.Notation(), "Initialize")
	}

	t.mu.Lock()
	t.initialized = true
	t.mu.Unlock()

	t.journal.Log("resource acquired")
	t.logger.Debug("tube initialized")
	return nil
}

// Subscribe returns a coalescing signal channel that receives after every
// applied transition. Owners read the current state directly; the channel
// only signals that something changed.
func (t *Tube) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	t.mu.Lock()
	t.watchers = append(t.watchers, ch)
	t.mu.Unlock()
	return ch
}

// Transition applies a design-state transition. Requests outside the legal
// graph fail with an illegal-transition error and leave state unchanged.
// Recovery from StateError is not available here; use Reset.
func (t *Tube) Transition(to DesignState, trigger string) error {
	return t.transition(to, trigger, "")
}

// Block transitions Flowing -> Blocked recording the blocking condition.
func (t *Tube) Block(reason string) error {
	return t.transition(StateBlocked, "blocking condition detected", reason)
}

// Unblock transitions Blocked -> Flowing.
func (t *Tube) Unblock() error {
	return t.transition(StateFlowing, "blocking condition cleared", "")
}

// Fail forces the tube into StateError from any state (unrecoverable
// fault). Failing an already-errored tube is a no-op. The resource is
// released exactly once and in-flight Process calls are aborted.
func (t *Tube) Fail(trigger string, cause error) error {
	if cause != nil {
		t.journal.Log(fmt.Sprintf("fault: %v", cause))
	}
	err := t.transition(StateError, trigger, "")
	if err != nil && t.State() == StateError {
		return nil
	}
	return err
}

// Reset is the explicit external recovery path from StateError. It
// re-acquires the resource when one was attached and returns the tube to
// StateFlowing. Never invoked automatically.
func (t *Tube) Reset(ctx context.Context) error {
	t.mu.Lock()
	if t.tornDown {
		t.mu.Unlock()
		return errors.Newf(errors.KindResourceLifecycle, t.id.Notation(), "Reset", "tube has been torn down")
	}
	if t.state != StateError {
		t.mu.Unlock()
		return errors.Newf(errors.KindIllegalTransition, t.id.Notation(), "Reset",
			"%s -> %s: reset requires error state", t.state, StateFlowing)
	}
	wasInitialized := t.initialized
	t.mu.Unlock()

	if wasInitialized {
		if err := retry.Do(ctx, retry.Quick(), func() error {
			return t.handle.acquire(ctx)
		}); err != nil {
			return errors.Wrap(err, t.id.Notation(), "Reset")
		}
		t.journal.Log("resource reacquired on reset")
	}

	t.mu.Lock()
	if t.state != StateError {
		t.mu.Unlock()
		return errors.Newf(errors.KindIllegalTransition, t.id.Notation(), "Reset",
			"state changed during reset")
	}
	rec := TransitionRecord{
		From:      StateError,
		To:        StateFlowing,
		Trigger:   "explicit external reset",
		Timestamp: time.Now().UTC(),
	}
	t.state = StateFlowing
	t.blockedReason = ""
	t.mu.Unlock()

	t.finishTransition(rec)
	return nil
}

// Teardown destroys the tube: drains in-flight Process calls up to timeout,
// then releases the resource. A second Teardown fails with a
// resource-lifecycle error.
func (t *Tube) Teardown(timeout time.Duration) error {
	t.mu.Lock()
	if t.tornDown {
		t.mu.Unlock()
		return errors.Newf(errors.KindResourceLifecycle, t.id.Notation(), "Teardown", "already torn down")
	}
	t.tornDown = true
	t.mu.Unlock()

	if !t.waitInflight(timeout) {
		// Drain timed out; abort the stragglers and wait again.
		t.cancelInflight(context.Canceled)
		t.inflightWG.Wait()
	}

	released, err := t.handle.release()
	if err != nil {
		return errors.Wrap(err, t.id.Notation(), "Teardown")
	}
	if released {
		t.journal.Log("resource released on teardown")
	}
	t.logger.Debug("tube torn down")
	return nil
}

// Drain waits until no Process call is in flight or the timeout expires.
// Returns true when drained.
func (t *Tube) Drain(timeout time.Duration) bool {
	return t.waitInflight(timeout)
}

func (t *Tube) waitInflight(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		t.inflightWG.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Tube) cancelInflight(cause error) {
	t.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(t.inflight))
	for _, c := range t.inflight {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel(cause)
	}
}

// transition applies the state change under the single-writer lock and runs
// the side effects (journal, resource release, notification, telemetry)
// after the lock is dropped.
func (t *Tube) transition(to DesignState, trigger, blockedReason string) error {
	t.mu.Lock()
	from := t.state
	if !legalTransition(from, to) {
		t.mu.Unlock()
		return errors.Newf(errors.KindIllegalTransition, t.id.Notation(), "Transition",
			"%s -> %s", from, to)
	}
	t.state = to
	t.blockedReason = blockedReason
	rec := TransitionRecord{From: from, To: to, Trigger: trigger, Timestamp: time.Now().UTC()}
	t.mu.Unlock()

	if to == StateError {
		t.cancelInflight(errors.New(errors.KindErrorState, t.id.Notation(), "Process",
			stderrors.New("aborted by error-state entry")))
		released, err := t.handle.release()
		if err != nil {
			t.logger.Error("resource release on error entry", "error", err)
			t.journal.Log(fmt.Sprintf("resource release failed: %v", err))
		} else if released {
			t.journal.Log("resource released on error entry")
		}
	}

	t.finishTransition(rec)
	return nil
}

// finishTransition records and publishes an applied transition.
func (t *Tube) finishTransition(rec TransitionRecord) {
	t.journal.Record(rec)

	if t.metrics != nil {
		t.metrics.TransitionsTotal.WithLabelValues(t.id.Notation(), rec.From.String(), rec.To.String()).Inc()
		t.metrics.DesignState.WithLabelValues(t.id.Notation()).Set(float64(rec.To))
	}

	t.sink.PublishTransition(context.Background(), telemetry.TransitionEvent{
		Notation:  t.id.Notation(),
		From:      rec.From.String(),
		To:        rec.To.String(),
		Trigger:   rec.Trigger,
		Timestamp: rec.Timestamp,
	})

	t.logger.Info("design state transition",
		"from", rec.From.String(),
		"to", rec.To.String(),
		"trigger", rec.Trigger)

	t.mu.Lock()
	watchers := make([]chan struct{}, len(t.watchers))
	copy(watchers, t.watchers)
	t.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Process runs one input through the tube, gated by the current design
// state. In StateError it fails immediately with no side effects; in
// StateBlocked it returns a blocked outcome without invoking the
// processing function. A panic inside the processing function forces the
// tube into StateError before the error is surfaced.
func (t *Tube) Process(ctx context.Context, input any) (Outcome, error) {
	notation := t.id.Notation()

	t.mu.Lock()
	if t.tornDown {
		t.mu.Unlock()
		return Outcome{}, errors.Newf(errors.KindResourceLifecycle, notation, "Process", "tube has been torn down")
	}
	switch t.state {
	case StateError:
		t.mu.Unlock()
		t.countProcessed("error_state")
		return Outcome{}, errors.New(errors.KindErrorState, notation, "Process", nil)
	case StateBlocked:
		reason := t.blockedReason
		if reason == "" {
			reason = "design state blocked"
		}
		t.mu.Unlock()
		t.countProcessed("blocked")
		return Outcome{Blocked: true, Reason: reason}, nil
	}

	pctx, cancel := context.WithCancelCause(ctx)
	seq := t.inflightSeq
	t.inflightSeq++
	t.inflight[seq] = cancel
	t.inflightWG.Add(1)
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.inflight, seq)
		t.mu.Unlock()
		cancel(nil)
		t.inflightWG.Done()
	}()

	runCtx := pctx
	if t.processTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(pctx, t.processTimeout)
		defer timeoutCancel()
	}

	type procResult struct {
		out      any
		err      error
		panicked bool
		panicVal any
	}
	resCh := make(chan procResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- procResult{panicked: true, panicVal: r}
			}
		}()
		out, err := t.process(runCtx, input)
		resCh <- procResult{out: out, err: err}
	}()

	select {
	case res := <-resCh:
		elapsed := time.Since(start)
		if res.panicked {
			_ = t.Fail("processing panic", fmt.Errorf("panic: %v", res.panicVal))
			t.recordSamples(elapsed, true)
			t.countProcessed("panic")
			return Outcome{}, errors.Newf(errors.KindProcessing, notation, "Process", "panic: %v", res.panicVal)
		}
		t.recordSamples(elapsed, res.err != nil)
		if t.metrics != nil {
			t.metrics.ProcessingDuration.WithLabelValues(notation).Observe(elapsed.Seconds())
		}
		if res.err != nil {
			t.countProcessed("error")
			return Outcome{}, errors.New(errors.KindProcessing, notation, "Process", res.err)
		}
		t.countProcessed("success")
		return Outcome{Output: res.out}, nil

	case <-runCtx.Done():
		cause := context.Cause(runCtx)
		switch {
		case stderrors.Is(cause, errors.ErrErrorState):
			t.countProcessed("error_state")
			return Outcome{}, errors.New(errors.KindErrorState, notation, "Process",
				stderrors.New("aborted by error-state entry"))
		case stderrors.Is(cause, context.DeadlineExceeded):
			// Timeouts surface as a blocked result, not a failure.
			t.countProcessed("timeout")
			return Outcome{Blocked: true, Reason: "process timeout"}, nil
		default:
			t.countProcessed("cancelled")
			return Outcome{}, errors.Wrap(cause, notation, "Process")
		}
	}
}

// recordSamples appends latency, error, and throughput samples to the
// dynamic state window.
func (t *Tube) recordSamples(elapsed time.Duration, failed bool) {
	_ = t.dyn.RecordNumber(MetricLatencyP95, elapsed.Seconds())
	errVal := 0.0
	if failed {
		errVal = 1.0
	}
	_ = t.dyn.RecordNumber(MetricErrorRate, errVal)
	_ = t.dyn.RecordNumber(MetricThroughput, 1)
}

func (t *Tube) countProcessed(status string) {
	if t.metrics != nil {
		t.metrics.ProcessedTotal.WithLabelValues(t.id.Notation(), status).Inc()
	}
}
