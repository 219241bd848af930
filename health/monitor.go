package health

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heymumford/Samstraumr-sub008/errors"
	"github.com/heymumford/Samstraumr-sub008/metric"
	"github.com/heymumford/Samstraumr-sub008/telemetry"
	"github.com/heymumford/Samstraumr-sub008/tube"
)

// AssessmentHandler consumes assessments as they are published. The
// adaptation controller implements this to drive transitions.
type AssessmentHandler interface {
	OnAssessment(t *tube.Tube, a Assessment)
}

// Monitor samples registered tubes on an independent schedule and publishes
// assessments as immutable snapshots. The processing path never blocks on
// monitoring: readers load the latest snapshot through an atomic pointer.
type Monitor struct {
	interval time.Duration
	logger   *slog.Logger
	sink     telemetry.Sink
	metrics  *metric.CoreMetrics
	handler  AssessmentHandler

	mu      sync.RWMutex
	entries map[string]*entry

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

type entry struct {
	tube       *tube.Tube
	thresholds Thresholds
	streak     atomic.Int32
	snapshot   atomic.Pointer[Assessment]
}

// assess runs one pure assessment for the entry and maintains the
// degraded streak.
func (e *entry) assess() Assessment {
	a := Assess(e.tube, e.thresholds, int(e.streak.Load()))
	if a.Status == StatusHealthy {
		e.streak.Store(0)
	} else {
		e.streak.Add(1)
	}
	return a
}

// MonitorOption configures the Monitor.
type MonitorOption func(*Monitor)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSink attaches a telemetry sink receiving assessment events.
func WithSink(sink telemetry.Sink) MonitorOption {
	return func(m *Monitor) {
		if sink != nil {
			m.sink = sink
		}
	}
}

// WithMetrics attaches the core metric set.
func WithMetrics(metrics *metric.CoreMetrics) MonitorOption {
	return func(m *Monitor) { m.metrics = metrics }
}

// WithHandler attaches the assessment handler, typically the adaptation
// controller.
func WithHandler(handler AssessmentHandler) MonitorOption {
	return func(m *Monitor) { m.handler = handler }
}

// NewMonitor creates a monitor sampling at the given interval
// (one second if <= 0).
func NewMonitor(interval time.Duration, opts ...MonitorOption) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &Monitor{
		interval: interval,
		logger:   slog.Default(),
		sink:     telemetry.Discard,
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "health.monitor")
	return m
}

// Register adds a tube with its thresholds. Re-registering replaces the
// thresholds and resets the degraded streak.
func (m *Monitor) Register(t *tube.Tube, th Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[t.Identity().Notation()] = &entry{tube: t, thresholds: th}
}

// Remove stops monitoring the tube with the given notation.
func (m *Monitor) Remove(notation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, notation)
}

// Latest returns the most recently published assessment for the notation.
func (m *Monitor) Latest(notation string) (Assessment, bool) {
	m.mu.RLock()
	e, ok := m.entries[notation]
	m.mu.RUnlock()
	if !ok {
		return Assessment{}, false
	}
	snap := e.snapshot.Load()
	if snap == nil {
		return Assessment{}, false
	}
	return *snap, true
}

// Start begins background sampling. The monitor stops when ctx is
// cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel != nil {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.run(runCtx)
	return nil
}

// Stop halts background sampling, waiting up to timeout for the sampling
// loop to exit.
func (m *Monitor) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.cancel == nil {
		return errors.ErrNotStarted
	}
	m.cancel()
	m.cancel = nil

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.done:
		return nil
	case <-timer.C:
		return errors.ErrStopTimeout
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample assesses every registered tube once.
func (m *Monitor) sample(ctx context.Context) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		// While blocked, health-based adaptation evaluation is suspended.
		if e.tube.State() == tube.StateBlocked {
			continue
		}

		m.publish(ctx, e.tube, e.assess())
	}
}

func (m *Monitor) publish(ctx context.Context, t *tube.Tube, a Assessment) {
	m.mu.RLock()
	e, ok := m.entries[t.Identity().Notation()]
	m.mu.RUnlock()
	if ok {
		e.snapshot.Store(&a)
	}

	if m.metrics != nil {
		m.metrics.HealthStatus.WithLabelValues(t.Identity().Notation()).Set(float64(a.Status))
	}

	m.sink.PublishAssessment(ctx, telemetry.AssessmentEvent{
		Notation:  t.Identity().Notation(),
		Status:    a.Status.String(),
		Metrics:   a.Metrics,
		Timestamp: a.Timestamp,
	})

	if a.Status != StatusHealthy {
		m.logger.Warn("health assessment",
			"notation", t.Identity().Notation(),
			"status", a.Status.String())
	}

	if m.handler != nil {
		m.handler.OnAssessment(t, a)
	}
}

// AssessNow assesses a single registered tube immediately, outside the
// sampling schedule, and publishes the result.
func (m *Monitor) AssessNow(ctx context.Context, notation string) (Assessment, error) {
	m.mu.RLock()
	e, ok := m.entries[notation]
	m.mu.RUnlock()
	if !ok {
		return Assessment{}, errors.Newf(errors.KindInternal, notation, "AssessNow", "tube not registered")
	}

	a := e.assess()
	m.publish(ctx, e.tube, a)
	return a, nil
}
