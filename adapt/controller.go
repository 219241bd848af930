// Package adapt implements the adaptation controller: it turns health
// assessments into design-state transition requests, applying hysteresis
// and a retry budget so tubes neither oscillate nor adapt forever.
package adapt

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/heymumford/Samstraumr-sub008/errors"
	"github.com/heymumford/Samstraumr-sub008/health"
	"github.com/heymumford/Samstraumr-sub008/memory"
	"github.com/heymumford/Samstraumr-sub008/metric"
	"github.com/heymumford/Samstraumr-sub008/tube"
)

// Config controls the controller's hysteresis and budget.
type Config struct {
	// RetryBudget is the number of consecutive critical assessments while
	// adapting that forces the tube into the error state.
	RetryBudget int `json:"retry_budget"`
	// MinDwell is the minimum time a tube stays in adapting before a
	// recovery transition back to flowing is allowed.
	MinDwell time.Duration `json:"min_dwell"`
	// Cooldown is the interval after a recovery during which re-entering
	// adapting is suppressed.
	Cooldown time.Duration `json:"cooldown"`
}

// DefaultConfig returns the default adaptation configuration.
func DefaultConfig() Config {
	return Config{
		RetryBudget: 3,
		MinDwell:    5 * time.Second,
		Cooldown:    30 * time.Second,
	}
}

// Controller consumes assessments from the health monitor and issues
// transition requests. It implements health.AssessmentHandler.
type Controller struct {
	cfg     Config
	store   memory.Store
	logger  *slog.Logger
	metrics *metric.CoreMetrics
	now     func() time.Time

	mu    sync.Mutex
	tubes map[string]*track
}

// track is the per-tube hysteresis accounting.
type track struct {
	criticalStreak  int
	enteredAdapting time.Time
	lastRecovered   time.Time
}

// Option configures the Controller.
type Option func(*Controller)

// WithStore attaches the long-term memory collaborator. Applied
// adjustments are recorded there for future reference; a nil store is
// valid and simply skips recording.
func WithStore(store memory.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches the core metric set.
func WithMetrics(m *metric.CoreMetrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// withClock overrides time observation in tests.
func withClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a controller with the given configuration.
// Non-positive config fields fall back to defaults.
func NewController(cfg Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = def.RetryBudget
	}
	if cfg.MinDwell <= 0 {
		cfg.MinDwell = def.MinDwell
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = def.Cooldown
	}

	c := &Controller{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		tubes:  make(map[string]*track),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "adapt.controller")
	return c
}

// OnAssessment applies the adaptation policy for one assessment.
func (c *Controller) OnAssessment(t *tube.Tube, a health.Assessment) {
	notation := t.Identity().Notation()

	c.mu.Lock()
	tr, ok := c.tubes[notation]
	if !ok {
		tr = &track{}
		c.tubes[notation] = tr
	}
	c.mu.Unlock()

	switch t.State() {
	case tube.StateFlowing:
		c.onFlowing(t, tr, a)
	case tube.StateAdapting:
		c.onAdapting(t, tr, a)
	}
	// Blocked tubes are not assessed; error tubes recover only via Reset.
}

func (c *Controller) onFlowing(t *tube.Tube, tr *track, a health.Assessment) {
	if a.Status == health.StatusHealthy {
		return
	}

	c.mu.Lock()
	inCooldown := !tr.lastRecovered.IsZero() && c.now().Sub(tr.lastRecovered) < c.cfg.Cooldown
	c.mu.Unlock()
	if inCooldown {
		c.count(t, "cooldown_suppressed")
		c.logger.Debug("adaptation suppressed by cooldown", "notation", t.Identity().Notation())
		return
	}

	if err := t.Transition(tube.StateAdapting, "health degraded"); err != nil {
		// A concurrent transition won the race; the next assessment re-evaluates.
		return
	}

	c.mu.Lock()
	tr.enteredAdapting = c.now()
	tr.criticalStreak = 0
	c.mu.Unlock()

	c.count(t, "enter_adapting")
	c.record(t, "enter_adapting", a)
}

func (c *Controller) onAdapting(t *tube.Tube, tr *track, a health.Assessment) {
	switch a.Status {
	case health.StatusCritical:
		c.mu.Lock()
		tr.criticalStreak++
		exhausted := tr.criticalStreak >= c.cfg.RetryBudget
		c.mu.Unlock()

		if exhausted {
			cause := errors.New(errors.KindAdaptationBudget, t.Identity().Notation(), "OnAssessment", nil)
			_ = t.Fail("adaptation budget exhausted", cause)
			c.count(t, "budget_exhausted")
			c.record(t, "budget_exhausted", a)
		}

	case health.StatusHealthy:
		c.mu.Lock()
		tr.criticalStreak = 0
		dwelled := !tr.enteredAdapting.IsZero() && c.now().Sub(tr.enteredAdapting) >= c.cfg.MinDwell
		c.mu.Unlock()
		if !dwelled {
			return
		}

		if err := t.Transition(tube.StateFlowing, "health recovered"); err != nil {
			return
		}

		c.mu.Lock()
		tr.lastRecovered = c.now()
		c.mu.Unlock()

		c.count(t, "recovered")
		c.record(t, "recovered", a)

	default:
		// Degraded but not critical: stay in adapting, reset the streak.
		c.mu.Lock()
		tr.criticalStreak = 0
		c.mu.Unlock()
	}
}

// adjustment is the record written to long-term memory for each applied
// adaptation decision.
type adjustment struct {
	Outcome   string         `json:"outcome"`
	Status    string         `json:"status"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// record persists the applied adjustment into the tube's long-term memory.
// Recording is best-effort: failures are logged, never propagated.
func (c *Controller) record(t *tube.Tube, outcome string, a health.Assessment) {
	if c.store == nil {
		return
	}

	data, err := json.Marshal(adjustment{
		Outcome:   outcome,
		Status:    a.Status.String(),
		Metrics:   a.Metrics,
		Timestamp: c.now().UTC(),
	})
	if err != nil {
		c.logger.Error("marshal adaptation adjustment", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	key := "adapt." + t.Identity().Notation()
	if err := c.store.Put(ctx, key, data); err != nil {
		c.logger.Warn("persist adaptation adjustment", "key", key, "error", err)
	}
}

func (c *Controller) count(t *tube.Tube, outcome string) {
	if c.metrics != nil {
		c.metrics.AdaptationsTotal.WithLabelValues(t.Identity().Notation(), outcome).Inc()
	}
}
