// Package health computes health assessments from tube dynamic state and
// runs the background monitor that publishes them.
package health

import (
	"time"

	"github.com/heymumford/Samstraumr-sub008/tube"
)

// Status classifies a point-in-time health assessment.
type Status int

const (
	// StatusHealthy means all thresholds are respected.
	StatusHealthy Status = iota
	// StatusDegraded means at least one threshold is exceeded.
	StatusDegraded
	// StatusCritical means degradation was sustained beyond the configured
	// number of consecutive checks.
	StatusCritical
)

// String returns the string representation of Status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Assessment is an immutable point-in-time health classification with the
// metrics snapshot it was derived from. Assessments are recomputed on
// demand and never persisted as authoritative state.
type Assessment struct {
	Status    Status         `json:"status"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Thresholds are the per-tube bounds an assessment is computed against.
type Thresholds struct {
	// ErrorRate is the mean error-rate bound over the sliding window.
	ErrorRate float64 `json:"error_rate"`
	// LatencyP95 is the latency bound in seconds; zero disables the check.
	LatencyP95 float64 `json:"latency_p95"`
	// CriticalAfter is the number of consecutive degraded checks that
	// escalates to critical.
	CriticalAfter int `json:"critical_after"`
}

// DefaultThresholds returns the default per-tube thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ErrorRate:     0.3,
		LatencyP95:    0,
		CriticalAfter: 3,
	}
}

// Assess computes an assessment for the tube against the thresholds.
// degradedStreak is the number of consecutive degraded checks observed so
// far, maintained by the Monitor. The computation is pure: it reads the
// sliding window and produces an immutable snapshot.
func Assess(t *tube.Tube, th Thresholds, degradedStreak int) Assessment {
	metrics := t.Dynamic().Snapshot()

	degraded := false
	if mean, ok := t.Dynamic().Mean(tube.MetricErrorRate); ok {
		metrics["error_rate_mean"] = mean
		if mean > th.ErrorRate {
			degraded = true
		}
	}
	if th.LatencyP95 > 0 {
		if mean, ok := t.Dynamic().Mean(tube.MetricLatencyP95); ok {
			metrics["latency_mean"] = mean
			if mean > th.LatencyP95 {
				degraded = true
			}
		}
	}

	status := StatusHealthy
	if degraded {
		status = StatusDegraded
		if th.CriticalAfter > 0 && degradedStreak+1 >= th.CriticalAfter {
			status = StatusCritical
		}
	}

	return Assessment{
		Status:    status,
		Metrics:   metrics,
		Timestamp: time.Now().UTC(),
	}
}

// Aggregate folds several assessments into one: critical dominates,
// then degraded, then healthy.
func Aggregate(assessments []Assessment) Status {
	agg := StatusHealthy
	for _, a := range assessments {
		if a.Status > agg {
			agg = a.Status
		}
	}
	return agg
}
