package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains the runtime-level metrics shared by tubes,
// composites, and machines. Domain-specific metrics register separately
// through the MetricsRegistry.
type CoreMetrics struct {
	TransitionsTotal   *prometheus.CounterVec
	ProcessedTotal     *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	DesignState        *prometheus.GaugeVec
	HealthStatus       *prometheus.GaugeVec
	CircuitState       *prometheus.GaugeVec
	AdaptationsTotal   *prometheus.CounterVec
}

// NewCoreMetrics creates the core metric set. Collectors are created
// unregistered; the MetricsRegistry registers them.
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "samstraumr",
				Subsystem: "tube",
				Name:      "transitions_total",
				Help:      "Total number of applied design-state transitions",
			},
			[]string{"notation", "from", "to"},
		),

		ProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "samstraumr",
				Subsystem: "tube",
				Name:      "processed_total",
				Help:      "Total number of process calls by outcome",
			},
			[]string{"notation", "status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "samstraumr",
				Subsystem: "tube",
				Name:      "processing_duration_seconds",
				Help:      "Processing function duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"notation"},
		),

		DesignState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "samstraumr",
				Subsystem: "tube",
				Name:      "design_state",
				Help:      "Current design state (0=flowing, 1=blocked, 2=adapting, 3=error)",
			},
			[]string{"notation"},
		),

		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "samstraumr",
				Subsystem: "health",
				Name:      "status",
				Help:      "Latest health assessment (0=healthy, 1=degraded, 2=critical)",
			},
			[]string{"notation"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "samstraumr",
				Subsystem: "machine",
				Name:      "circuit_state",
				Help:      "Circuit breaker state per member composite (0=closed, 1=open)",
			},
			[]string{"machine", "composite"},
		),

		AdaptationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "samstraumr",
				Subsystem: "adapt",
				Name:      "adjustments_total",
				Help:      "Total adaptation adjustments applied by outcome",
			},
			[]string{"notation", "outcome"},
		),
	}
}

// collectors returns every core collector for bulk registration.
func (m *CoreMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.TransitionsTotal,
		m.ProcessedTotal,
		m.ProcessingDuration,
		m.DesignState,
		m.HealthStatus,
		m.CircuitState,
		m.AdaptationsTotal,
	}
}
