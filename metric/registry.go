package metric

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/heymumford/Samstraumr-sub008/errors"
)

// MetricsRegistry manages the registration and lifecycle of metrics.
// Core runtime metrics are registered at construction; composites and
// machines add their own metrics under a scope name.
type MetricsRegistry struct {
	prometheusRegistry *prometheus.Registry
	core               *CoreMetrics
	registered         map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewMetricsRegistry creates a metrics registry with core runtime metrics
// and Go process collectors registered.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prometheusRegistry: prometheus.NewRegistry(),
		core:               NewCoreMetrics(),
		registered:         make(map[string]prometheus.Collector),
	}

	for _, c := range r.core.collectors() {
		r.prometheusRegistry.MustRegister(c)
	}

	r.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Core returns the core runtime metrics.
func (r *MetricsRegistry) Core() *CoreMetrics {
	return r.core
}

// Register registers a collector under scope.name. Duplicate registrations
// are rejected; a collector already registered with identical description is
// reused rather than treated as an error.
func (r *MetricsRegistry) Register(scope, name string, collector prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", scope, name)
	if _, exists := r.registered[key]; exists {
		return errors.Newf(errors.KindInternal, "", "Register",
			"metric %s already registered in scope %s", name, scope)
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			r.registered[key] = already.ExistingCollector
			return nil
		}
		return errors.Wrap(err, "", "Register")
	}

	r.registered[key] = collector
	return nil
}

// Unregister removes a collector registered under scope.name. Returns true
// if a collector was removed.
func (r *MetricsRegistry) Unregister(scope, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", scope, name)
	collector, exists := r.registered[key]
	if !exists {
		return false
	}
	delete(r.registered, key)
	return r.prometheusRegistry.Unregister(collector)
}
