// Package metric provides Prometheus metrics for the tube runtime.
//
// A MetricsRegistry owns a private Prometheus registry seeded with the core
// runtime metrics (transitions, processing durations, health, circuit
// state) plus Go process collectors. Composites and machines register
// additional metrics under a scope name; duplicates are detected at
// registration time.
package metric
