// Package samstraumr is the component lifecycle and identity runtime: a
// tree of addressable processing units (tubes) carrying persistent
// identities, transitioning through a small set of design states,
// aggregating into typed pipelines (composites) and coordinated groups
// (machines).
//
// The packages compose bottom-up:
//
//   - errors: classified runtime errors carrying identity notation
//   - identity: registry allocating immutable hierarchical identities
//   - tube: the atomic processing unit, its state machine, dynamic
//     state window, journal, and scoped resource lifecycle
//   - health: background monitor computing assessments from dynamic state
//   - adapt: adaptation controller with hysteresis and retry budgets
//   - composite: typed pipelines with derived aggregate state
//   - machine: cross-composite coordination and circuit-breaker isolation
//   - memory: key-value collaborator for learned adjustments
//   - telemetry: transition/assessment event sinks (log, NATS)
//   - metric: Prometheus registry and the core metric set
//   - config: JSON runtime configuration
//
// cmd/samstraumr wires everything into a runnable demo pipeline.
package samstraumr
