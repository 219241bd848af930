// Package tube implements the atomic processing unit of the runtime: a
// design-state machine wrapping a processing function, with typed dynamic
// state, an append-only transition journal, and a scoped resource whose
// release is guaranteed exactly once across all exit paths.
//
// # Design states
//
// A tube is always in one of four states:
//
//	flowing   normal operation
//	blocked   temporarily halted; adaptation evaluation suspended
//	adapting  adjusting behavior in response to degraded health
//	error     terminal fault; left only by explicit Reset
//
// Legal transitions form a small graph: flowing<->blocked,
// flowing->adapting->flowing, adapting->error (budget exhausted), and
// any->error for unrecoverable faults. Requests outside the graph fail and
// leave state unchanged.
//
// # Concurrency
//
// Design-state mutation is serialized under a single lock; Process calls
// run concurrently and observe a consistent state at entry. Entering the
// error state aborts in-flight Process calls deterministically and releases
// the resource exactly once.
package tube
