// Package telemetry delivers state-transition records and health assessments
// to external sinks. The core runtime does not own a wire format; sinks are
// opaque collaborators and emission failures are logged, never propagated
// into the processing path.
package telemetry

import (
	"context"
	"time"
)

// TransitionEvent describes one applied design-state transition.
type TransitionEvent struct {
	Notation  string    `json:"notation"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Trigger   string    `json:"trigger"`
	Timestamp time.Time `json:"timestamp"`
}

// AssessmentEvent describes one published health assessment.
type AssessmentEvent struct {
	Notation  string         `json:"notation"`
	Status    string         `json:"status"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives telemetry events. Implementations must be safe for
// concurrent use and must not block the caller for long; the runtime calls
// sinks inline from transition and monitoring paths.
type Sink interface {
	PublishTransition(ctx context.Context, ev TransitionEvent)
	PublishAssessment(ctx context.Context, ev AssessmentEvent)
}

// Discard is a Sink that drops all events.
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) PublishTransition(context.Context, TransitionEvent) {}
func (discardSink) PublishAssessment(context.Context, AssessmentEvent) {}

// MultiSink fans events out to several sinks in order.
type MultiSink []Sink

// PublishTransition forwards the event to every sink.
func (m MultiSink) PublishTransition(ctx context.Context, ev TransitionEvent) {
	for _, s := range m {
		s.PublishTransition(ctx, ev)
	}
}

// PublishAssessment forwards the event to every sink.
func (m MultiSink) PublishAssessment(ctx context.Context, ev AssessmentEvent) {
	for _, s := range m {
		s.PublishAssessment(ctx, ev)
	}
}
