package telemetry

import (
	"context"
	"log/slog"
)

// LogSink emits telemetry events through a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs events at Info level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "telemetry")}
}

// PublishTransition logs the transition event.
func (s *LogSink) PublishTransition(ctx context.Context, ev TransitionEvent) {
	s.logger.InfoContext(ctx, "state transition",
		"notation", ev.Notation,
		"from", ev.From,
		"to", ev.To,
		"trigger", ev.Trigger)
}

// PublishAssessment logs the assessment event.
func (s *LogSink) PublishAssessment(ctx context.Context, ev AssessmentEvent) {
	s.logger.InfoContext(ctx, "health assessment",
		"notation", ev.Notation,
		"status", ev.Status)
}
