package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSSink publishes telemetry events as JSON on NATS subjects.
//
// Subjects follow the pattern:
//
//	<prefix>.<notation>.transitions
//	<prefix>.<notation>.health
//
// Notation separators ('.') become subject token separators, so subscribers
// can watch a whole machine with "<prefix>.M1a.>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSSink creates a sink publishing on the given connection. An empty
// prefix defaults to "samstraumr".
func NewNATSSink(conn *nats.Conn, prefix string, logger *slog.Logger) *NATSSink {
	if prefix == "" {
		prefix = "samstraumr"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "telemetry.nats"),
	}
}

// PublishTransition publishes the transition event. Publish failures are
// logged and dropped; telemetry must never fail the transition itself.
func (s *NATSSink) PublishTransition(_ context.Context, ev TransitionEvent) {
	s.publish(ev.Notation+".transitions", ev)
}

// PublishAssessment publishes the assessment event.
func (s *NATSSink) PublishAssessment(_ context.Context, ev AssessmentEvent) {
	s.publish(ev.Notation+".health", ev)
}

func (s *NATSSink) publish(suffix string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal telemetry event", "subject", suffix, "error", err)
		return
	}
	subject := s.prefix + "." + suffix
	if err := s.conn.Publish(subject, data); err != nil {
		s.logger.Warn("publish telemetry event", "subject", subject, "error", err)
	}
}
