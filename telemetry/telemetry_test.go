package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recordingSink captures events for assertions.
type recordingSink struct {
	mu          sync.Mutex
	transitions []TransitionEvent
	assessments []AssessmentEvent
}

func (r *recordingSink) PublishTransition(_ context.Context, ev TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, ev)
}

func (r *recordingSink) PublishAssessment(_ context.Context, ev AssessmentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assessments = append(r.assessments, ev)
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	multi := MultiSink{a, b}

	ev := TransitionEvent{
		Notation:  "T1abcd",
		From:      "flowing",
		To:        "adapting",
		Trigger:   "health degraded",
		Timestamp: time.Now(),
	}
	multi.PublishTransition(context.Background(), ev)
	multi.PublishAssessment(context.Background(), AssessmentEvent{Notation: "T1abcd", Status: "degraded"})

	assert.Len(t, a.transitions, 1)
	assert.Len(t, b.transitions, 1)
	assert.Equal(t, "adapting", a.transitions[0].To)
	assert.Len(t, a.assessments, 1)
	assert.Len(t, b.assessments, 1)
}

func TestMultiSinkPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	multi := MultiSink{sink}

	for _, to := range []string{"blocked", "flowing", "adapting"} {
		multi.PublishTransition(context.Background(), TransitionEvent{Notation: "T2", To: to})
	}

	assert.Equal(t, "blocked", sink.transitions[0].To)
	assert.Equal(t, "flowing", sink.transitions[1].To)
	assert.Equal(t, "adapting", sink.transitions[2].To)
}

func TestDiscardSink(t *testing.T) {
	// Must not panic and must accept any event.
	Discard.PublishTransition(context.Background(), TransitionEvent{})
	Discard.PublishAssessment(context.Background(), AssessmentEvent{})
}

func TestLogSinkNilLogger(t *testing.T) {
	sink := NewLogSink(nil)
	sink.PublishTransition(context.Background(), TransitionEvent{Notation: "T1", From: "flowing", To: "blocked"})
	sink.PublishAssessment(context.Background(), AssessmentEvent{Notation: "T1", Status: "healthy"})
}
