// Package notify delivers workflow events to external consumers. Delivery is
// best-effort: callers never see a publish failure as a workflow failure.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Logical event names.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowAction    = "workflow_action"
	EventWorkflowEscalated = "workflow_escalated"
)

// EventSink publishes one logical event.
type EventSink interface {
	Publish(ctx context.Context, event string, payload any) error
}

// StartedPayload is carried by workflow_started.
type StartedPayload struct {
	InstanceID    string   `json:"instance_id"`
	WorkflowName  string   `json:"workflow_name"`
	DossierID     string   `json:"dossier_id"`
	DossierType   string   `json:"dossier_type"`
	NextStepName  string   `json:"next_step_name"`
	RequiredRoles []string `json:"required_roles,omitempty"`
	Priority      string   `json:"priority"`
}

// ActionPayload is carried by workflow_action.
type ActionPayload struct {
	InstanceID   string `json:"instance_id"`
	WorkflowName string `json:"workflow_name"`
	Action       string `json:"action"`
	ActorEmail   string `json:"actor_email"`
	StepName     string `json:"step_name"`
	Status       string `json:"status"`
	NextStepName string `json:"next_step_name,omitempty"`
}

// EscalatedPayload is carried by workflow_escalated.
type EscalatedPayload struct {
	Count       int      `json:"count"`
	InstanceIDs []string `json:"instance_ids"`
}

// NopSink discards every event.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(context.Context, string, any) error { return nil }

// LogSink writes events to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Publish implements EventSink.
func (s *LogSink) Publish(_ context.Context, event string, payload any) error {
	s.logger.Info("workflow event", zap.String("event", event), zap.Any("payload", payload))
	return nil
}

// Published is one event captured by a MemorySink.
type Published struct {
	Event   string
	Payload any
	At      time.Time
}

// MemorySink records events in memory. It can be told to fail.
type MemorySink struct {
	mu     sync.Mutex
	events []Published
	Err    error
}

// Publish implements EventSink.
func (s *MemorySink) Publish(_ context.Context, event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.events = append(s.events, Published{Event: event, Payload: payload, At: time.Now()})
	return nil
}

// Events returns a copy of the recorded events.
func (s *MemorySink) Events() []Published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Published(nil), s.events...)
}

// Named returns the recorded events with the given name.
func (s *MemorySink) Named(event string) []Published {
	var out []Published
	for _, p := range s.Events() {
		if p.Event == event {
			out = append(out, p)
		}
	}
	return out
}
