package telemetry

import (
	"context"

	"github.com/getsentry/sentry-go"
)

// SentrySink forwards failure events to Sentry. Non-failure lifecycle
// events are ignored; Sentry is an error tracker, not an event bus.
type SentrySink struct {
	hub *sentry.Hub
}

// NewSentrySink creates a sink reporting through the given hub. A nil hub
// uses the process-wide current hub, assuming the host called sentry.Init.
func NewSentrySink(hub *sentry.Hub) *SentrySink {
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return &SentrySink{hub: hub}
}

// Emit implements Sink.
func (s *SentrySink) Emit(ctx context.Context, event Event) {
	switch event.Type {
	case EventNodeFailed, EventRunFailed, EventCheckpointFailed:
	default:
		return
	}

	sentryEvent := sentry.NewEvent()
	sentryEvent.Level = sentry.LevelError
	sentryEvent.Message = string(event.Type)
	sentryEvent.Tags = map[string]string{
		"run_id":      event.RunID,
		"workflow_id": event.WorkflowID,
		"event_type":  string(event.Type),
	}
	if event.NodeID != "" {
		sentryEvent.Tags["node_id"] = event.NodeID
		sentryEvent.Tags["node_type"] = event.NodeType
	}
	if event.BranchLabel != "" {
		sentryEvent.Tags["branch"] = event.BranchLabel
	}
	if event.Error != nil {
		sentryEvent.Message = event.Error.Message
		sentryEvent.Tags["error_code"] = event.Error.Code
		sentryEvent.Extra = map[string]any{
			"retryable": event.Error.Retryable,
			"attempt":   event.Attempt,
		}
	}

	s.hub.CaptureEvent(sentryEvent)
}
