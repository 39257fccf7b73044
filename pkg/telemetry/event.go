// Package telemetry defines the lifecycle events the engine emits and the
// sinks that transport them. The engine produces events; transport is the
// host's choice: log, NATS JetStream, Sentry, or any custom Sink.
package telemetry

import (
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunCompleted EventType = "run.completed"
	EventRunFailed    EventType = "run.failed"
	EventRunPaused    EventType = "run.paused"
	EventRunResumed   EventType = "run.resumed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunProgress  EventType = "run.progress"

	EventNodeStarted   EventType = "node.started"
	EventNodeCompleted EventType = "node.completed"
	EventNodeFailed    EventType = "node.failed"
	EventNodeSkipped   EventType = "node.skipped"
	EventNodeRetried   EventType = "node.retried"

	EventBranchStarted   EventType = "branch.started"
	EventBranchCompleted EventType = "branch.completed"
	EventForkJoined      EventType = "fork.joined"
	EventForEachBatch    EventType = "foreach.batch"

	EventCheckpointSaved  EventType = "checkpoint.saved"
	EventCheckpointFailed EventType = "checkpoint.failed"
)

// Progress carries run progress counts.
type Progress struct {
	Completed int `json:"completed"`
	Queued    int `json:"queued"`
	Running   int `json:"running"`
}

// Event is one lifecycle event. Node and branch fields are set when they
// apply; Detail carries event-specific values (batch numbers, checkpoint
// ids, merge labels).
type Event struct {
	ID         string    `json:"eventId"`
	Type       EventType `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId,omitempty"`

	NodeID      string `json:"nodeId,omitempty"`
	NodeName    string `json:"nodeName,omitempty"`
	NodeType    string `json:"nodeType,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	BranchLabel string `json:"branchLabel,omitempty"`
	ForkID      string `json:"forkId,omitempty"`

	Error    *execution.ErrorDetail `json:"error,omitempty"`
	Progress *Progress              `json:"progress,omitempty"`
	Detail   map[string]any         `json:"detail,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType EventType, runID, workflowID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		RunID:      runID,
		WorkflowID: workflowID,
	}
}

// WithNode attaches node identity to the event.
func (e Event) WithNode(nodeID, nodeName, nodeType string) Event {
	e.NodeID = nodeID
	e.NodeName = nodeName
	e.NodeType = nodeType
	return e
}

// WithBranch attaches branch identity to the event.
func (e Event) WithBranch(forkID, label string) Event {
	e.ForkID = forkID
	e.BranchLabel = label
	return e
}

// WithError attaches failure detail to the event.
func (e Event) WithError(detail *execution.ErrorDetail) Event {
	e.Error = detail
	return e
}

// WithDetail attaches one event-specific value.
func (e Event) WithDetail(key string, value any) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}
