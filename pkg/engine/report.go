package engine

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// Report is the host-facing record of a finished (or paused) run: the final
// state plus every node's individual outcome in execution order. The host
// always receives all outcomes, not merely the first error.
type Report struct {
	RunID      string                  `json:"runId"`
	WorkflowID string                  `json:"workflowId"`
	State      RunState                `json:"state"`
	StartedAt  time.Time               `json:"startedAt"`
	EndedAt    time.Time               `json:"endedAt"`
	DurationMs int64                   `json:"durationMs"`
	Outcomes   []execution.NodeOutcome `json:"outcomes"`

	// Variables is a snapshot of the root context when the run ended,
	// merged branch results included.
	Variables map[string]any `json:"variables,omitempty"`

	// Error is the failure that ended the run, nil for COMPLETED, PAUSED,
	// and CANCELLED.
	Error *execution.ErrorDetail `json:"error,omitempty"`

	// CheckpointID is set when the run paused and a checkpoint was taken.
	CheckpointID string `json:"checkpointId,omitempty"`
}

// Outcome returns the recorded outcome for a node id. For nodes executed
// more than once (loop bodies) the latest outcome wins.
func (r *Report) Outcome(nodeID string) (execution.NodeOutcome, bool) {
	for i := len(r.Outcomes) - 1; i >= 0; i-- {
		if r.Outcomes[i].NodeID == nodeID {
			return r.Outcomes[i], true
		}
	}
	return execution.NodeOutcome{}, false
}

// Executions counts how many times a node ran.
func (r *Report) Executions(nodeID string) int {
	n := 0
	for i := range r.Outcomes {
		if r.Outcomes[i].NodeID == nodeID {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that ended in failure.
func (r *Report) Failed() []execution.NodeOutcome {
	var failed []execution.NodeOutcome
	for i := range r.Outcomes {
		if r.Outcomes[i].Status == execution.StatusFailed {
			failed = append(failed, r.Outcomes[i])
		}
	}
	return failed
}
