// Package checkpoint captures and restores scheduler state for pause and
// resume. A checkpoint is a single serializable document holding the pending
// ready-queue, completed-node outcomes, context variables, loop iteration
// state, and in-flight fork snapshots. Resuming from a checkpoint reaches an
// end state equivalent to uninterrupted execution, given re-acquirable
// external resources.
package checkpoint

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/execution"
)

// Version is the checkpoint document version. Restore rejects documents
// with a different version rather than guessing at field meanings.
const Version = 1

// QueueEntry is one pending ready-queue entry.
type QueueEntry struct {
	NodeID   string `json:"nodeId"`
	Priority bool   `json:"priority,omitempty"`
}

// BranchSnapshot is the paused sub-state of one in-flight branch: its own
// ready-queue, completed set, and variable snapshot, plus any nested forks
// still in flight inside it.
type BranchSnapshot struct {
	Label     string                  `json:"label"`
	Queue     []QueueEntry            `json:"queue,omitempty"`
	Completed []execution.NodeOutcome `json:"completed,omitempty"`
	Variables map[string]any          `json:"variables,omitempty"`
	Forks     []ForkSnapshot          `json:"forks,omitempty"`

	// Arrived marks a branch that already reached the join before the
	// pause. Its variables are merge-ready.
	Arrived bool `json:"arrived,omitempty"`

	// Failed carries error detail for a branch that failed before the
	// pause under a fail-slow fork.
	Failed *execution.ErrorDetail `json:"failed,omitempty"`
}

// ForkSnapshot is an in-flight fork captured mid-run: the fork id, the
// declaring node, the expected join, and per-branch sub-state. Nested forks
// recurse through BranchSnapshot.Forks.
type ForkSnapshot struct {
	ForkID   string           `json:"forkId"`
	NodeID   string           `json:"nodeId"`
	JoinID   string           `json:"joinId,omitempty"`
	FailFast bool             `json:"failFast,omitempty"`
	Branches []BranchSnapshot `json:"branches"`
}

// State is the scheduler state assembled by the engine for capture and
// reconstructed on restore.
type State struct {
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	Mode       execution.Mode `json:"mode,omitempty"`
	Sequence   int64          `json:"sequence"`

	Queue     []QueueEntry            `json:"queue,omitempty"`
	Completed []execution.NodeOutcome `json:"completed,omitempty"`
	Variables map[string]any          `json:"variables,omitempty"`

	// ResourceNames lists the shared resources the run had acquired; the
	// resource provider re-acquires them on resume. Handles themselves are
	// never serialized.
	ResourceNames []string `json:"resourceNames,omitempty"`

	Loops map[string]int `json:"loops,omitempty"`
	Forks []ForkSnapshot `json:"forks,omitempty"`

	// PendingScoped lists unreleased scoped resource handles across the
	// run's contexts. A non-empty list makes the state unsafe to capture.
	PendingScoped []string `json:"-"`
}

// Checkpoint is a captured state document. Once emitted it is caller-owned;
// the engine never mutates it.
type Checkpoint struct {
	Version    int            `json:"version"`
	ID         string         `json:"checkpointId"`
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	CreatedAt  time.Time      `json:"createdAt"`
	Mode       execution.Mode `json:"mode,omitempty"`
	Sequence   int64          `json:"sequence"`

	Queue         []QueueEntry            `json:"queue,omitempty"`
	Completed     []execution.NodeOutcome `json:"completed,omitempty"`
	Variables     map[string]any          `json:"variables,omitempty"`
	ResourceNames []string                `json:"resourceNames,omitempty"`
	Loops         map[string]int          `json:"loops,omitempty"`
	Forks         []ForkSnapshot          `json:"forks,omitempty"`

	// encoded holds the bytes from the capture's single serialization
	// pass, so stores persist without re-marshaling.
	encoded []byte
}

// Encoded returns the JSON bytes produced by the capture pass.
func (c *Checkpoint) Encoded() []byte {
	return c.encoded
}
