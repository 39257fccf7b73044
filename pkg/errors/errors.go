package errors

import (
	"errors"
	"fmt"
)

// Error codes used across the engine. Every failure surfaced to the host
// carries exactly one of these.
const (
	// CodeStructural marks a malformed graph detected at load, before any
	// node runs.
	CodeStructural = "STRUCTURAL"

	// CodeNodeFailure marks a node that raised or returned failure.
	CodeNodeFailure = "NODE_FAILURE"

	// CodeTimeout marks a node that exceeded its time budget. It is a
	// NODE_FAILURE subtype and follows the same per-node recovery policy.
	CodeTimeout = "TIMEOUT"

	// CodeBranchFailure marks a branch failure escalated per the owning
	// fork's fail-fast policy.
	CodeBranchFailure = "BRANCH_FAILURE"

	// CodeCheckpointFailure marks state that could not be safely captured.
	// The run stays RUNNING when capture fails.
	CodeCheckpointFailure = "CHECKPOINT_FAILURE"

	// CodeCancelled marks a deliberate cancellation. It is a terminal
	// state, not an error condition.
	CodeCancelled = "CANCELLATION"
)

var (
	// ErrStructural indicates a malformed workflow graph.
	ErrStructural = errors.New("malformed workflow graph")

	// ErrNodeFailure indicates that a node raised or returned failure.
	ErrNodeFailure = errors.New("node execution failed")

	// ErrTimeout indicates that a node exceeded its time budget.
	ErrTimeout = errors.New("node execution timed out")

	// ErrBranchFailure indicates that a parallel branch failed.
	ErrBranchFailure = errors.New("branch execution failed")

	// ErrCheckpointFailure indicates that run state could not be captured.
	ErrCheckpointFailure = errors.New("checkpoint capture failed")

	// ErrCancelled indicates that the run was cancelled by the host.
	ErrCancelled = errors.New("run cancelled")

	// ErrRunNotFound indicates that no run is registered under the given id.
	ErrRunNotFound = errors.New("run not found")

	// ErrInvalidState indicates a state transition the run lifecycle forbids.
	ErrInvalidState = errors.New("invalid run state transition")

	// ErrUnknownNodeType indicates that no handler is registered for a
	// node's type tag.
	ErrUnknownNodeType = errors.New("unknown node type")

	// ErrQueueEmpty indicates a pop from an empty ready queue.
	ErrQueueEmpty = errors.New("ready queue is empty")
)

// Error represents a structured engine error.
type Error struct {
	// Code is a machine-readable error code from the taxonomy above.
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new engine error with an explicit code.
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Structural creates a STRUCTURAL error. Structural errors are fatal at
// load and abort before any node runs.
func Structural(message string, err error) *Error {
	if err == nil {
		err = ErrStructural
	}
	return NewError(CodeStructural, message, err)
}

// NodeFailure creates a NODE_FAILURE error.
func NodeFailure(message string, err error) *Error {
	if err == nil {
		err = ErrNodeFailure
	}
	return NewError(CodeNodeFailure, message, err)
}

// Timeout creates a TIMEOUT error.
func Timeout(message string, err error) *Error {
	if err == nil {
		err = ErrTimeout
	}
	return NewError(CodeTimeout, message, err)
}

// BranchFailure creates a BRANCH_FAILURE error.
func BranchFailure(message string, err error) *Error {
	if err == nil {
		err = ErrBranchFailure
	}
	return NewError(CodeBranchFailure, message, err)
}

// CheckpointFailure creates a CHECKPOINT_FAILURE error.
func CheckpointFailure(message string, err error) *Error {
	if err == nil {
		err = ErrCheckpointFailure
	}
	return NewError(CodeCheckpointFailure, message, err)
}

// Cancelled creates a CANCELLATION error.
func Cancelled(message string, err error) *Error {
	if err == nil {
		err = ErrCancelled
	}
	return NewError(CodeCancelled, message, err)
}

// CodeOf returns the taxonomy code carried by err, or empty when err is not
// an engine error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || CodeOf(err) == CodeTimeout
}

// IsCancelled checks if an error is a cancellation error
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || CodeOf(err) == CodeCancelled
}

// IsStructural checks if an error is a structural graph error
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural) || CodeOf(err) == CodeStructural
}

// IsCheckpointFailure checks if an error is a checkpoint capture failure
func IsCheckpointFailure(err error) bool {
	return errors.Is(err, ErrCheckpointFailure) || CodeOf(err) == CodeCheckpointFailure
}

// IsRetryable determines whether a failure may be retried under a node's
// retry policy. Cancellation and structural errors are never retryable;
// timeouts are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancelled(err) || IsStructural(err) {
		return false
	}
	if IsTimeout(err) {
		return true
	}
	return errors.Is(err, ErrNodeFailure) || CodeOf(err) == CodeNodeFailure
}

// NodeError wraps an error with the identity of the node that produced it.
type NodeError struct {
	// NodeID is the ID of the node that caused the error
	NodeID string
	// NodeName is the human-readable name of the node
	NodeName string
	// NodeType is the type tag of the node
	NodeType string
	// Attempt is the 1-based attempt on which the error occurred
	Attempt int
	// Phase indicates which phase of execution failed
	Phase string
	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	name := e.NodeName
	if name == "" {
		name = e.NodeID
	}
	if e.Attempt > 1 {
		return fmt.Sprintf("node %s (%s) [%s] attempt %d during %s: %v",
			name, e.NodeID, e.NodeType, e.Attempt, e.Phase, e.Cause)
	}
	return fmt.Sprintf("node %s (%s) [%s] during %s: %v",
		name, e.NodeID, e.NodeType, e.Phase, e.Cause)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Cause
}

// NewNodeError creates a new node error.
func NewNodeError(nodeID, nodeName, nodeType string, attempt int, phase string, cause error) *NodeError {
	return &NodeError{
		NodeID:   nodeID,
		NodeName: nodeName,
		NodeType: nodeType,
		Attempt:  attempt,
		Phase:    phase,
		Cause:    cause,
	}
}
