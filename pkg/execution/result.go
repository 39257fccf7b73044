package execution

import (
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Status is the terminal status of a single node execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// RouteKind tags the Route variant a result declares.
type RouteKind string

const (
	// RouteSequential continues to all control successors.
	RouteSequential RouteKind = "sequential"

	// RouteSelected continues only through the named source ports. Honored
	// for control-flow node types; other nodes fall back to sequential.
	RouteSelected RouteKind = "selected"

	// RouteFork splits execution into concurrent branches.
	RouteFork RouteKind = "fork"

	// RouteForEach runs the node's body sub-graph once per item, batched.
	RouteForEach RouteKind = "foreach"

	// RouteTerminal ends the path; no successors are enqueued.
	RouteTerminal RouteKind = "terminal"
)

// Route is the tagged variant through which a node steers dispatch. The zero
// value is Sequential.
type Route struct {
	Kind RouteKind `json:"kind,omitempty"`

	// Ports names the selected source ports for RouteSelected.
	Ports []string `json:"ports,omitempty"`

	// ForkID pairs a fork with its join for RouteFork.
	ForkID string `json:"forkId,omitempty"`

	// Branches are the branch labels for RouteFork.
	Branches []string `json:"branches,omitempty"`

	// FailFast aborts all siblings on the first branch failure.
	FailFast bool `json:"failFast,omitempty"`

	// Items are the values iterated by RouteForEach.
	Items []any `json:"items,omitempty"`

	// BatchSize bounds intra-batch concurrency for RouteForEach.
	BatchSize int `json:"batchSize,omitempty"`

	// ResultVar names the context variable receiving the ordered for-each
	// results. Empty means "{nodeID}_results".
	ResultVar string `json:"resultVar,omitempty"`
}

// ErrorDetail is the serializable failure shape carried on results and
// reported to the host.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// DetailFromError classifies an error into an ErrorDetail using the engine
// taxonomy.
func DetailFromError(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.CodeNodeFailure
	}
	return &ErrorDetail{
		Code:      code,
		Message:   err.Error(),
		Retryable: errors.IsRetryable(err),
	}
}

// Result is the outcome a node reports for one execution. The executor
// stamps Sequence, StartedAt, EndedAt, and Attempt after the handler
// returns.
type Result struct {
	Status Status         `json:"status"`
	Output map[string]any `json:"output,omitempty"`
	Route  Route          `json:"route,omitempty"`
	Error  *ErrorDetail   `json:"error,omitempty"`

	// SkipReason explains a skipped node.
	SkipReason string `json:"skipReason,omitempty"`

	Sequence  int64     `json:"sequence,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
}

// Success creates a successful sequential result with the given outputs.
func Success(output map[string]any) *Result {
	return &Result{Status: StatusSuccess, Output: output}
}

// Failure creates a failed result from an error.
func Failure(err error) *Result {
	return &Result{Status: StatusFailed, Error: DetailFromError(err)}
}

// Skip creates a skipped result.
func Skip(reason string) *Result {
	return &Result{Status: StatusSkipped, SkipReason: reason, Route: Route{Kind: RouteSequential}}
}

// WithSelected narrows dispatch to the named source ports.
func (r *Result) WithSelected(ports ...string) *Result {
	r.Route = Route{Kind: RouteSelected, Ports: ports}
	return r
}

// WithFork declares concurrent branches paired with a join by fork id.
func (r *Result) WithFork(forkID string, failFast bool, branches ...string) *Result {
	r.Route = Route{Kind: RouteFork, ForkID: forkID, Branches: branches, FailFast: failFast}
	return r
}

// WithForEach declares a batched parallel iteration over items.
func (r *Result) WithForEach(items []any, batchSize int, resultVar string) *Result {
	r.Route = Route{Kind: RouteForEach, Items: items, BatchSize: batchSize, ResultVar: resultVar}
	return r
}

// WithTerminal ends the path at this node.
func (r *Result) WithTerminal() *Result {
	r.Route = Route{Kind: RouteTerminal}
	return r
}

// IsSuccess reports whether the node ended successfully or was skipped.
func (r *Result) IsSuccess() bool {
	return r.Status == StatusSuccess || r.Status == StatusSkipped
}

// NodeOutcome is the per-node report entry surfaced to the host. The host
// receives every node's individual outcome, not merely the first error.
type NodeOutcome struct {
	NodeID     string         `json:"nodeId"`
	NodeName   string         `json:"nodeName,omitempty"`
	NodeType   string         `json:"nodeType"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	Sequence   int64          `json:"sequence"`
	StartedAt  time.Time      `json:"startedAt"`
	EndedAt    time.Time      `json:"endedAt"`
	DurationMs int64          `json:"durationMs"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *ErrorDetail   `json:"error,omitempty"`

	// BranchLabel is set for nodes executed inside a parallel branch.
	BranchLabel string `json:"branchLabel,omitempty"`
}
