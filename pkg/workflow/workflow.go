// Package workflow defines the graph model the engine executes: nodes,
// ports, connections, and the index that resolves adjacency in O(1).
// Graphs are read-only once loaded; the engine never mutates them.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// PortKind distinguishes data-carrying ports from control-flow ports.
type PortKind string

const (
	// PortData ports carry values between nodes.
	PortData PortKind = "data"

	// PortControl ports carry flow edges.
	PortControl PortKind = "control"
)

// Port is a named connection point on a node.
type Port struct {
	Name string   `json:"name"`
	Kind PortKind `json:"kind"`
}

// ErrorAction selects how a node failure is handled once its retry budget
// is exhausted. There is no global default: an empty action means abort.
type ErrorAction string

const (
	// OnErrorRetry retries the node per its retry policy, then aborts.
	OnErrorRetry ErrorAction = "retry"

	// OnErrorSkip marks the node skipped and continues with its successors.
	OnErrorSkip ErrorAction = "skip"

	// OnErrorAbort fails the whole run.
	OnErrorAbort ErrorAction = "abort"
)

// RetryPolicy bounds retry-with-backoff for a single node.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int `json:"maxAttempts"`

	// BackoffMs is the delay before the second attempt, in milliseconds.
	BackoffMs int64 `json:"backoffMs"`

	// BackoffFactor multiplies the delay after each attempt. Values below
	// 1 are treated as 2.
	BackoffFactor float64 `json:"backoffFactor,omitempty"`
}

// Backoff returns the delay to wait before the given 1-based attempt.
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p == nil || p.BackoffMs <= 0 || attempt <= 1 {
		return 0
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	delay := float64(p.BackoffMs)
	for i := 2; i < attempt; i++ {
		delay *= factor
	}
	return time.Duration(delay) * time.Millisecond
}

// Node is a single unit of work in a graph. Type selects the handler in the
// registry; Config is opaque to the engine and decoded by the handler.
type Node struct {
	ID        string          `json:"nodeId"`
	Name      string          `json:"name,omitempty"`
	Type      string          `json:"type"`
	Config    json.RawMessage `json:"configuration,omitempty"`
	Inputs    []Port          `json:"inputs,omitempty"`
	Outputs   []Port          `json:"outputs,omitempty"`
	TimeoutMs int64           `json:"timeoutMs,omitempty"`
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	OnError   ErrorAction     `json:"onError,omitempty"`
	Priority  bool            `json:"priority,omitempty"`
}

// Timeout returns the node's time budget, or zero when the engine default
// applies.
func (n *Node) Timeout() time.Duration {
	if n.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// DisplayName returns the node name, falling back to the id.
func (n *Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// MaxAttempts returns the total attempt budget for the node. Nodes without
// a retry action or policy get exactly one attempt.
func (n *Node) MaxAttempts() int {
	if n.OnError != OnErrorRetry || n.Retry == nil || n.Retry.MaxAttempts < 1 {
		return 1
	}
	return n.Retry.MaxAttempts
}

// ConnectionKind distinguishes control edges from data edges.
type ConnectionKind string

const (
	// ConnectionControl edges drive execution order.
	ConnectionControl ConnectionKind = "control"

	// ConnectionData edges carry values from an output port to an input port.
	ConnectionData ConnectionKind = "data"
)

// Connection is a directed edge between two node ports.
type Connection struct {
	SourceNode string         `json:"sourceNode"`
	SourcePort string         `json:"sourcePort"`
	TargetNode string         `json:"targetNode"`
	TargetPort string         `json:"targetPort"`
	Kind       ConnectionKind `json:"kind"`
}

// Graph is a workflow definition: flat node and connection lists plus
// optional explicit entry nodes. When EntryNodes is empty, entries are the
// nodes with no incoming control connection.
type Graph struct {
	WorkflowID  string       `json:"workflowId"`
	Name        string       `json:"name,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
	EntryNodes  []string     `json:"entryNodes,omitempty"`
}

// ToBytes serializes the graph to JSON.
func (g *Graph) ToBytes() ([]byte, error) {
	return json.Marshal(g)
}

// FromBytes deserializes a graph from JSON.
func FromBytes(data []byte) (*Graph, error) {
	var g Graph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return &g, nil
}

// Validate checks the structural invariants: at least one node, unique node
// ids, connection endpoints present, control connections joining control
// ports, and explicit entry nodes present in the graph. It returns a
// STRUCTURAL error on the first violation.
func (g *Graph) Validate() error {
	if g == nil {
		return errors.Structural("graph is nil", nil)
	}
	if g.WorkflowID == "" {
		return errors.Structural("workflow id is required", nil)
	}
	if len(g.Nodes) == 0 {
		return errors.Structural("workflow has no nodes", nil)
	}

	seen := make(map[string]struct{}, len(g.Nodes))
	ports := make(map[string]map[string]PortKind, len(g.Nodes))
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return errors.Structural("node without id", nil)
		}
		if n.Type == "" {
			return errors.Structural(fmt.Sprintf("node %s has no type", n.ID), nil)
		}
		if _, dup := seen[n.ID]; dup {
			return errors.Structural(fmt.Sprintf("duplicate node id %s", n.ID), nil)
		}
		seen[n.ID] = struct{}{}

		kinds := make(map[string]PortKind, len(n.Inputs)+len(n.Outputs))
		for _, p := range n.Inputs {
			kinds[p.Name] = p.Kind
		}
		for _, p := range n.Outputs {
			kinds[p.Name] = p.Kind
		}
		ports[n.ID] = kinds
	}

	for i := range g.Connections {
		c := &g.Connections[i]
		if _, ok := seen[c.SourceNode]; !ok {
			return errors.Structural(fmt.Sprintf("connection references missing source node %s", c.SourceNode), nil)
		}
		if _, ok := seen[c.TargetNode]; !ok {
			return errors.Structural(fmt.Sprintf("connection references missing target node %s", c.TargetNode), nil)
		}
		if c.Kind == ConnectionControl {
			if kind, declared := ports[c.SourceNode][c.SourcePort]; declared && kind != PortControl {
				return errors.Structural(fmt.Sprintf("control connection leaves data port %s.%s", c.SourceNode, c.SourcePort), nil)
			}
			if kind, declared := ports[c.TargetNode][c.TargetPort]; declared && kind != PortControl {
				return errors.Structural(fmt.Sprintf("control connection enters data port %s.%s", c.TargetNode, c.TargetPort), nil)
			}
		}
	}

	for _, id := range g.EntryNodes {
		if _, ok := seen[id]; !ok {
			return errors.Structural(fmt.Sprintf("entry node %s not present in graph", id), nil)
		}
	}

	return nil
}
