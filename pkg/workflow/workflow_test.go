package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

func linearGraph() *Graph {
	return &Graph{
		WorkflowID: "wf-linear",
		Nodes: []Node{
			{ID: "a", Type: TypeNoop},
			{ID: "b", Type: TypeNoop},
			{ID: "c", Type: TypeNoop},
		},
		Connections: []Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "b", SourcePort: "out", TargetNode: "c", TargetPort: "in", Kind: ConnectionControl},
		},
	}
}

func TestValidateAcceptsWellFormedGraph(t *testing.T) {
	if err := linearGraph().Validate(); err != nil {
		t.Fatalf("expected valid graph, got %v", err)
	}
}

func TestValidateStructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Graph)
		wantMsg string
	}{
		{
			name:    "empty workflow id",
			mutate:  func(g *Graph) { g.WorkflowID = "" },
			wantMsg: "workflow id is required",
		},
		{
			name:    "no nodes",
			mutate:  func(g *Graph) { g.Nodes = nil; g.Connections = nil },
			wantMsg: "no nodes",
		},
		{
			name:    "duplicate node id",
			mutate:  func(g *Graph) { g.Nodes = append(g.Nodes, Node{ID: "a", Type: TypeNoop}) },
			wantMsg: "duplicate node id a",
		},
		{
			name: "missing source node",
			mutate: func(g *Graph) {
				g.Connections = append(g.Connections, Connection{SourceNode: "ghost", TargetNode: "a", Kind: ConnectionControl})
			},
			wantMsg: "missing source node ghost",
		},
		{
			name: "missing target node",
			mutate: func(g *Graph) {
				g.Connections = append(g.Connections, Connection{SourceNode: "a", TargetNode: "ghost", Kind: ConnectionControl})
			},
			wantMsg: "missing target node ghost",
		},
		{
			name: "control connection on data port",
			mutate: func(g *Graph) {
				g.Nodes[0].Outputs = []Port{{Name: "value", Kind: PortData}}
				g.Connections = append(g.Connections, Connection{
					SourceNode: "a", SourcePort: "value", TargetNode: "c", TargetPort: "in", Kind: ConnectionControl,
				})
			},
			wantMsg: "control connection leaves data port a.value",
		},
		{
			name:    "entry node not in graph",
			mutate:  func(g *Graph) { g.EntryNodes = []string{"ghost"} },
			wantMsg: "entry node ghost not present",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := linearGraph()
			tt.mutate(g)
			err := g.Validate()
			if err == nil {
				t.Fatalf("expected structural error, got nil")
			}
			if !errors.IsStructural(err) {
				t.Errorf("expected STRUCTURAL classification, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestGraphJSONShape(t *testing.T) {
	data := []byte(`{
		"workflowId": "wf-1",
		"nodes": [
			{"nodeId": "start", "type": "noop"},
			{"nodeId": "check", "type": "condition", "configuration": {"expression": "x > 1"}, "timeoutMs": 250, "priority": true}
		],
		"connections": [
			{"sourceNode": "start", "sourcePort": "out", "targetNode": "check", "targetPort": "in", "kind": "control"}
		]
	}`)

	g, err := FromBytes(data)
	if err != nil {
		t.Fatalf("FromBytes failed: %v", err)
	}
	if g.WorkflowID != "wf-1" {
		t.Errorf("workflow id = %q, want wf-1", g.WorkflowID)
	}
	if len(g.Nodes) != 2 || g.Nodes[1].Type != TypeCondition {
		t.Fatalf("unexpected nodes: %+v", g.Nodes)
	}
	if g.Nodes[1].Timeout() != 250*time.Millisecond {
		t.Errorf("timeout = %v, want 250ms", g.Nodes[1].Timeout())
	}
	if !g.Nodes[1].Priority {
		t.Errorf("expected priority node")
	}
	if err := g.Validate(); err != nil {
		t.Errorf("parsed graph should validate: %v", err)
	}

	round, err := g.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes failed: %v", err)
	}
	if !strings.Contains(string(round), `"nodeId":"start"`) {
		t.Errorf("serialized graph missing camelCase nodeId: %s", round)
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	tests := []struct {
		name    string
		policy  *RetryPolicy
		attempt int
		want    time.Duration
	}{
		{"nil policy", nil, 3, 0},
		{"first attempt has no delay", &RetryPolicy{MaxAttempts: 3, BackoffMs: 100}, 1, 0},
		{"second attempt uses base", &RetryPolicy{MaxAttempts: 3, BackoffMs: 100}, 2, 100 * time.Millisecond},
		{"default factor doubles", &RetryPolicy{MaxAttempts: 4, BackoffMs: 100}, 3, 200 * time.Millisecond},
		{"explicit factor", &RetryPolicy{MaxAttempts: 4, BackoffMs: 100, BackoffFactor: 3}, 3, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.policy.Backoff(tt.attempt); got != tt.want {
				t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestNodeMaxAttempts(t *testing.T) {
	plain := Node{ID: "n", Type: TypeNoop}
	if got := plain.MaxAttempts(); got != 1 {
		t.Errorf("plain node attempts = %d, want 1", got)
	}

	retrying := Node{ID: "n", Type: TypeNoop, OnError: OnErrorRetry, Retry: &RetryPolicy{MaxAttempts: 4}}
	if got := retrying.MaxAttempts(); got != 4 {
		t.Errorf("retrying node attempts = %d, want 4", got)
	}

	skipOnly := Node{ID: "n", Type: TypeNoop, OnError: OnErrorSkip, Retry: &RetryPolicy{MaxAttempts: 4}}
	if got := skipOnly.MaxAttempts(); got != 1 {
		t.Errorf("skip node attempts = %d, want 1", got)
	}
}
