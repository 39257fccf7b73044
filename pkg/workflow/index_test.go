package workflow

import (
	"reflect"
	"sort"
	"testing"
)

func forkGraph() *Graph {
	return &Graph{
		WorkflowID: "wf-fork",
		Nodes: []Node{
			{ID: "start", Type: TypeNoop},
			{ID: "split", Type: TypeFork},
			{ID: "left", Type: TypeNoop},
			{ID: "right", Type: TypeNoop},
			{ID: "merge", Type: TypeJoin},
			{ID: "end", Type: TypeNoop},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "out", TargetNode: "split", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "split", SourcePort: "a", TargetNode: "left", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "split", SourcePort: "b", TargetNode: "right", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "left", SourcePort: "out", TargetNode: "merge", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "right", SourcePort: "out", TargetNode: "merge", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "merge", SourcePort: "out", TargetNode: "end", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "start", SourcePort: "value", TargetNode: "end", TargetPort: "seed", Kind: ConnectionData},
		},
	}
}

func TestIndexAdjacency(t *testing.T) {
	idx, err := NewIndex(forkGraph())
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}

	if got := idx.EntryNodes(); !reflect.DeepEqual(got, []string{"start"}) {
		t.Errorf("entries = %v, want [start]", got)
	}

	succ := idx.Successors("split")
	sort.Strings(succ)
	if !reflect.DeepEqual(succ, []string{"left", "right"}) {
		t.Errorf("successors(split) = %v", succ)
	}

	if got := idx.SuccessorsFrom("split", []string{"a"}); !reflect.DeepEqual(got, []string{"left"}) {
		t.Errorf("successors from port a = %v, want [left]", got)
	}
	if got := idx.PortTargets("split", "b"); !reflect.DeepEqual(got, []string{"right"}) {
		t.Errorf("port targets b = %v, want [right]", got)
	}

	pred := idx.Predecessors("merge")
	sort.Strings(pred)
	if !reflect.DeepEqual(pred, []string{"left", "right"}) {
		t.Errorf("predecessors(merge) = %v", pred)
	}

	data := idx.DataInputs("end")
	if len(data) != 1 || data[0].SourceNode != "start" || data[0].TargetPort != "seed" {
		t.Errorf("data inputs(end) = %+v", data)
	}
	if got := idx.Successors("start"); !reflect.DeepEqual(got, []string{"split"}) {
		t.Errorf("data edge leaked into control successors: %v", got)
	}

	if idx.IsControlFlow("start") {
		t.Errorf("noop must not be control-flow")
	}
	if !idx.IsControlFlow("split") || !idx.IsControlFlow("merge") {
		t.Errorf("fork/join must be control-flow")
	}
}

func TestIndexExtendedControlFlowTypes(t *testing.T) {
	g := linearGraph()
	g.Nodes[1].Type = "custom-gate"

	idx, err := NewIndex(g, WithControlFlowTypes("custom-gate"))
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	if !idx.IsControlFlow("b") {
		t.Errorf("custom-gate should be control-flow after extension")
	}
}

func TestIndexExplicitEntries(t *testing.T) {
	g := linearGraph()
	g.EntryNodes = []string{"b"}

	idx, err := NewIndex(g)
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	if got := idx.EntryNodes(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Errorf("entries = %v, want [b]", got)
	}
}

func TestIndexRejectsEntrylessCycle(t *testing.T) {
	g := &Graph{
		WorkflowID: "wf-cycle",
		Nodes: []Node{
			{ID: "a", Type: TypeNoop},
			{ID: "b", Type: TypeNoop},
		},
		Connections: []Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "b", SourcePort: "out", TargetNode: "a", TargetPort: "in", Kind: ConnectionControl},
		},
	}
	if _, err := NewIndex(g); err == nil {
		t.Fatalf("expected structural error for graph without entries")
	}
}

func TestIndexLoopBody(t *testing.T) {
	g := &Graph{
		WorkflowID: "wf-loop",
		Nodes: []Node{
			{ID: "start", Type: TypeNoop},
			{ID: "again", Type: TypeLoop},
			{ID: "work", Type: TypeNoop},
			{ID: "more", Type: TypeNoop},
			{ID: "after", Type: TypeNoop},
		},
		Connections: []Connection{
			{SourceNode: "start", SourcePort: "out", TargetNode: "again", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "again", SourcePort: PortBody, TargetNode: "work", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "work", SourcePort: "out", TargetNode: "more", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "more", SourcePort: "out", TargetNode: "again", TargetPort: "in", Kind: ConnectionControl},
			{SourceNode: "again", SourcePort: PortDone, TargetNode: "after", TargetPort: "in", Kind: ConnectionControl},
		},
	}

	idx, err := NewIndex(g)
	if err != nil {
		t.Fatalf("NewIndex failed: %v", err)
	}
	if got := idx.Body("again"); !reflect.DeepEqual(got, []string{"more", "work"}) {
		t.Errorf("loop body = %v, want [more work]", got)
	}
	if idx.Body("start") != nil {
		t.Errorf("non-loop node should have no body")
	}
}
