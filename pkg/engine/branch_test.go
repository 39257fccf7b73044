package engine

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// forkGraph builds fork → three branches → join → after, with a
// configurable per-branch head node.
func forkGraph(t *testing.T, failFast bool, branchNode func(label string) workflow.Node) *workflow.Graph {
	t.Helper()
	ns := []workflow.Node{
		tnode(t, "split", workflow.TypeFork, map[string]any{
			"forkId":   "f1",
			"branches": []string{"a", "b", "c"},
			"failFast": failFast,
		}),
		tnode(t, "merge", workflow.TypeJoin, map[string]any{"forkId": "f1"}),
		tnode(t, "after", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"joined": true}}),
	}
	var cs []workflow.Connection
	for _, label := range []string{"a", "b", "c"} {
		n := branchNode(label)
		ns = append(ns, n)
		cs = append(cs, ctrl("split", label, n.ID))
		cs = append(cs, ctrl(n.ID, "out", "merge"))
	}
	cs = append(cs, ctrl("merge", "out", "after"))
	return testGraph("wf-fork", ns, cs)
}

func TestForkJoinMergesBranchesUnderNamespacedKeys(t *testing.T) {
	counts := map[string]int{"a": 5, "b": 7, "c": 9}
	g := forkGraph(t, true, func(label string) workflow.Node {
		return tnode(t, "work-"+label, workflow.TypeSetVar, map[string]any{
			"variables": map[string]any{"count": counts[label]},
		})
	})

	eng := testEngine(t)
	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}

	for label, want := range counts {
		got := report.Variables[label+"_count"]
		if got != float64(want) && got != int64(want) && got != want {
			t.Fatalf("%s_count = %v, want %d", label, got, want)
		}
	}
	results, ok := report.Variables[execution.ResultsKey].(map[string]any)
	if !ok {
		t.Fatalf("results missing: %v", report.Variables[execution.ResultsKey])
	}
	for _, label := range []string{"a", "b", "c"} {
		if _, ok := results[label]; !ok {
			t.Fatalf("results[%s] missing", label)
		}
	}
	if report.Variables["joined"] != true {
		t.Fatal("post-join node did not run")
	}
	if report.Executions("merge") != 1 {
		t.Fatalf("join ran %d times, want 1", report.Executions("merge"))
	}

	for _, label := range []string{"a", "b", "c"} {
		outcome, ok := report.Outcome("work-" + label)
		if !ok {
			t.Fatalf("no outcome for work-%s", label)
		}
		if outcome.BranchLabel != label {
			t.Fatalf("work-%s branch label = %q", label, outcome.BranchLabel)
		}
	}
}

// Branch finish order must not affect the merge: the slowest branch winning
// or losing the race changes nothing observable.
func TestForkMergeIndependentOfArrivalOrder(t *testing.T) {
	delays := map[string]int{"a": 120, "b": 10, "c": 60}
	g := forkGraph(t, true, func(label string) workflow.Node {
		return tnode(t, "work-"+label, workflow.TypeScript, map[string]any{
			"source":    `"done-" + label`,
			"resultVar": "tag",
		})
	})
	// Prepend a wait per branch so completion order is c-before-a etc.
	for label, ms := range delays {
		g.Nodes = append(g.Nodes, tnode(t, "nap-"+label, workflow.TypeWait, map[string]any{"durationMs": ms}))
	}
	var rewired []workflow.Connection
	for _, c := range g.Connections {
		if c.SourceNode == "split" {
			label := c.SourcePort
			rewired = append(rewired,
				ctrl("split", label, "nap-"+label),
				ctrl("nap-"+label, "out", c.TargetNode))
			continue
		}
		rewired = append(rewired, c)
	}
	g.Connections = rewired

	eng := testEngine(t)
	_, report := runToEnd(t, eng, g, map[string]any{"label": "x"}, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	results, _ := report.Variables[execution.ResultsKey].(map[string]any)
	if len(results) != 3 {
		t.Fatalf("results has %d entries, want 3", len(results))
	}
	for _, label := range []string{"a", "b", "c"} {
		if report.Variables[label+"_tag"] != "done-x" {
			t.Fatalf("%s_tag = %v", label, report.Variables[label+"_tag"])
		}
	}
}

// Each branch writes the same variable name; clones must not bleed into
// each other or back into the parent outside the namespaced merge.
func TestForkBranchContextsAreIsolated(t *testing.T) {
	g := forkGraph(t, true, func(label string) workflow.Node {
		return tnode(t, "work-"+label, workflow.TypeSetVar, map[string]any{
			"variables": map[string]any{"v": label},
		})
	})

	eng := testEngine(t)
	_, report := runToEnd(t, eng, g, map[string]any{"v": "parent"}, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	// The parent's own binding survives; branch writes surface only under
	// their labels.
	if report.Variables["v"] != "parent" {
		t.Fatalf("v = %v, want parent", report.Variables["v"])
	}
	for _, label := range []string{"a", "b", "c"} {
		if report.Variables[label+"_v"] != label {
			t.Fatalf("%s_v = %v", label, report.Variables[label+"_v"])
		}
	}
}

func TestForkFailFastCancelsSiblingsAndFailsRun(t *testing.T) {
	g := forkGraph(t, true, func(label string) workflow.Node {
		if label == "a" {
			return workflow.Node{ID: "work-a", Type: workflow.TypeFail,
				Config: json.RawMessage(`{"message":"branch a exploded"}`)}
		}
		return tnode(t, "work-"+label, workflow.TypeWait, map[string]any{"durationMs": 5000})
	})

	eng := testEngine(t)
	started := time.Now()
	_, report := runToEnd(t, eng, g, nil, nil)
	elapsed := time.Since(started)

	if report.State != StateFailed {
		t.Fatalf("state = %s, want %s", report.State, StateFailed)
	}
	if report.Error == nil || report.Error.Code != errors.CodeBranchFailure {
		t.Fatalf("error = %+v, want code %s", report.Error, errors.CodeBranchFailure)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("fail-fast took %s, siblings were not cancelled", elapsed)
	}
	if report.Executions("after") != 0 {
		t.Fatal("post-join node ran after branch failure")
	}
}

func TestForkFailSlowRecordsErrorEntryAndCompletes(t *testing.T) {
	g := forkGraph(t, false, func(label string) workflow.Node {
		if label == "a" {
			return workflow.Node{ID: "work-a", Type: workflow.TypeFail,
				Config: json.RawMessage(`{"message":"branch a exploded"}`)}
		}
		return tnode(t, "work-"+label, workflow.TypeSetVar, map[string]any{
			"variables": map[string]any{"ok": true},
		})
	})

	eng := testEngine(t)
	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}

	results, _ := report.Variables[execution.ResultsKey].(map[string]any)
	entryA, ok := results["a"].(map[string]any)
	if !ok {
		t.Fatalf("results[a] = %v, want error entry", results["a"])
	}
	errEntry, ok := entryA["error"].(map[string]any)
	if !ok {
		t.Fatalf("results[a] lacks error: %v", entryA)
	}
	if errEntry["code"] != errors.CodeNodeFailure {
		t.Fatalf("results[a].error.code = %v", errEntry["code"])
	}
	// Healthy siblings still merge normally.
	if report.Variables["b_ok"] != true || report.Variables["c_ok"] != true {
		t.Fatal("surviving branches did not merge")
	}
	if report.Variables["joined"] != true {
		t.Fatal("post-join node did not run")
	}
}

func TestNestedForkCompletesUnderSingleBranchSlot(t *testing.T) {
	// Branch a forks again while holding the only admission slot; the
	// inner branches must still make progress.
	eng := testEngine(t, func(cfg *Config) { cfg.MaxBranches = 1 })
	g := testGraph("wf-nested-fork", []workflow.Node{
		tnode(t, "outer-split", workflow.TypeFork, map[string]any{
			"forkId":   "f1",
			"branches": []string{"a", "b"},
			"failFast": true,
		}),
		tnode(t, "inner-split", workflow.TypeFork, map[string]any{
			"forkId":   "f2",
			"branches": []string{"x", "y"},
			"failFast": true,
		}),
		tnode(t, "deep-x", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"vx": 1}}),
		tnode(t, "deep-y", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"vy": 2}}),
		tnode(t, "inner-merge", workflow.TypeJoin, map[string]any{"forkId": "f2"}),
		tnode(t, "work-a", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"wa": true}}),
		tnode(t, "work-b", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"wb": true}}),
		tnode(t, "merge", workflow.TypeJoin, map[string]any{"forkId": "f1"}),
		tnode(t, "after", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"done": true}}),
	}, []workflow.Connection{
		ctrl("outer-split", "a", "inner-split"),
		ctrl("inner-split", "x", "deep-x"),
		ctrl("inner-split", "y", "deep-y"),
		ctrl("deep-x", "out", "inner-merge"),
		ctrl("deep-y", "out", "inner-merge"),
		ctrl("inner-merge", "out", "work-a"),
		ctrl("work-a", "out", "merge"),
		ctrl("outer-split", "b", "work-b"),
		ctrl("work-b", "out", "merge"),
		ctrl("merge", "out", "after"),
	})

	started := time.Now()
	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	if elapsed := time.Since(started); elapsed > 5*time.Second {
		t.Fatalf("nested fork took %v", elapsed)
	}
	if report.Variables["done"] != true {
		t.Fatal("post-join node did not run")
	}
	for _, key := range []string{"a_x_vx", "a_y_vy", "a_wa", "b_wb"} {
		if _, ok := report.Variables[key]; !ok {
			t.Fatalf("merged variable %s missing; have %v", key, report.Variables)
		}
	}
	if report.Executions("inner-merge") != 1 || report.Executions("merge") != 1 {
		t.Fatalf("joins ran inner=%d outer=%d, want 1 each",
			report.Executions("inner-merge"), report.Executions("merge"))
	}
}

func TestForEachProcessesBatchesInOrder(t *testing.T) {
	sink := &recordingSink{}
	eng := testEngine(t, func(cfg *Config) { cfg.Sink = sink })
	g := testGraph("wf-foreach", []workflow.Node{
		tnode(t, "fanout", workflow.TypeForEach, map[string]any{
			"items":     []int{10, 20, 30, 40, 50},
			"batchSize": 2,
			"resultVar": "doubled",
		}),
		tnode(t, "worker", workflow.TypeScript, map[string]any{
			"source":    "item * 2",
			"resultVar": "result",
		}),
		tnode(t, "end", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"finished": true}}),
	}, []workflow.Connection{
		ctrl("fanout", workflow.PortEach, "worker"),
		ctrl("fanout", workflow.PortDone, "end"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}

	if n := report.Executions("worker"); n != 5 {
		t.Fatalf("worker ran %d times, want 5", n)
	}
	// 5 items at batch size 2 → batches [2,2,1].
	if n := sink.count(telemetry.EventForEachBatch); n != 3 {
		t.Fatalf("foreach.batch = %d, want 3", n)
	}

	raw, ok := report.Variables["doubled"].([]any)
	if !ok {
		t.Fatalf("doubled = %v (%T)", report.Variables["doubled"], report.Variables["doubled"])
	}
	want := []int64{20, 40, 60, 80, 100}
	if len(raw) != len(want) {
		t.Fatalf("doubled has %d entries, want %d", len(raw), len(want))
	}
	for i, w := range want {
		if asInt64(t, raw[i]) != w {
			t.Fatalf("doubled[%d] = %v, want %d", i, raw[i], w)
		}
	}
	if report.Variables["finished"] != true {
		t.Fatal("done port not taken")
	}
}

func TestForEachDefaultResultVariable(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-foreach-default", []workflow.Node{
		tnode(t, "fanout", workflow.TypeForEach, map[string]any{
			"items": []string{"x", "y"},
		}),
		tnode(t, "worker", workflow.TypeNoop, nil),
	}, []workflow.Connection{
		ctrl("fanout", workflow.PortEach, "worker"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	raw, ok := report.Variables["fanout_results"].([]any)
	if !ok || len(raw) != 2 {
		t.Fatalf("fanout_results = %v", report.Variables["fanout_results"])
	}
	// No result variable set by the body: items pass through unchanged.
	if raw[0] != "x" || raw[1] != "y" {
		t.Fatalf("fanout_results = %v, want [x y]", raw)
	}
}

func asInt64(t *testing.T, v any) int64 {
	t.Helper()
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	default:
		t.Fatalf("not numeric: %v (%T)", v, v)
		return 0
	}
}
