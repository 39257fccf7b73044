package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/resource"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// recordingSink keeps emitted events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (s *recordingSink) Emit(ctx context.Context, event telemetry.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(eventType telemetry.EventType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.events {
		if s.events[i].Type == eventType {
			n++
		}
	}
	return n
}

func testRegistry(t *testing.T) *execution.Registry {
	t.Helper()
	registry := execution.NewRegistry()
	if err := nodes.RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}
	return registry
}

func testEngine(t *testing.T, mutate ...func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig().
		WithLogger(zap.NewNop()).
		WithRegistry(testRegistry(t)).
		WithSink(telemetry.NoopSink{})
	for _, m := range mutate {
		m(&cfg)
	}
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func tnode(t *testing.T, id, typeTag string, config map[string]any) workflow.Node {
	t.Helper()
	node := workflow.Node{ID: id, Type: typeTag}
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			t.Fatalf("marshal config: %v", err)
		}
		node.Config = raw
	}
	return node
}

func ctrl(source, sourcePort, target string) workflow.Connection {
	return workflow.Connection{
		SourceNode: source,
		SourcePort: sourcePort,
		TargetNode: target,
		TargetPort: "in",
		Kind:       workflow.ConnectionControl,
	}
}

func dataEdge(source, sourcePort, target, targetPort string) workflow.Connection {
	return workflow.Connection{
		SourceNode: source,
		SourcePort: sourcePort,
		TargetNode: target,
		TargetPort: targetPort,
		Kind:       workflow.ConnectionData,
	}
}

func testGraph(id string, ns []workflow.Node, cs []workflow.Connection) *workflow.Graph {
	return &workflow.Graph{WorkflowID: id, Nodes: ns, Connections: cs}
}

// runToEnd starts the graph and waits for the handle to settle.
func runToEnd(t *testing.T, eng *Engine, g *workflow.Graph, inputs map[string]any, opts *StartOptions) (*RunHandle, *Report) {
	t.Helper()
	handle, err := eng.Start(context.Background(), g, inputs, opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := handle.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	return handle, handle.Report()
}

func TestSequentialChainRunsEachNodeOnce(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-chain", []workflow.Node{
		tnode(t, "a", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"step": "a"}}),
		tnode(t, "b", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"step": "b"}}),
		tnode(t, "c", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"step": "c"}}),
	}, []workflow.Connection{
		ctrl("a", "out", "b"),
		ctrl("b", "out", "c"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, want %s", report.State, StateCompleted)
	}
	for _, id := range []string{"a", "b", "c"} {
		if n := report.Executions(id); n != 1 {
			t.Fatalf("node %s ran %d times, want 1", id, n)
		}
	}
	// Predecessor order is reflected in the outcome sequence.
	seqA, _ := report.Outcome("a")
	seqB, _ := report.Outcome("b")
	seqC, _ := report.Outcome("c")
	if !(seqA.Sequence < seqB.Sequence && seqB.Sequence < seqC.Sequence) {
		t.Fatalf("sequence order a=%d b=%d c=%d", seqA.Sequence, seqB.Sequence, seqC.Sequence)
	}
	if report.Variables["step"] != "c" {
		t.Fatalf("step = %v, want c", report.Variables["step"])
	}
}

func TestConditionRoutesSelectedPortOnly(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-cond", []workflow.Node{
		tnode(t, "check", workflow.TypeCondition, map[string]any{"expression": "x > 3"}),
		tnode(t, "yes", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"took": "yes"}}),
		tnode(t, "no", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"took": "no"}}),
	}, []workflow.Connection{
		ctrl("check", workflow.PortTrue, "yes"),
		ctrl("check", workflow.PortFalse, "no"),
	})

	_, report := runToEnd(t, eng, g, map[string]any{"x": 5}, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if report.Executions("yes") != 1 || report.Executions("no") != 0 {
		t.Fatalf("yes ran %d, no ran %d", report.Executions("yes"), report.Executions("no"))
	}
	if report.Variables["took"] != "yes" {
		t.Fatalf("took = %v", report.Variables["took"])
	}
}

func TestDataEdgeCarriesOutputToInputPort(t *testing.T) {
	eng := testEngine(t, func(cfg *Config) {
		cfg.Registry.MustRegister("emit", func(node *workflow.Node) (execution.Handler, error) {
			return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
				return execution.Success(map[string]any{"value": "hello"}), nil
			}), nil
		})
	})
	g := testGraph("wf-data", []workflow.Node{
		tnode(t, "src", "emit", nil),
		tnode(t, "up", workflow.TypeText, map[string]any{"operation": "upper"}),
	}, []workflow.Connection{
		ctrl("src", "out", "up"),
		dataEdge("src", "value", "up", "in"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	outcome, ok := report.Outcome("up")
	if !ok {
		t.Fatal("no outcome for up")
	}
	if outcome.Output["result"] != "HELLO" {
		t.Fatalf("result = %v, want HELLO", outcome.Output["result"])
	}
}

func TestConvergentNodeWaitsForAllPredecessors(t *testing.T) {
	eng := testEngine(t)
	// Two entry chains converging on c: a→c directly, b→d→c. c must not
	// run on a's completion alone.
	g := testGraph("wf-converge", []workflow.Node{
		tnode(t, "a", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"ran": "a"}}),
		tnode(t, "b", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"ran": "b"}}),
		tnode(t, "d", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"ran": "d"}}),
		tnode(t, "c", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"ran": "c"}}),
	}, []workflow.Connection{
		ctrl("a", "out", "c"),
		ctrl("b", "out", "d"),
		ctrl("d", "out", "c"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if n := report.Executions(id); n != 1 {
			t.Fatalf("%s ran %d times, want 1", id, n)
		}
	}
	cOut, _ := report.Outcome("c")
	dOut, _ := report.Outcome("d")
	aOut, _ := report.Outcome("a")
	if cOut.Sequence < dOut.Sequence {
		t.Fatalf("c (seq %d) ran before its predecessor d (seq %d)", cOut.Sequence, dOut.Sequence)
	}
	if cOut.Sequence < aOut.Sequence {
		t.Fatalf("c (seq %d) ran before its predecessor a (seq %d)", cOut.Sequence, aOut.Sequence)
	}
}

func TestRetryPolicySucceedsOnThirdAttempt(t *testing.T) {
	sink := &recordingSink{}
	eng := testEngine(t, func(cfg *Config) { cfg.Sink = sink })
	g := testGraph("wf-retry", []workflow.Node{
		{
			ID:      "flaky",
			Type:    workflow.TypeFail,
			Config:  json.RawMessage(`{"message":"transient","succeedAfter":3}`),
			OnError: workflow.OnErrorRetry,
			Retry:   &workflow.RetryPolicy{MaxAttempts: 3, BackoffMs: 1},
		},
	}, nil)

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	outcome, _ := report.Outcome("flaky")
	if outcome.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", outcome.Attempts)
	}
	if sink.count(telemetry.EventNodeRetried) != 2 {
		t.Fatalf("node.retried = %d, want 2", sink.count(telemetry.EventNodeRetried))
	}
}

func TestReturnedFailureConsumesRetryBudget(t *testing.T) {
	var calls atomic.Int32
	sink := &recordingSink{}
	eng := testEngine(t, func(cfg *Config) {
		cfg.Sink = sink
		cfg.Registry.MustRegister("soft-fail", func(node *workflow.Node) (execution.Handler, error) {
			return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
				if calls.Add(1) < 3 {
					// Failure returned as a result, not raised as an error.
					return execution.Failure(errors.NodeFailure("not ready", errors.ErrNodeFailure)), nil
				}
				return execution.Success(map[string]any{"ready": true}), nil
			}), nil
		})
	})
	g := testGraph("wf-soft-retry", []workflow.Node{
		{
			ID:      "soft",
			Type:    "soft-fail",
			OnError: workflow.OnErrorRetry,
			Retry:   &workflow.RetryPolicy{MaxAttempts: 3, BackoffMs: 1},
		},
	}, nil)

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("handler invoked %d times, want 3", got)
	}
	outcome, _ := report.Outcome("soft")
	if outcome.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", outcome.Attempts)
	}
	if sink.count(telemetry.EventNodeRetried) != 2 {
		t.Fatalf("node.retried = %d, want 2", sink.count(telemetry.EventNodeRetried))
	}
}

func TestOnErrorSkipContinuesWithSuccessors(t *testing.T) {
	sink := &recordingSink{}
	eng := testEngine(t, func(cfg *Config) { cfg.Sink = sink })
	g := testGraph("wf-skip", []workflow.Node{
		{ID: "broken", Type: workflow.TypeFail, Config: json.RawMessage(`{"message":"nope"}`), OnError: workflow.OnErrorSkip},
		tnode(t, "after", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"reached": true}}),
	}, []workflow.Connection{
		ctrl("broken", "out", "after"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if report.Executions("after") != 1 {
		t.Fatal("successor did not run after skipped node")
	}
	if sink.count(telemetry.EventNodeSkipped) != 1 {
		t.Fatalf("node.skipped = %d, want 1", sink.count(telemetry.EventNodeSkipped))
	}
}

func TestNodeFailureAbortsRunWithNodeFailureCode(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-abort", []workflow.Node{
		{ID: "broken", Type: workflow.TypeFail, Config: json.RawMessage(`{"message":"boom"}`)},
		tnode(t, "after", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"reached": true}}),
	}, []workflow.Connection{
		ctrl("broken", "out", "after"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateFailed {
		t.Fatalf("state = %s, want %s", report.State, StateFailed)
	}
	if report.Error == nil || report.Error.Code != errors.CodeNodeFailure {
		t.Fatalf("error = %+v, want code %s", report.Error, errors.CodeNodeFailure)
	}
	if report.Executions("after") != 0 {
		t.Fatal("successor ran after aborting failure")
	}
}

func TestNodeTimeoutFailsRunWithoutBlockingScheduler(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-timeout", []workflow.Node{
		{ID: "slow", Type: workflow.TypeWait, Config: json.RawMessage(`{"durationMs":2000}`), TimeoutMs: 100},
	}, nil)

	started := time.Now()
	_, report := runToEnd(t, eng, g, nil, nil)
	elapsed := time.Since(started)

	if report.State != StateFailed {
		t.Fatalf("state = %s", report.State)
	}
	if report.Error == nil || report.Error.Code != errors.CodeTimeout {
		t.Fatalf("error = %+v, want code %s", report.Error, errors.CodeTimeout)
	}
	if elapsed > time.Second {
		t.Fatalf("run took %s, timeout did not release the scheduler", elapsed)
	}
}

func TestCancelStopsRunBetweenNodes(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-cancel", []workflow.Node{
		{ID: "slow", Type: workflow.TypeWait, Config: json.RawMessage(`{"durationMs":5000}`)},
		tnode(t, "after", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"reached": true}}),
	}, []workflow.Connection{
		ctrl("slow", "out", "after"),
	})

	handle, err := eng.Start(context.Background(), g, nil, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := eng.Cancel(handle.RunID()); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if state != StateCancelled {
		t.Fatalf("state = %s, want %s", state, StateCancelled)
	}
	if handle.Report().Executions("after") != 0 {
		t.Fatal("successor ran after cancellation")
	}
}

func TestPriorityNodesDrainBeforeFIFO(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-priority", []workflow.Node{
		tnode(t, "entry", workflow.TypeNoop, nil),
		tnode(t, "normal", workflow.TypeNoop, nil),
		{ID: "urgent", Type: workflow.TypeNoop, Priority: true},
	}, []workflow.Connection{
		ctrl("entry", "out", "normal"),
		ctrl("entry", "out", "urgent"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	urgent, _ := report.Outcome("urgent")
	normal, _ := report.Outcome("normal")
	if urgent.Sequence >= normal.Sequence {
		t.Fatalf("urgent seq %d not before normal seq %d", urgent.Sequence, normal.Sequence)
	}
}

func TestLoopCountExecutesBodyNTimes(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-loop", []workflow.Node{
		tnode(t, "cycle", workflow.TypeLoop, map[string]any{"count": 3}),
		tnode(t, "body", workflow.TypeScript, map[string]any{
			"source":    "typeof n === 'undefined' ? 1 : n + 1",
			"resultVar": "n",
		}),
		tnode(t, "end", workflow.TypeSetVar, map[string]any{"variables": map[string]any{"finished": true}}),
	}, []workflow.Connection{
		ctrl("cycle", workflow.PortBody, "body"),
		ctrl("body", "out", "cycle"),
		ctrl("cycle", workflow.PortDone, "end"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s, error = %+v", report.State, report.Error)
	}
	if n := report.Executions("body"); n != 3 {
		t.Fatalf("body ran %d times, want 3", n)
	}
	// Three body passes plus the final done evaluation.
	if n := report.Executions("cycle"); n != 4 {
		t.Fatalf("loop ran %d times, want 4", n)
	}
	if report.Executions("end") != 1 {
		t.Fatal("done port not taken")
	}
	if got := report.Variables["n"]; got != int64(3) && got != float64(3) {
		t.Fatalf("n = %v (%T), want 3", got, got)
	}
}

func TestStartRejectsStructurallyInvalidGraph(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-dup", []workflow.Node{
		tnode(t, "a", workflow.TypeNoop, nil),
		tnode(t, "a", workflow.TypeNoop, nil),
	}, nil)

	_, err := eng.Start(context.Background(), g, nil, nil)
	if err == nil {
		t.Fatal("expected structural error for duplicate node id")
	}
	if !errors.IsStructural(err) {
		t.Fatalf("err = %v, want STRUCTURAL", err)
	}
}

func TestStartRejectsUnknownNodeType(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-unknown", []workflow.Node{
		tnode(t, "mystery", "does-not-exist", nil),
	}, nil)

	if _, err := eng.Start(context.Background(), g, nil, nil); err == nil {
		t.Fatal("expected error for unknown node type")
	}
}

func TestUnknownRunIDReturnsErrRunNotFound(t *testing.T) {
	eng := testEngine(t)
	if _, err := eng.Status("missing"); !stderrors.Is(err, errors.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
	if err := eng.Cancel("missing"); !stderrors.Is(err, errors.ErrRunNotFound) {
		t.Fatalf("err = %v, want ErrRunNotFound", err)
	}
}

func TestSharedResourcesAcquiredAndReleased(t *testing.T) {
	provider := resource.NewMemoryProvider()
	provider.RegisterResource("db", "conn-string")
	eng := testEngine(t, func(cfg *Config) { cfg.Provider = provider })

	g := testGraph("wf-res", []workflow.Node{
		tnode(t, "only", workflow.TypeNoop, nil),
	}, nil)

	_, report := runToEnd(t, eng, g, nil, &StartOptions{Resources: []string{"db"}})
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if provider.AcquireCount("db") != 1 || provider.ReleaseCount("db") != 1 {
		t.Fatalf("acquire=%d release=%d, want 1/1",
			provider.AcquireCount("db"), provider.ReleaseCount("db"))
	}
}

func TestStartSeedsInputsAndOptionVariables(t *testing.T) {
	eng := testEngine(t)
	g := testGraph("wf-seed", []workflow.Node{
		tnode(t, "check", workflow.TypeCondition, map[string]any{"expression": "a + b == 3"}),
		tnode(t, "yes", workflow.TypeNoop, nil),
	}, []workflow.Connection{
		ctrl("check", workflow.PortTrue, "yes"),
	})

	_, report := runToEnd(t, eng, g,
		map[string]any{"a": 1},
		&StartOptions{Variables: map[string]any{"b": 2}})
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if report.Executions("yes") != 1 {
		t.Fatal("seeded variables not visible to condition")
	}
}

func TestRunProgressEventsEmitted(t *testing.T) {
	sink := &recordingSink{}
	eng := testEngine(t, func(cfg *Config) { cfg.Sink = sink })
	g := testGraph("wf-progress", []workflow.Node{
		tnode(t, "a", workflow.TypeNoop, nil),
		tnode(t, "b", workflow.TypeNoop, nil),
	}, []workflow.Connection{
		ctrl("a", "out", "b"),
	})

	_, report := runToEnd(t, eng, g, nil, nil)
	if report.State != StateCompleted {
		t.Fatalf("state = %s", report.State)
	}
	if sink.count(telemetry.EventRunStarted) != 1 {
		t.Fatal("run.started not emitted")
	}
	if sink.count(telemetry.EventRunCompleted) != 1 {
		t.Fatal("run.completed not emitted")
	}
	if sink.count(telemetry.EventNodeCompleted) != 2 {
		t.Fatalf("node.completed = %d, want 2", sink.count(telemetry.EventNodeCompleted))
	}
	if sink.count(telemetry.EventRunProgress) == 0 {
		t.Fatal("no run.progress events")
	}
}
