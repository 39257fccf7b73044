package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// flow is one strand of execution: the root run or a single branch. Each
// flow owns its queue, completed set, and loop iteration state; branch flows
// additionally own a cloned context.
type flow struct {
	label     string
	ctx       *execution.Context
	queue     *readyQueue
	completed map[string]*execution.NodeOutcome
	loops     map[string]int

	// pausedForks collects mid-fork snapshots when a pause request
	// interrupts forks running under this flow.
	pausedForks []checkpoint.ForkSnapshot
}

func newFlow(label string, ctx *execution.Context) *flow {
	return &flow{
		label:     label,
		ctx:       ctx,
		queue:     newReadyQueue(),
		completed: make(map[string]*execution.NodeOutcome),
		loops:     make(map[string]int),
	}
}

// record marks a node completed in this flow.
func (f *flow) record(outcome *execution.NodeOutcome) {
	f.completed[outcome.NodeID] = outcome
}

// run drives one workflow execution. It is owned by a single scheduler
// goroutine; branch goroutines touch only their own flow, the shared
// executor, and the outcome log.
type run struct {
	engine *Engine
	handle *RunHandle
	logger *zap.Logger

	graph    *workflow.Graph
	index    *workflow.Index
	handlers map[string]execution.Handler

	// loopOwner maps body node ids to their owning loop node id, resolved
	// once at load.
	loopOwner map[string]string

	root          *flow
	exec          *executor
	resourceNames []string
	startedAt     time.Time

	// outcomeMu guards the outcome log, appended to by branch goroutines.
	outcomeMu sync.Mutex
	outcomes  []execution.NodeOutcome

	pauseFlag  atomic.Bool
	cancelFlag atomic.Bool
	cancelRun  context.CancelFunc

	// pendingForks holds mid-fork snapshots assembled when a pause request
	// interrupted in-flight branches.
	pendingForks []checkpoint.ForkSnapshot

	// branchPendingScoped lists unreleased scoped handles observed in
	// paused branch contexts; they veto checkpoint capture.
	branchPendingScoped []string

	// resumedForks holds fork snapshots restored from a checkpoint, drained
	// before the queue on resume.
	resumedForks []checkpoint.ForkSnapshot
}

// requestPause asks the run to checkpoint and pause at the next node
// boundary.
func (r *run) requestPause() {
	r.pauseFlag.Store(true)
}

// requestCancel marks the run cancelled and interrupts in-flight waits.
func (r *run) requestCancel() {
	r.cancelFlag.Store(true)
	if r.cancelRun != nil {
		r.cancelRun()
	}
}

// appendOutcome adds a node outcome to the run-wide ordered log.
func (r *run) appendOutcome(outcome execution.NodeOutcome) {
	r.outcomeMu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.outcomeMu.Unlock()
}

// orderedOutcomes returns the outcome log sorted by sequence number.
func (r *run) orderedOutcomes() []execution.NodeOutcome {
	r.outcomeMu.Lock()
	out := make([]execution.NodeOutcome, len(r.outcomes))
	copy(out, r.outcomes)
	r.outcomeMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// loop is the scheduler: pop, execute, dispatch, repeat. Pause and cancel
// are observed only between node executions.
func (r *run) loop(ctx context.Context) {
	runCtx, span := r.engine.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.run_id", r.root.ctx.RunID()),
		attribute.String("workflow.id", r.graph.WorkflowID),
	))
	defer span.End()

	for {
		if r.cancelFlag.Load() {
			r.finishCancelled(runCtx)
			return
		}
		if r.pauseFlag.Load() {
			if r.captureAndPause(runCtx) {
				return
			}
			// Capture failed; the run stays RUNNING.
			continue
		}

		// Fork snapshots restored from a checkpoint (or suspended by a
		// failed capture) finish before the queue resumes draining.
		var err error
		if len(r.resumedForks) > 0 {
			snapshot := r.resumedForks[0]
			r.resumedForks = r.resumedForks[1:]
			err = r.resumeFork(runCtx, r.root, snapshot)
		} else {
			nodeID, ok := r.root.queue.Pop()
			if !ok {
				r.finishCompleted(runCtx)
				return
			}
			err = r.step(runCtx, r.root, nodeID)
			r.emitProgress(runCtx)
		}

		if err != nil {
			if isPauseSignal(err) {
				// A pause request interrupted in-flight branches; the
				// snapshots are captured on the next pass.
				r.collectPausedForks()
				continue
			}
			if r.cancelFlag.Load() || errors.IsCancelled(err) {
				r.finishCancelled(runCtx)
				return
			}
			r.finishFailed(runCtx, err)
			return
		}
	}
}

// step executes one node within a flow and dispatches its route. A returned
// error aborts the flow.
func (r *run) step(ctx context.Context, f *flow, nodeID string) error {
	node, err := r.index.MustNode(nodeID)
	if err != nil {
		return err
	}
	handler := r.handlers[nodeID]

	in := execution.Input{
		Node:      node,
		Context:   f.ctx,
		Values:    r.assembleInputs(f, nodeID),
		Iteration: r.iterationOf(f, node),
	}

	outcome, result := r.exec.run(ctx, node, handler, in)
	r.appendOutcome(outcome)
	f.record(&outcome)

	if outcome.Status == execution.StatusFailed {
		if node.OnError == workflow.OnErrorSkip {
			r.emit(ctx, telemetry.NewEvent(telemetry.EventNodeSkipped, f.ctx.RunID(), r.graph.WorkflowID).
				WithNode(node.ID, node.Name, node.Type).
				WithError(outcome.Error))
			r.enqueueAll(f, nodeID)
			return nil
		}
		// Preserve the outcome's taxonomy code (TIMEOUT vs NODE_FAILURE).
		return detailError(outcome.Error)
	}

	return r.dispatch(ctx, f, node, result)
}

// dispatch routes a successful result to the node's successors.
func (r *run) dispatch(ctx context.Context, f *flow, node *workflow.Node, result *execution.Result) error {
	route := result.Route
	switch route.Kind {
	case execution.RouteTerminal:
		return nil

	case execution.RouteFork:
		return r.runFork(ctx, f, node, route)

	case execution.RouteForEach:
		return r.runForEach(ctx, f, node, route)

	case execution.RouteSelected:
		if !r.index.IsControlFlow(node.ID) {
			r.enqueueAll(f, node.ID)
			return nil
		}
		if node.Type == workflow.TypeLoop {
			r.dispatchLoop(f, node, route.Ports)
			return nil
		}
		r.enqueueFrom(f, node.ID, route.Ports)
		return nil

	default:
		r.enqueueAll(f, node.ID)
		return nil
	}
}

// dispatchLoop handles a loop node's body/done selection: body re-entry
// advances the iteration counter and clears body nodes (and the loop node
// itself) from the completed set so the back edge can re-enqueue them; done
// clears the iteration state.
func (r *run) dispatchLoop(f *flow, node *workflow.Node, ports []string) {
	reenter := false
	for _, p := range ports {
		if p == workflow.PortBody {
			reenter = true
			break
		}
	}

	if reenter {
		f.loops[node.ID]++
		delete(f.completed, node.ID)
		for _, bodyID := range r.index.Body(node.ID) {
			delete(f.completed, bodyID)
		}
		r.enqueueFrom(f, node.ID, []string{workflow.PortBody})
		return
	}

	delete(f.loops, node.ID)
	r.enqueueFrom(f, node.ID, ports)
}

// enqueueAll enqueues every control successor of a node.
func (r *run) enqueueAll(f *flow, nodeID string) {
	r.enqueue(f, nodeID, r.index.Successors(nodeID))
}

// enqueueFrom enqueues the control successors reachable from the given
// source ports only.
func (r *run) enqueueFrom(f *flow, nodeID string, ports []string) {
	r.enqueue(f, nodeID, r.index.SuccessorsFrom(nodeID, ports))
}

// enqueue pushes node ids not yet completed and not already queued,
// honoring per-node priority tags. On convergence a successor waits until
// its last control predecessor completes: an earlier predecessor's firing
// is a no-op, and the final predecessor's firing admits the node.
func (r *run) enqueue(f *flow, source string, ids []string) {
	for _, id := range ids {
		if f.completed[id] != nil || f.queue.Contains(id) {
			continue
		}
		if !r.predecessorsDone(f, source, id) {
			continue
		}
		priority := false
		if node, ok := r.index.Node(id); ok {
			priority = node.Priority
		}
		f.queue.Push(id, priority)
	}
}

// predecessorsDone reports whether every control predecessor of id has
// completed in this flow (or before the fork, for branch flows). The firing
// source counts as complete, which re-admits loop body heads after
// dispatchLoop clears the iteration's completed set. Join nodes rendezvous
// in the branch coordinator and loop nodes sit on their own back edge, so
// both are admitted unconditionally.
func (r *run) predecessorsDone(f *flow, source, id string) bool {
	if node, ok := r.index.Node(id); ok {
		if node.Type == workflow.TypeJoin || node.Type == workflow.TypeLoop {
			return true
		}
	}
	for _, pred := range r.index.Predecessors(id) {
		if pred == source || f.completed[pred] != nil {
			continue
		}
		if f != r.root && r.root.completed[pred] != nil {
			continue
		}
		return false
	}
	return true
}

// assembleInputs resolves a node's DATA-port inputs from upstream outputs.
// The flow's own completed set wins over the root's, so branch-local
// outputs shadow pre-fork ones.
func (r *run) assembleInputs(f *flow, nodeID string) map[string]any {
	conns := r.index.DataInputs(nodeID)
	if len(conns) == 0 {
		return nil
	}
	values := make(map[string]any, len(conns))
	for _, c := range conns {
		outcome := f.completed[c.SourceNode]
		if outcome == nil && f != r.root {
			outcome = r.root.completed[c.SourceNode]
		}
		if outcome == nil || outcome.Output == nil {
			continue
		}
		if v, ok := outcome.Output[c.SourcePort]; ok {
			values[c.TargetPort] = v
		}
	}
	return values
}

// iterationOf returns the loop iteration a node executes under: its own
// counter for loop nodes, the owning loop's counter for body nodes.
func (r *run) iterationOf(f *flow, node *workflow.Node) int {
	if node.Type == workflow.TypeLoop {
		return f.loops[node.ID]
	}
	if owner, ok := r.loopOwner[node.ID]; ok {
		return f.loops[owner]
	}
	return 0
}

// --- terminal transitions -------------------------------------------------

func (r *run) finishCompleted(ctx context.Context) {
	r.releaseResources(ctx)
	if err := r.handle.transition(StateCompleted); err != nil {
		r.logger.Error("completed transition rejected", zap.Error(err))
	}
	r.emit(ctx, telemetry.NewEvent(telemetry.EventRunCompleted, r.root.ctx.RunID(), r.graph.WorkflowID))
	r.logger.Info("run completed",
		zap.String("runId", r.root.ctx.RunID()),
		zap.Int("nodes", len(r.outcomes)))
	r.handle.rest(r.report(StateCompleted, nil, ""), "")
}

func (r *run) finishFailed(ctx context.Context, cause error) {
	r.releaseResources(ctx)
	detail := execution.DetailFromError(cause)
	if err := r.handle.transition(StateFailed); err != nil {
		r.logger.Error("failed transition rejected", zap.Error(err))
	}
	r.emit(ctx, telemetry.NewEvent(telemetry.EventRunFailed, r.root.ctx.RunID(), r.graph.WorkflowID).
		WithError(detail))
	r.logger.Error("run failed",
		zap.String("runId", r.root.ctx.RunID()),
		zap.Error(cause))
	r.handle.rest(r.report(StateFailed, detail, ""), "")
}

func (r *run) finishCancelled(ctx context.Context) {
	r.releaseResources(ctx)
	if err := r.handle.transition(StateCancelled); err != nil {
		r.logger.Error("cancelled transition rejected", zap.Error(err))
	}
	r.emit(ctx, telemetry.NewEvent(telemetry.EventRunCancelled, r.root.ctx.RunID(), r.graph.WorkflowID))
	r.logger.Info("run cancelled",
		zap.String("runId", r.root.ctx.RunID()),
		zap.Int("abandoned", r.root.queue.Len()))
	r.handle.rest(r.report(StateCancelled, nil, ""), "")
}

// releaseResources best-effort releases scoped handles and returns shared
// handles to the provider.
func (r *run) releaseResources(ctx context.Context) {
	if err := r.root.ctx.ReleaseAllScoped(); err != nil {
		r.logger.Warn("scoped resource release failed", zap.Error(err))
	}
	if r.engine.cfg.Provider == nil {
		return
	}
	for name, handle := range r.root.ctx.Resources() {
		if err := r.engine.cfg.Provider.Release(ctx, handle); err != nil {
			r.logger.Warn("resource release failed",
				zap.String("resource", name), zap.Error(err))
		}
	}
}

// --- checkpointing --------------------------------------------------------

// capturedState assembles the scheduler state for checkpointing.
func (r *run) capturedState() *checkpoint.State {
	ordered := r.orderedOutcomes()
	return &checkpoint.State{
		RunID:         r.root.ctx.RunID(),
		WorkflowID:    r.graph.WorkflowID,
		Mode:          r.root.ctx.Mode(),
		Sequence:      r.exec.sequence.Load(),
		Queue:         r.root.queue.Snapshot(),
		Completed:     ordered,
		Variables:     r.root.ctx.Variables(),
		ResourceNames: r.resourceNames,
		Loops:         snapshotLoops(r.root.loops),
		Forks:         append(append([]checkpoint.ForkSnapshot(nil), r.pendingForks...), r.resumedForks...),
		PendingScoped: append(r.root.ctx.PendingScoped(), r.branchPendingScoped...),
	}
}

// captureCheckpoint captures the scheduler state and persists it through
// the repository, falling back to the in-memory store.
func (r *run) captureCheckpoint(ctx context.Context) (string, error) {
	cp, err := r.engine.manager.Capture(r.capturedState())
	if err != nil {
		return "", err
	}
	if r.engine.cfg.Repository != nil {
		if _, err := r.engine.cfg.Repository.SaveCheckpoint(ctx, cp); err != nil {
			return "", errors.CheckpointFailure("checkpoint persistence failed", err)
		}
	} else if err := r.engine.store.Save(ctx, cp); err != nil {
		return "", errors.CheckpointFailure("checkpoint persistence failed", err)
	}
	return cp.ID, nil
}

func (r *run) captureAndPause(ctx context.Context) bool {
	runID := r.root.ctx.RunID()
	checkpointID, err := r.captureCheckpoint(ctx)
	if err != nil {
		r.pauseFlag.Store(false)
		// Forks suspended for this capture resume ahead of the queue.
		r.resumedForks = append(r.resumedForks, r.pendingForks...)
		r.pendingForks = nil
		r.branchPendingScoped = nil
		r.logger.Error("checkpoint capture failed; run stays running",
			zap.String("runId", runID), zap.Error(err))
		r.emit(ctx, telemetry.NewEvent(telemetry.EventCheckpointFailed, runID, r.graph.WorkflowID).
			WithError(execution.DetailFromError(err)))
		return false
	}

	if err := r.handle.transition(StatePaused); err != nil {
		r.logger.Error("paused transition rejected", zap.Error(err))
	}
	r.emit(ctx, telemetry.NewEvent(telemetry.EventCheckpointSaved, runID, r.graph.WorkflowID).
		WithDetail("checkpointId", checkpointID))
	r.emit(ctx, telemetry.NewEvent(telemetry.EventRunPaused, runID, r.graph.WorkflowID))
	r.logger.Info("run paused",
		zap.String("runId", runID),
		zap.String("checkpointId", checkpointID))
	r.handle.rest(r.report(StatePaused, nil, checkpointID), checkpointID)
	return true
}

func (r *run) report(state RunState, detail *execution.ErrorDetail, checkpointID string) *Report {
	ended := time.Now().UTC()
	return &Report{
		RunID:        r.root.ctx.RunID(),
		WorkflowID:   r.graph.WorkflowID,
		State:        state,
		StartedAt:    r.startedAt,
		EndedAt:      ended,
		DurationMs:   ended.Sub(r.startedAt).Milliseconds(),
		Outcomes:     r.orderedOutcomes(),
		Variables:    r.root.ctx.Variables(),
		Error:        detail,
		CheckpointID: checkpointID,
	}
}

func (r *run) emit(ctx context.Context, event telemetry.Event) {
	r.engine.cfg.Sink.Emit(ctx, event)
}

// emitProgress reports completed/queued counts.
func (r *run) emitProgress(ctx context.Context) {
	r.emit(ctx, telemetry.NewEvent(telemetry.EventRunProgress, r.root.ctx.RunID(), r.graph.WorkflowID).
		WithDetail("completed", len(r.root.completed)).
		WithDetail("queued", r.root.queue.Len()))
}

// collectPausedForks moves fork snapshots stashed on the root flow into the
// checkpoint staging area.
func (r *run) collectPausedForks() {
	r.pendingForks = append(r.pendingForks, r.root.pausedForks...)
	r.root.pausedForks = nil
}

func snapshotLoops(loops map[string]int) map[string]int {
	if len(loops) == 0 {
		return nil
	}
	out := make(map[string]int, len(loops))
	for k, v := range loops {
		out[k] = v
	}
	return out
}

// detailError rebuilds an error from a serializable detail, preserving the
// taxonomy code.
func detailError(detail *execution.ErrorDetail) error {
	if detail == nil {
		return errors.ErrNodeFailure
	}
	return errors.NewError(detail.Code, detail.Message, nil)
}
