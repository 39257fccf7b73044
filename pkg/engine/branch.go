package engine

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// errForkPaused signals that a pause request interrupted in-flight branches.
// The fork's snapshot has been stashed on the owning flow; the scheduler
// proceeds to checkpoint capture.
var errForkPaused = stderrors.New("fork interrupted by pause request")

// isPauseSignal reports whether an error is the pause interruption signal.
func isPauseSignal(err error) bool {
	return stderrors.Is(err, errForkPaused)
}

// branchRun is one concurrent branch of a fork: its own flow over a cloned
// context, driven to the matching join or a terminal node.
type branchRun struct {
	label string
	flow  *flow

	// resumeForks holds nested fork snapshots to finish before the branch
	// queue resumes draining, set on restore.
	resumeForks []checkpoint.ForkSnapshot

	arrived bool
	joinID  string
	paused  bool
	failed  *execution.ErrorDetail
	err     error
}

// runFork drives a Fork route: clone the parent context per branch, drive
// each branch concurrently under the engine-wide admission gate, rendezvous
// at the join, merge in sorted label order, then execute the join node in
// the parent flow.
func (r *run) runFork(ctx context.Context, parent *flow, node *workflow.Node, route execution.Route) error {
	branches := make([]*branchRun, 0, len(route.Branches))
	for _, label := range route.Branches {
		b := &branchRun{label: label}
		b.flow = newFlow(label, parent.ctx.CloneForBranch(label))
		r.enqueue(b.flow, node.ID, r.index.PortTargets(node.ID, label))
		branches = append(branches, b)
	}
	return r.coordinate(ctx, parent, node.ID, route.ForkID, route.FailFast, "", branches)
}

// resumeFork finishes a fork restored from a checkpoint: arrived branches
// are merge-ready, paused branches resume from their own queue and
// completed set, failed branches keep their recorded error.
func (r *run) resumeFork(ctx context.Context, parent *flow, snapshot checkpoint.ForkSnapshot) error {
	branches := make([]*branchRun, 0, len(snapshot.Branches))
	for _, bs := range snapshot.Branches {
		b := &branchRun{label: bs.Label}
		b.flow = newFlow(bs.Label, parent.ctx.CloneForBranch(bs.Label))
		b.flow.ctx.SetAll(bs.Variables)

		switch {
		case bs.Arrived:
			b.arrived = true
			b.joinID = snapshot.JoinID
		case bs.Failed != nil:
			b.failed = bs.Failed
		default:
			b.flow.queue = restoreQueue(bs.Queue)
			for i := range bs.Completed {
				b.flow.record(&bs.Completed[i])
			}
			b.resumeForks = bs.Forks
		}
		branches = append(branches, b)
	}
	return r.coordinate(ctx, parent, snapshot.NodeID, snapshot.ForkID, snapshot.FailFast, snapshot.JoinID, branches)
}

// coordinate is the rendezvous machinery shared by fresh and resumed forks.
func (r *run) coordinate(ctx context.Context, parent *flow, nodeID, forkID string, failFast bool, joinID string, branches []*branchRun) error {
	runID := parent.ctx.RunID()

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	// Only top-level forks pass the admission gate. A nested fork's parent
	// branch holds a slot across this rendezvous; admitting its children
	// through the same gate would deadlock once the gate saturates, so
	// nested branches ride the parent's slot instead.
	gated := parent == r.root

	var wg sync.WaitGroup
	for _, b := range branches {
		if b.arrived || b.failed != nil {
			continue
		}
		wg.Add(1)
		go func(b *branchRun) {
			defer wg.Done()

			if gated {
				if err := r.engine.limiter.Acquire(branchCtx); err != nil {
					b.err = errors.Cancelled("branch "+b.label+" never admitted", err)
					return
				}
				defer r.engine.limiter.Release()
			}

			r.emit(branchCtx, telemetry.NewEvent(telemetry.EventBranchStarted, runID, r.graph.WorkflowID).
				WithBranch(forkID, b.label))
			r.driveBranch(branchCtx, b, forkID)
			r.emit(branchCtx, telemetry.NewEvent(telemetry.EventBranchCompleted, runID, r.graph.WorkflowID).
				WithBranch(forkID, b.label))

			if b.err != nil && failFast && !b.paused {
				cancelBranches()
			}
		}(b)
	}
	wg.Wait()

	// A pause request caught any branch mid-flight: snapshot the whole fork
	// and hand it to the checkpoint path.
	for _, b := range branches {
		if b.paused {
			parent.pausedForks = append(parent.pausedForks, r.snapshotFork(nodeID, forkID, failFast, joinID, branches))
			return errForkPaused
		}
	}

	// First failure under fail-fast aborts the run.
	if failFast {
		for _, b := range branches {
			if b.err != nil && !errors.IsCancelled(b.err) {
				return errors.BranchFailure("branch "+b.label+" failed", b.err)
			}
		}
	}
	for _, b := range branches {
		if b.err != nil && errors.IsCancelled(b.err) && r.cancelFlag.Load() {
			return errors.Cancelled("run cancelled during fork", b.err)
		}
	}

	// Merge deterministically: sorted label order, failed branches recorded
	// as error entries instead of variables.
	sort.Slice(branches, func(i, j int) bool { return branches[i].label < branches[j].label })
	for _, b := range branches {
		if detail := b.failureDetail(); detail != nil {
			parent.ctx.SetBranchResult(b.label, map[string]any{"error": map[string]any{
				"code":    detail.Code,
				"message": detail.Message,
			}})
			continue
		}
		if joinID == "" {
			joinID = b.joinID
		}
		parent.ctx.MergeFrom(b.flow.ctx)
	}

	r.emit(ctx, telemetry.NewEvent(telemetry.EventForkJoined, runID, r.graph.WorkflowID).
		WithBranch(forkID, "").
		WithDetail("branches", len(branches)))
	r.logger.Debug("fork joined",
		zap.String("runId", runID),
		zap.String("forkId", forkID),
		zap.String("joinId", joinID))

	// The join node itself executes once, in the parent flow.
	if joinID != "" {
		return r.step(ctx, parent, joinID)
	}
	return nil
}

// driveBranch is the branch's mini-scheduler: pop, execute, dispatch, until
// the matching join, a terminal node, a failure, or a pause request.
func (r *run) driveBranch(ctx context.Context, b *branchRun, forkID string) {
	for _, nested := range b.resumeForks {
		if err := r.resumeFork(ctx, b.flow, nested); err != nil {
			if isPauseSignal(err) {
				b.paused = true
				return
			}
			b.err = err
			return
		}
	}
	b.resumeForks = nil

	for {
		if r.pauseFlag.Load() {
			b.paused = true
			return
		}
		if ctx.Err() != nil {
			b.err = errors.Cancelled("branch "+b.label+" cancelled", ctx.Err())
			return
		}

		nodeID, ok := b.flow.queue.Pop()
		if !ok {
			return
		}

		node, err := r.index.MustNode(nodeID)
		if err != nil {
			b.err = err
			return
		}
		if node.Type == workflow.TypeJoin {
			qualified := nodes.JoinForkID(node)
			if qualified == "" || qualified == forkID {
				b.arrived = true
				b.joinID = nodeID
				return
			}
		}

		if err := r.step(ctx, b.flow, nodeID); err != nil {
			if isPauseSignal(err) {
				b.paused = true
				return
			}
			b.err = err
			return
		}
	}
}

// failureDetail returns the branch's failure as a serializable detail, nil
// for successful branches.
func (b *branchRun) failureDetail() *execution.ErrorDetail {
	if b.failed != nil {
		return b.failed
	}
	if b.err != nil {
		return execution.DetailFromError(b.err)
	}
	return nil
}

// snapshotFork captures the fork's per-branch sub-state for a mid-fork
// checkpoint.
func (r *run) snapshotFork(nodeID, forkID string, failFast bool, joinID string, branches []*branchRun) checkpoint.ForkSnapshot {
	snapshot := checkpoint.ForkSnapshot{
		ForkID:   forkID,
		NodeID:   nodeID,
		JoinID:   joinID,
		FailFast: failFast,
	}
	for _, b := range branches {
		bs := checkpoint.BranchSnapshot{Label: b.label}
		switch {
		case b.arrived:
			bs.Arrived = true
			bs.Variables = b.flow.ctx.Variables()
			if snapshot.JoinID == "" {
				snapshot.JoinID = b.joinID
			}
		case b.failureDetail() != nil:
			bs.Failed = b.failureDetail()
		default:
			bs.Queue = b.flow.queue.Snapshot()
			bs.Completed = orderedFlowOutcomes(b.flow)
			bs.Variables = b.flow.ctx.Variables()
			bs.Forks = b.flow.pausedForks
			r.branchPendingScoped = append(r.branchPendingScoped, b.flow.ctx.PendingScoped()...)
		}
		snapshot.Branches = append(snapshot.Branches, bs)
	}
	return snapshot
}

// orderedFlowOutcomes returns a flow's completed outcomes in sequence order.
func orderedFlowOutcomes(f *flow) []execution.NodeOutcome {
	if len(f.completed) == 0 {
		return nil
	}
	out := make([]execution.NodeOutcome, 0, len(f.completed))
	for _, o := range f.completed {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

