package engine

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/iteration"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.uber.org/zap"
)

// runForEach drives a ForEach route: partition the items into batches,
// process batches strictly in sequence with intra-batch concurrency on the
// iteration pool, collect per-item results in original item order, store the
// aggregate under the node's result variable, and continue from the node's
// successors.
func (r *run) runForEach(ctx context.Context, parent *flow, node *workflow.Node, route execution.Route) error {
	resultVar := route.ResultVar
	if resultVar == "" {
		resultVar = node.ID + "_results"
	}

	body := r.index.PortTargets(node.ID, workflow.PortEach)
	batches := iteration.CreateBatches(route.Items, route.BatchSize)
	// Intra-batch concurrency is bounded by the pool's own workers, not the
	// branch admission gate: a for-each inside a branch already holds a
	// branch slot, and re-acquiring per item could deadlock a full gate.
	pool := iteration.NewPool(r.engine.cfg.PoolWorkers, nil)
	runID := parent.ctx.RunID()

	results := make([]any, len(route.Items))
	for batchNo, batch := range batches {
		if r.cancelFlag.Load() || ctx.Err() != nil {
			return errors.Cancelled("run cancelled during for-each", ctx.Err())
		}

		r.emit(ctx, telemetry.NewEvent(telemetry.EventForEachBatch, runID, r.graph.WorkflowID).
			WithNode(node.ID, node.Name, node.Type).
			WithDetail("batch", batchNo).
			WithDetail("size", len(batch)))

		itemResults := pool.Run(ctx, batch, func(itemCtx context.Context, item iteration.Item) (any, error) {
			return r.processItem(itemCtx, parent, node, body, item)
		})

		for _, ir := range itemResults {
			if ir.Err != nil {
				return errors.NodeFailure(
					fmt.Sprintf("for-each %s item %d failed", node.ID, ir.Index), ir.Err)
			}
			results[ir.Index] = ir.Output
		}
	}

	parent.ctx.Set(resultVar, results)
	r.logger.Debug("for-each completed",
		zap.String("runId", runID),
		zap.String("nodeId", node.ID),
		zap.Int("items", len(route.Items)),
		zap.Int("batches", len(batches)))

	r.enqueueForEachSuccessors(parent, node)
	return nil
}

// processItem runs the for-each body for one item on an isolated branch
// context with item and index injected. The item's result is the body's
// "result" variable, falling back to the item value when the body (or an
// empty body) sets none.
func (r *run) processItem(ctx context.Context, parent *flow, node *workflow.Node, body []string, item iteration.Item) (any, error) {
	child := newFlow(
		fmt.Sprintf("%s#%d", node.ID, item.Index),
		parent.ctx.CloneForBranch(fmt.Sprintf("%s#%d", node.ID, item.Index)),
	)
	child.ctx.Set("item", item.Value)
	child.ctx.Set("index", item.Index)
	r.enqueue(child, node.ID, body)

	for {
		if ctx.Err() != nil {
			return nil, errors.Cancelled("for-each item cancelled", ctx.Err())
		}
		nodeID, ok := child.queue.Pop()
		if !ok {
			break
		}
		if err := r.step(ctx, child, nodeID); err != nil {
			return nil, err
		}
	}

	return child.ctx.Get("result", item.Value), nil
}

// enqueueForEachSuccessors continues from the done port when wired,
// otherwise from every successor outside the body sub-graph.
func (r *run) enqueueForEachSuccessors(parent *flow, node *workflow.Node) {
	if targets := r.index.PortTargets(node.ID, workflow.PortDone); len(targets) > 0 {
		r.enqueue(parent, node.ID, targets)
		return
	}

	inBody := make(map[string]bool)
	for _, id := range r.index.Body(node.ID) {
		inBody[id] = true
	}
	var out []string
	for _, id := range r.index.Successors(node.ID) {
		if !inBody[id] {
			out = append(out, id)
		}
	}
	r.enqueue(parent, node.ID, out)
}
