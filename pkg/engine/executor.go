package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// executor runs single nodes: it stamps sequence numbers and timestamps,
// enforces the per-node timeout, recovers handler panics, and drives the
// node's retry policy with exponential backoff. One executor is shared by
// the run goroutine and all branch goroutines; its state is atomic.
type executor struct {
	logger         *zap.Logger
	sink           telemetry.Sink
	tracer         trace.Tracer
	defaultTimeout time.Duration
	workflowID     string

	sequence atomic.Int64
}

// attemptOutcome carries a handler's return across the timeout select.
type attemptOutcome struct {
	result *execution.Result
	err    error
}

// run executes one node to an outcome, retrying per the node's policy. The
// returned result is nil when every attempt failed; the outcome then carries
// the final error detail. run never returns an error for node failures —
// failure policy belongs to the scheduler — only the outcome reports them.
func (e *executor) run(ctx context.Context, node *workflow.Node, handler execution.Handler, in execution.Input) (execution.NodeOutcome, *execution.Result) {
	outcome := execution.NodeOutcome{
		NodeID:      node.ID,
		NodeName:    node.Name,
		NodeType:    node.Type,
		StartedAt:   time.Now().UTC(),
		BranchLabel: in.Context.BranchLabel(),
	}

	timeout := node.Timeout()
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	runID := in.Context.RunID()
	maxAttempts := node.MaxAttempts()

	var result *execution.Result
	var lastErr error
attempts:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		in.Attempt = attempt
		if attempt == 1 {
			e.emit(ctx, telemetry.NewEvent(telemetry.EventNodeStarted, runID, e.workflowID).
				WithNode(node.ID, node.Name, node.Type))
		} else {
			if delay := node.Retry.Backoff(attempt); delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					lastErr = errors.Cancelled("run cancelled during backoff", ctx.Err())
					break attempts
				}
			}
			e.emit(ctx, telemetry.NewEvent(telemetry.EventNodeRetried, runID, e.workflowID).
				WithNode(node.ID, node.Name, node.Type).
				WithDetail("attempt", attempt))
		}

		result, lastErr = e.attempt(ctx, node, handler, in, timeout)
		if lastErr == nil && result.Status == execution.StatusFailed {
			// A returned failure consumes the retry budget exactly like a
			// raised one.
			lastErr = failedResultError(node, result)
			result = nil
		}
		if lastErr == nil {
			break
		}

		e.logger.Warn("node attempt failed",
			zap.String("runId", runID),
			zap.String("nodeId", node.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))

		if !errors.IsRetryable(lastErr) {
			break
		}
	}

	outcome.EndedAt = time.Now().UTC()
	outcome.DurationMs = outcome.EndedAt.Sub(outcome.StartedAt).Milliseconds()
	outcome.Attempts = in.Attempt
	outcome.Sequence = e.sequence.Add(1)

	if lastErr != nil {
		outcome.Status = execution.StatusFailed
		outcome.Error = execution.DetailFromError(lastErr)
		e.emit(ctx, telemetry.NewEvent(telemetry.EventNodeFailed, runID, e.workflowID).
			WithNode(node.ID, node.Name, node.Type).
			WithError(outcome.Error))
		return outcome, nil
	}

	result.Sequence = outcome.Sequence
	result.StartedAt = outcome.StartedAt
	result.EndedAt = outcome.EndedAt
	result.Attempt = in.Attempt
	outcome.Status = result.Status
	outcome.Output = result.Output

	e.emit(ctx, telemetry.NewEvent(telemetry.EventNodeCompleted, runID, e.workflowID).
		WithNode(node.ID, node.Name, node.Type))
	e.logger.Debug("node completed",
		zap.String("runId", runID),
		zap.String("nodeId", node.ID),
		zap.Int64("sequence", outcome.Sequence),
		zap.Int64("durationMs", outcome.DurationMs))
	return outcome, result
}

// attempt runs the handler once on its own goroutine, selecting on
// completion, the per-node deadline, and run cancellation. On expiry the
// underlying operation is not forcibly interrupted; the goroutine is left to
// finish into a buffered channel while the scheduler moves on.
func (e *executor) attempt(ctx context.Context, node *workflow.Node, handler execution.Handler, in execution.Input, timeout time.Duration) (*execution.Result, error) {
	attemptCtx, span := e.tracer.Start(ctx, "node.execute", trace.WithAttributes(
		attribute.String("workflow.run_id", in.Context.RunID()),
		attribute.String("node.id", node.ID),
		attribute.String("node.type", node.Type),
		attribute.Int("node.attempt", in.Attempt),
	))
	defer span.End()

	done := make(chan attemptOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- attemptOutcome{err: errors.NodeFailure(
					fmt.Sprintf("node %s panicked: %v", node.ID, r), errors.ErrNodeFailure)}
			}
		}()
		result, err := handler.Execute(attemptCtx, in)
		done <- attemptOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			err := e.classify(node, in.Attempt, out.err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if out.result == nil {
			err := errors.NodeFailure(
				fmt.Sprintf("node %s returned neither result nor error", node.ID), errors.ErrNodeFailure)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetStatus(codes.Ok, "")
		return out.result, nil

	case <-timer.C:
		err := errors.Timeout(
			fmt.Sprintf("node %s exceeded its %s budget", node.ID, timeout), errors.ErrTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err

	case <-ctx.Done():
		err := errors.Cancelled(fmt.Sprintf("node %s interrupted", node.ID), ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
}

// failedResultError converts a handler-returned failed result into the
// retryable node-failure error the attempt loop works with, keeping the
// result's own message when it carries one.
func failedResultError(node *workflow.Node, result *execution.Result) error {
	msg := fmt.Sprintf("node %s returned failure", node.ID)
	if result.Error != nil && result.Error.Message != "" {
		msg = result.Error.Message
	}
	return errors.NodeFailure(msg, errors.ErrNodeFailure)
}

// classify wraps a raw handler error with node identity, preserving taxonomy
// codes already present.
func (e *executor) classify(node *workflow.Node, attempt int, err error) error {
	if errors.IsCancelled(err) || errors.IsTimeout(err) || errors.IsStructural(err) {
		return err
	}
	nodeErr := &errors.NodeError{
		NodeID:   node.ID,
		NodeName: node.Name,
		NodeType: node.Type,
		Attempt:  attempt,
		Phase:    "execute",
		Cause:    err,
	}
	return errors.NodeFailure("node execution failed", nodeErr)
}

func (e *executor) emit(ctx context.Context, event telemetry.Event) {
	e.sink.Emit(ctx, event)
}
