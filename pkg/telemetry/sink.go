package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// Sink receives lifecycle events. Emit must be safe for concurrent use and
// should never block the scheduler for long; sinks that talk to the network
// handle their own retries and failure isolation.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoopSink discards all events.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(ctx context.Context, event Event) {}

// LogSink writes events to a zap logger. Failures log at error level,
// retries at warn, everything else at info with per-node chatter at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink logging through the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Emit implements Sink.
func (s *LogSink) Emit(ctx context.Context, event Event) {
	fields := []zap.Field{
		zap.String("runId", event.RunID),
		zap.String("type", string(event.Type)),
	}
	if event.WorkflowID != "" {
		fields = append(fields, zap.String("workflowId", event.WorkflowID))
	}
	if event.NodeID != "" {
		fields = append(fields, zap.String("nodeId", event.NodeID), zap.String("nodeType", event.NodeType))
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt))
	}
	if event.BranchLabel != "" {
		fields = append(fields, zap.String("branch", event.BranchLabel), zap.String("forkId", event.ForkID))
	}
	if event.Error != nil {
		fields = append(fields, zap.String("errorCode", event.Error.Code), zap.String("errorMessage", event.Error.Message))
	}
	if event.Progress != nil {
		fields = append(fields,
			zap.Int("completed", event.Progress.Completed),
			zap.Int("queued", event.Progress.Queued),
			zap.Int("running", event.Progress.Running))
	}

	switch event.Type {
	case EventRunFailed, EventNodeFailed, EventCheckpointFailed:
		s.logger.Error("Execution event", fields...)
	case EventNodeRetried:
		s.logger.Warn("Execution event", fields...)
	case EventNodeStarted, EventNodeCompleted, EventNodeSkipped, EventForEachBatch, EventRunProgress:
		s.logger.Debug("Execution event", fields...)
	default:
		s.logger.Info("Execution event", fields...)
	}
}

// MultiSink fans events out to several sinks in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink combines sinks, skipping nils.
func NewMultiSink(sinks ...Sink) *MultiSink {
	kept := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &MultiSink{sinks: kept}
}

// Emit implements Sink.
func (m *MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m.sinks {
		s.Emit(ctx, event)
	}
}
