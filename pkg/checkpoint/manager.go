package checkpoint

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// Manager captures and restores scheduler state. Capture performs exactly
// one serialization pass: it validates by catching errors during the real
// encoding and rolls back on failure, leaving the run untouched. It never
// trial-serializes first.
type Manager struct {
	logger *zap.Logger
}

// NewManager creates a checkpoint manager. The logger is required.
func NewManager(logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Manager{logger: logger}, nil
}

// Capture snapshots the given state into a checkpoint. It fails with a
// CHECKPOINT_FAILURE — and persists nothing — when the state holds a live
// scoped resource handle or a variable the codec cannot represent. On
// failure the run stays RUNNING; a corrupt checkpoint is never produced.
func (m *Manager) Capture(state *State) (*Checkpoint, error) {
	if state == nil {
		return nil, errors.CheckpointFailure("state is nil", nil)
	}
	if state.RunID == "" {
		return nil, errors.CheckpointFailure("state has no run id", nil)
	}

	if len(state.PendingScoped) > 0 {
		return nil, errors.CheckpointFailure(
			fmt.Sprintf("run holds live scoped resources: %s", strings.Join(state.PendingScoped, ", ")), nil)
	}

	cp := &Checkpoint{
		Version:       Version,
		ID:            uuid.NewString(),
		RunID:         state.RunID,
		WorkflowID:    state.WorkflowID,
		CreatedAt:     time.Now().UTC(),
		Mode:          state.Mode,
		Sequence:      state.Sequence,
		Queue:         state.Queue,
		Completed:     state.Completed,
		Variables:     state.Variables,
		ResourceNames: state.ResourceNames,
		Loops:         state.Loops,
		Forks:         state.Forks,
	}

	// The single serialization pass. A marshal error names the offending
	// type so the host can locate the unserializable variable.
	encoded, err := json.Marshal(cp)
	if err != nil {
		m.logger.Error("Checkpoint capture failed",
			zap.String("runId", state.RunID),
			zap.Error(err))
		return nil, errors.CheckpointFailure(describeMarshalError(err), err)
	}
	cp.encoded = encoded

	m.logger.Info("Checkpoint captured",
		zap.String("runId", cp.RunID),
		zap.String("checkpointId", cp.ID),
		zap.Int("queued", len(cp.Queue)),
		zap.Int("completed", len(cp.Completed)),
		zap.Int("inflightForks", len(cp.Forks)),
		zap.Int("sizeBytes", len(encoded)))

	return cp, nil
}

// Restore reconstructs scheduler state from a checkpoint: ready-queue,
// completed set, variables, loop states, and in-flight fork snapshots,
// exactly as captured.
func (m *Manager) Restore(cp *Checkpoint) (*State, error) {
	if cp == nil {
		return nil, errors.CheckpointFailure("checkpoint is nil", nil)
	}
	if cp.Version != Version {
		return nil, errors.CheckpointFailure(
			fmt.Sprintf("unsupported checkpoint version %d", cp.Version), nil)
	}
	if cp.RunID == "" {
		return nil, errors.CheckpointFailure("checkpoint has no run id", nil)
	}

	m.logger.Info("Checkpoint restored",
		zap.String("runId", cp.RunID),
		zap.String("checkpointId", cp.ID),
		zap.Int("queued", len(cp.Queue)),
		zap.Int("completed", len(cp.Completed)))

	return &State{
		RunID:         cp.RunID,
		WorkflowID:    cp.WorkflowID,
		Mode:          cp.Mode,
		Sequence:      cp.Sequence,
		Queue:         cp.Queue,
		Completed:     cp.Completed,
		Variables:     cp.Variables,
		ResourceNames: cp.ResourceNames,
		Loops:         cp.Loops,
		Forks:         cp.Forks,
	}, nil
}

// FromBytes decodes a checkpoint document, retaining the raw bytes.
func FromBytes(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.CheckpointFailure("checkpoint document is not valid JSON", err)
	}
	cp.encoded = data
	return &cp, nil
}

func describeMarshalError(err error) string {
	var typeErr *json.UnsupportedTypeError
	if stderrors.As(err, &typeErr) {
		return fmt.Sprintf("state holds an unserializable value of type %s", typeErr.Type)
	}
	var valueErr *json.UnsupportedValueError
	if stderrors.As(err, &valueErr) {
		return fmt.Sprintf("state holds an unserializable value %s", valueErr.Str)
	}
	return "state could not be serialized"
}
