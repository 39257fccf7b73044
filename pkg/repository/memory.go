package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Memory is an in-process Repository for tests, examples, and embedded
// hosts that manage persistence elsewhere.
type Memory struct {
	workflows   sync.Map // workflow id -> []byte
	checkpoints *checkpoint.MemoryStore
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{checkpoints: checkpoint.NewMemoryStore()}
}

// Workflow retrieves a graph by id.
func (m *Memory) Workflow(ctx context.Context, id string) (*workflow.Graph, error) {
	data, ok := m.workflows.Load(id)
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", id)
	}
	return workflow.FromBytes(data.([]byte))
}

// SaveWorkflow persists a graph. Graphs are stored serialized so callers
// always get an independent copy back.
func (m *Memory) SaveWorkflow(ctx context.Context, g *workflow.Graph) error {
	if g == nil || g.WorkflowID == "" {
		return fmt.Errorf("workflow has no id")
	}
	data, err := g.ToBytes()
	if err != nil {
		return fmt.Errorf("failed to serialize workflow %s: %w", g.WorkflowID, err)
	}
	m.workflows.Store(g.WorkflowID, data)
	return nil
}

// SaveCheckpoint persists a checkpoint and returns its id.
func (m *Memory) SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (string, error) {
	if err := m.checkpoints.Save(ctx, cp); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Checkpoint retrieves a checkpoint by id.
func (m *Memory) Checkpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error) {
	return m.checkpoints.Load(ctx, id)
}

// ListCheckpoints returns the checkpoint ids stored for a run.
func (m *Memory) ListCheckpoints(ctx context.Context, runID string) ([]string, error) {
	return m.checkpoints.List(ctx, runID)
}

// DeleteCheckpoint removes a checkpoint by id.
func (m *Memory) DeleteCheckpoint(ctx context.Context, id string) error {
	return m.checkpoints.Delete(ctx, id)
}
