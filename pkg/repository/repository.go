// Package repository delegates graph and checkpoint persistence to a
// storage collaborator. The engine treats it as a black box: workflows are
// fetched by id, checkpoints saved and retrieved by opaque id, with no
// opinionated persistence format beyond the JSON document shapes.
package repository

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Repository supplies workflow definitions and persists checkpoints.
type Repository interface {
	// Workflow retrieves a graph definition by id.
	Workflow(ctx context.Context, id string) (*workflow.Graph, error)

	// SaveWorkflow persists a graph definition.
	SaveWorkflow(ctx context.Context, g *workflow.Graph) error

	// SaveCheckpoint persists a captured checkpoint and returns its id.
	SaveCheckpoint(ctx context.Context, cp *checkpoint.Checkpoint) (string, error)

	// Checkpoint retrieves a checkpoint by id.
	Checkpoint(ctx context.Context, id string) (*checkpoint.Checkpoint, error)

	// ListCheckpoints returns the checkpoint ids stored for a run.
	ListCheckpoints(ctx context.Context, runID string) ([]string, error)

	// DeleteCheckpoint removes a checkpoint by id.
	DeleteCheckpoint(ctx context.Context, id string) error
}
