// Package engine is the workflow execution core: it drives graphs of nodes
// through a single-scheduler run loop with concurrent fork branches, batched
// parallel-for-each, per-node timeout and retry enforcement, pause/resume
// through single-pass checkpoints, and cancellation. Hosts interact through
// Start/Pause/Resume/Cancel and the returned run handles; node behavior
// comes from handlers resolved through an injected registry.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/telemetry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Engine executes workflow graphs. One engine serves many concurrent runs;
// branch admission across all of them shares a single gate.
type Engine struct {
	cfg     Config
	logger  *zap.Logger
	limiter *concurrency.Limiter
	manager *checkpoint.Manager

	// store backs checkpoints when no repository is configured.
	store *checkpoint.MemoryStore

	tracer trace.Tracer

	mu   sync.RWMutex
	runs map[string]*run
}

// StartOptions seeds a run: initial context variables, shared resources to
// acquire before the first node, and the execution mode.
type StartOptions struct {
	// RunID overrides the generated run id.
	RunID string

	// Variables are seeded into the execution context alongside the
	// inputs passed to Start.
	Variables map[string]any

	// Resources names shared resources the provider acquires before the
	// run starts.
	Resources []string

	// Mode selects production or debug execution.
	Mode execution.Mode
}

// New creates an engine from the config. The logger and registry are
// required; everything else defaults.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	manager, err := checkpoint.NewManager(cfg.Logger)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		limiter: concurrency.NewLimiter(cfg.MaxBranches),
		manager: manager,
		store:   checkpoint.NewMemoryStore(),
		tracer:  otel.Tracer("github.com/wehubfusion/Daedalus/pkg/engine"),
		runs:    make(map[string]*run),
	}, nil
}

// Limiter exposes the branch admission gate for metrics inspection.
func (e *Engine) Limiter() *concurrency.Limiter {
	return e.limiter
}

// Start validates and loads the graph, seeds the run, and begins executing
// asynchronously. Structural problems — invalid graph, unregistered node
// type, bad node config — fail here, before any node runs.
func (e *Engine) Start(ctx context.Context, graph *workflow.Graph, inputs map[string]any, opts *StartOptions) (*RunHandle, error) {
	if opts == nil {
		opts = &StartOptions{}
	}
	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	mode := opts.Mode
	if mode == "" {
		mode = execution.ModeProduction
	}

	r, err := e.load(graph, runID, mode)
	if err != nil {
		return nil, err
	}

	r.root.ctx.SetAll(inputs)
	r.root.ctx.SetAll(opts.Variables)
	if err := e.acquireResources(ctx, r, opts.Resources); err != nil {
		return nil, err
	}

	for _, id := range r.index.EntryNodes() {
		priority := false
		if node, ok := r.index.Node(id); ok {
			priority = node.Priority
		}
		r.root.queue.Push(id, priority)
	}

	return e.launch(ctx, r, telemetry.EventRunStarted)
}

// Resume reconstructs a run from a checkpoint and continues executing. The
// workflow definition comes from the repository.
func (e *Engine) Resume(ctx context.Context, cp *checkpoint.Checkpoint) (*RunHandle, error) {
	state, err := e.manager.Restore(cp)
	if err != nil {
		return nil, err
	}
	if e.cfg.Repository == nil {
		return nil, errors.Structural("resume requires a repository for the workflow definition", nil)
	}
	graph, err := e.cfg.Repository.Workflow(ctx, state.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", state.WorkflowID, err)
	}

	r, err := e.load(graph, state.RunID, state.Mode)
	if err != nil {
		return nil, err
	}

	r.root.ctx.SetAll(state.Variables)
	if err := e.acquireResources(ctx, r, state.ResourceNames); err != nil {
		return nil, err
	}
	r.root.queue = restoreQueue(state.Queue)
	for i := range state.Completed {
		outcome := state.Completed[i]
		r.outcomes = append(r.outcomes, outcome)
		r.root.record(&state.Completed[i])
	}
	for id, iter := range state.Loops {
		r.root.loops[id] = iter
	}
	r.resumedForks = state.Forks
	r.resourceNames = state.ResourceNames
	r.exec.sequence.Store(state.Sequence)

	return e.launch(ctx, r, telemetry.EventRunResumed)
}

// ResumeByID loads a checkpoint by id and resumes from it.
func (e *Engine) ResumeByID(ctx context.Context, checkpointID string) (*RunHandle, error) {
	var cp *checkpoint.Checkpoint
	var err error
	if e.cfg.Repository != nil {
		cp, err = e.cfg.Repository.Checkpoint(ctx, checkpointID)
	} else {
		cp, err = e.store.Load(ctx, checkpointID)
	}
	if err != nil {
		return nil, err
	}
	return e.Resume(ctx, cp)
}

// Pause asks a running run to checkpoint and suspend at the next node
// boundary. The pause takes effect between node executions, never mid-node.
func (e *Engine) Pause(runID string) error {
	r, err := e.run(runID)
	if err != nil {
		return err
	}
	if r.handle.Status() != StateRunning {
		return errors.NewError(errors.CodeStructural,
			"run "+runID+" is not running", errors.ErrInvalidState)
	}
	r.requestPause()
	return nil
}

// Cancel terminates a running run: queued work is abandoned, in-flight
// branches are cancelled, and scoped resources get a best-effort release.
func (e *Engine) Cancel(runID string) error {
	r, err := e.run(runID)
	if err != nil {
		return err
	}
	if r.handle.Status() != StateRunning {
		return errors.NewError(errors.CodeStructural,
			"run "+runID+" is not running", errors.ErrInvalidState)
	}
	r.requestCancel()
	return nil
}

// Status returns the lifecycle state of a run.
func (e *Engine) Status(runID string) (RunState, error) {
	r, err := e.run(runID)
	if err != nil {
		return "", err
	}
	return r.handle.Status(), nil
}

// Handle returns the run handle for a run id.
func (e *Engine) Handle(runID string) (*RunHandle, error) {
	r, err := e.run(runID)
	if err != nil {
		return nil, err
	}
	return r.handle, nil
}

func (e *Engine) run(runID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, errors.NewError(errors.CodeStructural,
			"run "+runID+" not found", errors.ErrRunNotFound)
	}
	return r, nil
}

// load builds the run skeleton: structural validation, adjacency index,
// handler resolution for every node, and loop-body ownership.
func (e *Engine) load(graph *workflow.Graph, runID string, mode execution.Mode) (*run, error) {
	index, err := workflow.NewIndex(graph, workflow.WithControlFlowTypes(e.cfg.ControlFlowTypes...))
	if err != nil {
		return nil, err
	}

	handlers := make(map[string]execution.Handler, index.Size())
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		handler, err := e.cfg.Registry.Resolve(node)
		if err != nil {
			return nil, err
		}
		handlers[node.ID] = handler
	}

	loopOwner := make(map[string]string)
	for i := range graph.Nodes {
		node := &graph.Nodes[i]
		if node.Type != workflow.TypeLoop {
			continue
		}
		for _, bodyID := range index.Body(node.ID) {
			loopOwner[bodyID] = node.ID
		}
	}

	execCtx := execution.NewContext(runID, mode)
	r := &run{
		engine:    e,
		handle:    newRunHandle(runID),
		logger:    e.logger.With(zap.String("runId", runID)),
		graph:     graph,
		index:     index,
		handlers:  handlers,
		loopOwner: loopOwner,
		root:      newFlow("", execCtx),
		startedAt: time.Now().UTC(),
	}
	r.exec = &executor{
		logger:         r.logger,
		sink:           e.cfg.Sink,
		tracer:         e.tracer,
		defaultTimeout: e.cfg.DefaultNodeTimeout,
		workflowID:     graph.WorkflowID,
	}
	return r, nil
}

// acquireResources obtains shared handles from the provider and binds them
// to the root context.
func (e *Engine) acquireResources(ctx context.Context, r *run, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if e.cfg.Provider == nil {
		return errors.Structural("resources requested but no provider configured", nil)
	}
	for _, name := range names {
		handle, err := e.cfg.Provider.Acquire(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to acquire resource %s: %w", name, err)
		}
		r.root.ctx.SetResource(handle)
	}
	r.resourceNames = append([]string(nil), names...)
	return nil
}

// launch registers the run and starts its scheduler goroutine. The run
// detaches from the caller's context; cancellation goes through Cancel.
func (e *Engine) launch(ctx context.Context, r *run, event telemetry.EventType) (*RunHandle, error) {
	if err := r.handle.transition(StateRunning); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.runs[r.handle.RunID()] = r
	e.mu.Unlock()

	e.cfg.Sink.Emit(ctx, telemetry.NewEvent(event, r.handle.RunID(), r.graph.WorkflowID))
	r.logger.Info("run launched",
		zap.String("workflowId", r.graph.WorkflowID),
		zap.Int("nodes", r.index.Size()),
		zap.String("mode", string(r.root.ctx.Mode())))

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancelRun = cancel
	go func() {
		defer cancel()
		r.loop(runCtx)
	}()
	return r.handle, nil
}
