package engine

import (
	"context"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	// StateIdle is a run created but not yet started.
	StateIdle RunState = "IDLE"

	// StateRunning is a run actively executing nodes.
	StateRunning RunState = "RUNNING"

	// StateCompleted is a run whose queue drained with no aborting failure.
	StateCompleted RunState = "COMPLETED"

	// StateFailed is a run aborted by a non-recoverable error.
	StateFailed RunState = "FAILED"

	// StatePaused is a run suspended at a checkpoint boundary.
	StatePaused RunState = "PAUSED"

	// StateCancelled is a run terminated by an external cancel request.
	StateCancelled RunState = "CANCELLED"
)

// Terminal reports whether the state admits no further transitions except
// PAUSED, which resumes to RUNNING.
func (s RunState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// validTransitions encodes the lifecycle:
// IDLE → RUNNING → {COMPLETED, FAILED, PAUSED, CANCELLED}; PAUSED → RUNNING.
var validTransitions = map[RunState][]RunState{
	StateIdle:    {StateRunning},
	StateRunning: {StateCompleted, StateFailed, StatePaused, StateCancelled},
	StatePaused:  {StateRunning, StateCancelled},
}

func canTransition(from, to RunState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// RunHandle is the host's view of an in-flight run. It is safe for
// concurrent use; the report becomes available once Done is closed.
type RunHandle struct {
	runID string

	mu           sync.RWMutex
	state        RunState
	report       *Report
	checkpointID string

	done chan struct{}
}

func newRunHandle(runID string) *RunHandle {
	return &RunHandle{
		runID: runID,
		state: StateIdle,
		done:  make(chan struct{}),
	}
}

// RunID returns the run's identifier.
func (h *RunHandle) RunID() string {
	return h.runID
}

// Status returns the run's current lifecycle state.
func (h *RunHandle) Status() RunState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// Done returns a channel closed once the run reaches a resting state
// (terminal or paused).
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the run rests or ctx expires, returning the resting
// state.
func (h *RunHandle) Wait(ctx context.Context) (RunState, error) {
	select {
	case <-h.done:
		return h.Status(), nil
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}

// Report returns the run report, nil until the run rests.
func (h *RunHandle) Report() *Report {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.report
}

// CheckpointID returns the id of the checkpoint taken when the run paused,
// empty otherwise.
func (h *RunHandle) CheckpointID() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.checkpointID
}

// transition moves the handle to a new state, rejecting moves the lifecycle
// does not admit.
func (h *RunHandle) transition(to RunState) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !canTransition(h.state, to) {
		return errors.NewError(errors.CodeStructural,
			"cannot transition run "+h.runID+" from "+string(h.state)+" to "+string(to),
			errors.ErrInvalidState)
	}
	h.state = to
	return nil
}

// rest records the final report and releases waiters. Paused runs rest too;
// resuming creates a fresh handle.
func (h *RunHandle) rest(report *Report, checkpointID string) {
	h.mu.Lock()
	h.report = report
	h.checkpointID = checkpointID
	h.mu.Unlock()
	close(h.done)
}
