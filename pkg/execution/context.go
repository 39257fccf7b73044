// Package execution defines the runtime contract between the engine and the
// nodes it drives: the scoped variable/resource context, the result and route
// shapes a node returns, and the registry that maps node type tags to
// handlers. The engine owns the root context for the duration of a run;
// branch contexts are owned by the branch coordinator until merged.
package execution

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/resource"
)

// Mode selects how a run executes. It is informational to the core and
// available to nodes that behave differently under supervision.
type Mode string

const (
	// ModeProduction is the default unattended execution mode.
	ModeProduction Mode = "production"

	// ModeDebug marks supervised runs; nodes may emit extra diagnostics.
	ModeDebug Mode = "debug"
)

// ResultsKey is the variable under which merged branch results are stored,
// keyed by branch label.
const ResultsKey = "results"

// Context is the scoped variable and resource container passed to every node
// execution. One root context exists per run; children exist only for
// parallel branches, created by CloneForBranch and destroyed once merged at
// their join. All methods are safe for concurrent use.
type Context struct {
	mu sync.RWMutex

	runID     string
	mode      Mode
	label     string
	variables map[string]any
	resources map[string]resource.Handle

	// scoped holds release functions for scoped sub-resources acquired in
	// this context and not yet released. A non-empty set makes the context
	// unsafe to checkpoint.
	scoped map[string]func() error
}

// NewContext creates a root context for a run. An empty runID generates one.
func NewContext(runID string, mode Mode) *Context {
	if runID == "" {
		runID = uuid.NewString()
	}
	if mode == "" {
		mode = ModeProduction
	}
	return &Context{
		runID:     runID,
		mode:      mode,
		variables: make(map[string]any),
		resources: make(map[string]resource.Handle),
		scoped:    make(map[string]func() error),
	}
}

// RunID returns the run-correlation id.
func (c *Context) RunID() string {
	return c.runID
}

// Mode returns the execution mode.
func (c *Context) Mode() Mode {
	return c.mode
}

// BranchLabel returns the branch label for branch contexts, empty for the
// root.
func (c *Context) BranchLabel() string {
	return c.label
}

// Get returns the variable value, or def when the name is unset.
func (c *Context) Get(name string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if v, ok := c.variables[name]; ok {
		return v
	}
	return def
}

// Lookup returns the variable value and whether it is set.
func (c *Context) Lookup(name string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[name]
	return v, ok
}

// Set stores a variable value.
func (c *Context) Set(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// SetAll stores every entry of vars. Used to seed the root context.
func (c *Context) SetAll(vars map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vars {
		c.variables[k] = v
	}
}

// Variables returns a deep value snapshot of the variable map. Mutating the
// snapshot never affects the context.
func (c *Context) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.variables)
}

// Resource returns the shared handle registered under name.
func (c *Context) Resource(name string) (resource.Handle, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.resources[name]
	return h, ok
}

// Resources returns a read-only view of the resource map. Handles are shared
// by reference; the returned map is a copy so callers cannot mutate the
// context's own map.
func (c *Context) Resources() map[string]resource.Handle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	view := make(map[string]resource.Handle, len(c.resources))
	for k, v := range c.resources {
		view[k] = v
	}
	return view
}

// SetResource registers a shared handle under its name.
func (c *Context) SetResource(h resource.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resources[h.Name()] = h
}

// TrackScoped records an unreleased scoped sub-resource acquired in this
// context. A context with pending scoped handles refuses checkpoint capture.
func (c *Context) TrackScoped(name string, release func() error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scoped[name] = release
}

// ReleaseScoped releases and forgets a tracked scoped handle.
func (c *Context) ReleaseScoped(name string) error {
	c.mu.Lock()
	release, ok := c.scoped[name]
	delete(c.scoped, name)
	c.mu.Unlock()
	if !ok || release == nil {
		return nil
	}
	return release()
}

// ReleaseAllScoped releases every tracked scoped handle, keeping the first
// error. Used on cancellation for best-effort cleanup.
func (c *Context) ReleaseAllScoped() error {
	c.mu.Lock()
	pending := c.scoped
	c.scoped = make(map[string]func() error)
	c.mu.Unlock()

	var firstErr error
	for _, release := range pending {
		if release == nil {
			continue
		}
		if err := release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PendingScoped returns the names of scoped handles acquired in this context
// and not yet released, sorted for deterministic reporting.
func (c *Context) PendingScoped() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.scoped) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.scoped))
	for name := range c.scoped {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CloneForBranch produces a child context for a parallel branch. Variables
// are a full value snapshot of the parent at clone time; resources are shared
// by reference, never copied — they represent external sessions. Writes
// inside the clone are invisible to the parent and siblings until merged.
func (c *Context) CloneForBranch(label string) *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()

	child := &Context{
		runID:     c.runID,
		mode:      c.mode,
		label:     label,
		variables: deepCopyMap(c.variables),
		resources: make(map[string]resource.Handle, len(c.resources)),
		scoped:    make(map[string]func() error),
	}
	for k, v := range c.resources {
		child.resources[k] = v
	}
	return child
}

// MergeFrom copies the child's variables into the parent both flattened
// under "{label}_{name}" and structured under results[label]. Pre-existing
// parent variables are never overwritten by the flattened copies.
func (c *Context) MergeFrom(child *Context) {
	label := child.BranchLabel()
	vars := child.Variables()

	c.mu.Lock()
	defer c.mu.Unlock()

	for name, value := range vars {
		flat := label + "_" + name
		if _, exists := c.variables[flat]; !exists {
			c.variables[flat] = value
		}
	}
	c.branchResultLocked(label, vars)
}

// SetBranchResult records an arbitrary per-branch entry under results[label].
// Used by the coordinator to record branch failures when fail-fast is off.
func (c *Context) SetBranchResult(label string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.branchResultLocked(label, value)
}

// BranchResult returns the merged results entry for a branch label.
func (c *Context) BranchResult(label string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results, ok := c.variables[ResultsKey].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := results[label]
	return v, ok
}

func (c *Context) branchResultLocked(label string, value any) {
	results, ok := c.variables[ResultsKey].(map[string]any)
	if !ok {
		results = make(map[string]any)
		c.variables[ResultsKey] = results
	}
	results[label] = value
}

// deepCopyMap copies a variable map recursively. Maps and slices are copied
// by value; everything else is shared (scalars are immutable, and structs
// stored as variables are treated as opaque values).
func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return deepCopyMap(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}
