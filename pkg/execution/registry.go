package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Input carries everything a handler may consult for one execution: the node
// definition, the scoped context, the DATA-port values assembled by the
// engine from upstream outputs, the 1-based attempt, and the loop iteration
// when the node runs inside a loop body.
type Input struct {
	Node      *workflow.Node
	Context   *Context
	Values    map[string]any
	Attempt   int
	Iteration int
}

// Value returns the DATA-port input for port, or def when absent.
func (in Input) Value(port string, def any) any {
	if v, ok := in.Values[port]; ok {
		return v
	}
	return def
}

// Handler executes one node. The core is ignorant of node internals: a
// returned error or panic becomes a failed result with a structured error.
// Handlers must honor ctx cancellation on blocking operations; the engine
// enforces per-node timeouts through ctx.
type Handler interface {
	Execute(ctx context.Context, in Input) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in Input) (*Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, in Input) (*Result, error) {
	return f(ctx, in)
}

// Factory constructs a handler for a node definition. Config decode errors
// surface at load time as STRUCTURAL, before any node runs.
type Factory func(node *workflow.Node) (Handler, error)

// Registry maps node type tags to handler factories. It is injected into
// the engine at construction with a load-once lifecycle: the engine resolves
// every node's handler before the first node runs, so an unknown tag fails
// the whole load rather than a mid-run dispatch.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a type tag. Duplicate registrations are
// rejected so conflicting node sets fail loudly at startup.
func (r *Registry) Register(typeTag string, factory Factory) error {
	if typeTag == "" {
		return fmt.Errorf("type tag cannot be empty")
	}
	if factory == nil {
		return fmt.Errorf("factory for %q cannot be nil", typeTag)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeTag]; exists {
		return fmt.Errorf("type tag %q already registered", typeTag)
	}
	r.factories[typeTag] = factory
	return nil
}

// MustRegister registers a factory and panics on conflict. Intended for
// built-in node sets wired at startup.
func (r *Registry) MustRegister(typeTag string, factory Factory) {
	if err := r.Register(typeTag, factory); err != nil {
		panic(err)
	}
}

// Has reports whether a type tag is registered.
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typeTag]
	return ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Resolve constructs the handler for a node. An unregistered tag is a
// STRUCTURAL error.
func (r *Registry) Resolve(node *workflow.Node) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[node.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Structural(
			fmt.Sprintf("node %s has unregistered type %q", node.ID, node.Type),
			errors.ErrUnknownNodeType,
		)
	}

	handler, err := factory(node)
	if err != nil {
		return nil, errors.Structural(
			fmt.Sprintf("node %s (%s) configuration invalid", node.ID, node.Type), err)
	}
	return handler, nil
}
