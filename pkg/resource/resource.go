// Package resource defines the provider contract through which the engine
// obtains shared external handles (sessions, clients) and scoped
// sub-resources. The engine never creates or destroys resources itself; it
// references handles supplied by a Provider and tracks scoped acquisitions
// so checkpoints can refuse to capture state that holds a live handle.
package resource

import "context"

// Handle is an opaque named resource reference. Handles are shared by
// reference across branch contexts and are never serialized.
type Handle interface {
	// Name returns the name the handle was acquired under.
	Name() string

	// Value returns the underlying resource.
	Value() any
}

// Provider supplies named shared handles before a run starts and supports
// scoped acquire/release of exclusive sub-resources. Release discipline for
// scoped handles belongs to the provider and its callers: the release
// function must be called on every exit path.
type Provider interface {
	// Acquire returns the shared handle registered under name.
	Acquire(ctx context.Context, name string) (Handle, error)

	// AcquireScoped creates an exclusive sub-resource. The returned release
	// function must be invoked on every exit path, including failures.
	AcquireScoped(ctx context.Context, name string) (Handle, func(context.Context) error, error)

	// Release returns a shared handle to the provider. Releasing an already
	// released handle is an error.
	Release(ctx context.Context, h Handle) error
}
