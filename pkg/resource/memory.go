package resource

import (
	"context"
	"fmt"
	"sync"
)

// memoryHandle is the handle implementation used by MemoryProvider.
type memoryHandle struct {
	name  string
	value any
}

func (h *memoryHandle) Name() string { return h.name }
func (h *memoryHandle) Value() any   { return h.value }

// MemoryProvider is an in-process Provider backed by a registration map.
// It counts acquisitions and releases so tests and examples can assert the
// release discipline. Safe for concurrent use.
type MemoryProvider struct {
	mu        sync.RWMutex
	resources map[string]any
	acquired  map[string]int
	released  map[string]int
	scopedSeq int
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		resources: make(map[string]any),
		acquired:  make(map[string]int),
		released:  make(map[string]int),
	}
}

// RegisterResource makes a value acquirable under name.
func (p *MemoryProvider) RegisterResource(name string, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources[name] = value
}

// Acquire returns the shared handle registered under name.
func (p *MemoryProvider) Acquire(ctx context.Context, name string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.resources[name]
	if !ok {
		return nil, fmt.Errorf("resource %s is not registered", name)
	}
	p.acquired[name]++
	return &memoryHandle{name: name, value: value}, nil
}

// AcquireScoped creates a uniquely named sub-resource derived from the
// shared value registered under name.
func (p *MemoryProvider) AcquireScoped(ctx context.Context, name string) (Handle, func(context.Context) error, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.resources[name]
	if !ok {
		return nil, nil, fmt.Errorf("resource %s is not registered", name)
	}
	p.scopedSeq++
	scoped := &memoryHandle{name: fmt.Sprintf("%s#%d", name, p.scopedSeq), value: value}
	p.acquired[scoped.name]++
	release := func(ctx context.Context) error {
		return p.Release(ctx, scoped)
	}
	return scoped, release, nil
}

// Release returns a handle to the provider.
func (p *MemoryProvider) Release(ctx context.Context, h Handle) error {
	if h == nil {
		return fmt.Errorf("cannot release nil handle")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released[h.Name()] >= p.acquired[h.Name()] {
		return fmt.Errorf("resource %s released more times than acquired", h.Name())
	}
	p.released[h.Name()]++
	return nil
}

// AcquireCount returns how many times name (or a scoped derivative) was
// acquired.
func (p *MemoryProvider) AcquireCount(name string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.acquired[name]
}

// ReleaseCount returns how many times name was released.
func (p *MemoryProvider) ReleaseCount(name string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.released[name]
}

// Outstanding returns the names of handles acquired but not yet released.
func (p *MemoryProvider) Outstanding() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for name, n := range p.acquired {
		if n > p.released[name] {
			out = append(out, name)
		}
	}
	return out
}
