// Package nodes ships the built-in node handlers: control-flow constructs
// (condition, switch, loop, foreach, fork, join), expression and script
// evaluation on pooled JavaScript VMs, and small utility nodes used by
// tests, examples, and simple workflows. Everything else a workflow runs is
// an external node implementation registered by the host.
package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

// vmPoolSize bounds idle VM instances kept for reuse. Creating a goja
// runtime is expensive enough that per-evaluation construction shows up in
// tight loops.
const vmPoolSize = 8

// vmMaxReuse recycles a VM after this many evaluations so script-polluted
// globals cannot accumulate forever.
const vmMaxReuse = 1000

// VMPool manages reusable JavaScript runtimes for expression and script
// nodes. Acquired VMs are sandboxed: Node.js-style globals are removed.
type VMPool struct {
	pool chan *pooledVM
}

type pooledVM struct {
	vm         *goja.Runtime
	reuseCount int
}

// NewVMPool creates an empty pool; VMs are created on demand.
func NewVMPool() *VMPool {
	return &VMPool{pool: make(chan *pooledVM, vmPoolSize)}
}

func (p *VMPool) acquire() (*pooledVM, error) {
	select {
	case vm := <-p.pool:
		return vm, nil
	default:
		return p.createVM()
	}
}

func (p *VMPool) release(vm *pooledVM) {
	vm.reuseCount++
	if vm.reuseCount >= vmMaxReuse {
		return
	}
	select {
	case p.pool <- vm:
	default:
		// Pool full; let the VM be collected.
	}
}

func (p *VMPool) createVM() (*pooledVM, error) {
	vm := goja.New()

	// Scripts run in-process; deny the runtime anything that smells like
	// Node.js platform access.
	for _, name := range []string{
		"require", "module", "exports", "process", "global",
		"__dirname", "__filename", "Buffer", "setImmediate", "clearImmediate",
	} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("failed to sandbox VM global %s: %w", name, err)
		}
	}

	return &pooledVM{vm: vm}, nil
}

// Eval evaluates a JavaScript expression with the given variables bound as
// globals, honoring ctx cancellation via the runtime interrupt.
func (p *VMPool) Eval(ctx context.Context, expression string, vars map[string]any) (goja.Value, error) {
	if expression == "" {
		return nil, fmt.Errorf("expression is empty")
	}

	pooled, err := p.acquire()
	if err != nil {
		return nil, err
	}
	defer p.release(pooled)

	vm := pooled.vm
	for name, value := range vars {
		if err := vm.Set(name, value); err != nil {
			return nil, fmt.Errorf("failed to bind variable %s: %w", name, err)
		}
	}
	defer func() {
		// Unbind so the next evaluation cannot observe stale state.
		for name := range vars {
			_ = vm.Set(name, goja.Undefined())
		}
	}()

	watchdog := time.AfterFunc(5*time.Second, func() {
		vm.Interrupt("expression timed out")
	})
	defer watchdog.Stop()

	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt("context cancelled")
	})
	defer stop()

	value, err := vm.RunString(expression)
	if err != nil {
		return nil, fmt.Errorf("expression evaluation failed: %w", err)
	}
	return value, nil
}

// EvalBool evaluates an expression and coerces the result to a boolean.
func (p *VMPool) EvalBool(ctx context.Context, expression string, vars map[string]any) (bool, error) {
	value, err := p.Eval(ctx, expression, vars)
	if err != nil {
		return false, err
	}
	return value.ToBoolean(), nil
}

// EvalString evaluates an expression and coerces the result to a string.
func (p *VMPool) EvalString(ctx context.Context, expression string, vars map[string]any) (string, error) {
	value, err := p.Eval(ctx, expression, vars)
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// Export evaluates an expression and exports the result as a Go value.
func (p *VMPool) Export(ctx context.Context, expression string, vars map[string]any) (any, error) {
	value, err := p.Eval(ctx, expression, vars)
	if err != nil {
		return nil, err
	}
	return value.Export(), nil
}
