package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// RegisterBuiltins registers every built-in handler on the registry. The
// expression-based nodes share one VM pool.
func RegisterBuiltins(registry *execution.Registry) error {
	pool := NewVMPool()

	factories := map[string]execution.Factory{
		workflow.TypeNoop:      noopFactory,
		workflow.TypeSetVar:    setVarFactory,
		workflow.TypeWait:      waitFactory,
		workflow.TypeFail:      failFactory,
		workflow.TypeText:      textFactory,
		workflow.TypeCondition: conditionFactory(pool),
		workflow.TypeSwitch:    switchFactory(pool),
		workflow.TypeScript:    scriptFactory(pool),
		workflow.TypeLoop:      loopFactory(pool),
		workflow.TypeFork:      forkFactory,
		workflow.TypeJoin:      joinFactory,
		workflow.TypeForEach:   forEachFactory(pool),
	}

	for tag, factory := range factories {
		if err := registry.Register(tag, factory); err != nil {
			return fmt.Errorf("failed to register builtin %s: %w", tag, err)
		}
	}
	return nil
}

// decodeConfig unmarshals a node's raw configuration into cfg. A node with
// no configuration leaves cfg at its zero value.
func decodeConfig(node *workflow.Node, cfg any) error {
	if len(node.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(node.Config, cfg); err != nil {
		return fmt.Errorf("invalid %s configuration: %w", node.Type, err)
	}
	return nil
}

func noopFactory(node *workflow.Node) (execution.Handler, error) {
	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		return execution.Success(nil), nil
	}), nil
}

type setVarConfig struct {
	Variables map[string]any `json:"variables"`
}

func setVarFactory(node *workflow.Node) (execution.Handler, error) {
	var cfg setVarConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Variables) == 0 {
		return nil, fmt.Errorf("setvar node %s declares no variables", node.ID)
	}

	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		for name, value := range cfg.Variables {
			in.Context.Set(name, value)
		}
		return execution.Success(cfg.Variables), nil
	}), nil
}

type waitConfig struct {
	DurationMs int64 `json:"durationMs"`
}

func waitFactory(node *workflow.Node) (execution.Handler, error) {
	var cfg waitConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.DurationMs <= 0 {
		return nil, fmt.Errorf("wait node %s needs a positive durationMs", node.ID)
	}
	duration := time.Duration(cfg.DurationMs) * time.Millisecond

	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		select {
		case <-time.After(duration):
			return execution.Success(map[string]any{"waitedMs": cfg.DurationMs}), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}), nil
}

type failConfig struct {
	Message string `json:"message"`

	// SucceedAfter makes the node succeed once the attempt number reaches
	// it; zero means always fail. Lets workflows exercise retry policies.
	SucceedAfter int `json:"succeedAfter"`
}

func failFactory(node *workflow.Node) (execution.Handler, error) {
	var cfg failConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}
	if cfg.Message == "" {
		cfg.Message = "fail node triggered"
	}

	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		if cfg.SucceedAfter > 0 && in.Attempt >= cfg.SucceedAfter {
			return execution.Success(map[string]any{"attempt": in.Attempt}), nil
		}
		return nil, fmt.Errorf("%s", cfg.Message)
	}), nil
}
