package nodes

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// evalVars binds the node's visible state for an expression: every context
// variable plus the DATA-port inputs under their port names.
func evalVars(in execution.Input) map[string]any {
	vars := in.Context.Variables()
	for port, value := range in.Values {
		vars[port] = value
	}
	return vars
}

type conditionConfig struct {
	Expression string `json:"expression"`
}

// conditionFactory builds the condition handler: a boolean expression
// steering execution through the true or false exec-output.
func conditionFactory(pool *VMPool) execution.Factory {
	return func(node *workflow.Node) (execution.Handler, error) {
		var cfg conditionConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Expression == "" {
			return nil, fmt.Errorf("condition node %s has no expression", node.ID)
		}

		return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
			outcome, err := pool.EvalBool(ctx, cfg.Expression, evalVars(in))
			if err != nil {
				return nil, err
			}

			port := workflow.PortFalse
			if outcome {
				port = workflow.PortTrue
			}
			return execution.Success(map[string]any{"result": outcome}).WithSelected(port), nil
		}), nil
	}
}

type switchConfig struct {
	Expression string `json:"expression"`

	// Cases maps expression results to exec-output port names. An absent
	// result falls through to the default port.
	Cases map[string]string `json:"cases"`
}

// switchFactory builds the switch handler: an expression selecting one
// named case port, with a default fallback.
func switchFactory(pool *VMPool) execution.Factory {
	return func(node *workflow.Node) (execution.Handler, error) {
		var cfg switchConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Expression == "" {
			return nil, fmt.Errorf("switch node %s has no expression", node.ID)
		}

		return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
			value, err := pool.EvalString(ctx, cfg.Expression, evalVars(in))
			if err != nil {
				return nil, err
			}

			port := workflow.PortDefault
			if mapped, ok := cfg.Cases[value]; ok {
				port = mapped
			} else if len(cfg.Cases) == 0 {
				// No case table: the result itself names the port.
				port = value
			}
			return execution.Success(map[string]any{"value": value, "port": port}).WithSelected(port), nil
		}), nil
	}
}

type scriptConfig struct {
	Source string `json:"source"`

	// ResultVar names the context variable receiving the script's value.
	// Empty stores nothing beyond the result output.
	ResultVar string `json:"resultVar"`
}

// scriptFactory builds the script handler: a JavaScript program evaluated
// with the context variables bound, its completion value exposed as the
// node's result.
func scriptFactory(pool *VMPool) execution.Factory {
	return func(node *workflow.Node) (execution.Handler, error) {
		var cfg scriptConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Source == "" {
			return nil, fmt.Errorf("script node %s has no source", node.ID)
		}

		return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
			value, err := pool.Export(ctx, cfg.Source, evalVars(in))
			if err != nil {
				return nil, err
			}

			if cfg.ResultVar != "" {
				in.Context.Set(cfg.ResultVar, value)
			}
			return execution.Success(map[string]any{"result": value}), nil
		}), nil
	}
}
