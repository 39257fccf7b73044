package nodes

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/wehubfusion/Daedalus/pkg/execution"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type forkConfig struct {
	// ForkID pairs this fork with its join. Empty generates a fresh id
	// per execution.
	ForkID string `json:"forkId"`

	// Branches lists the branch labels. Empty derives them from the
	// node's control output ports.
	Branches []string `json:"branches"`

	FailFast bool `json:"failFast"`
}

// forkFactory builds the fork handler: it declares concurrent branches; the
// branch coordinator does the actual driving.
func forkFactory(node *workflow.Node) (execution.Handler, error) {
	var cfg forkConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	branches := cfg.Branches
	if len(branches) == 0 {
		for _, port := range node.Outputs {
			if port.Kind == workflow.PortControl {
				branches = append(branches, port.Name)
			}
		}
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("fork node %s declares no branches", node.ID)
	}

	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		forkID := cfg.ForkID
		if forkID == "" {
			forkID = uuid.NewString()
		}
		return execution.Success(map[string]any{"forkId": forkID}).
			WithFork(forkID, cfg.FailFast, branches...), nil
	}), nil
}

type joinConfig struct {
	// ForkID names the fork this join rendezvouses for. Empty joins any
	// fork whose branches reach it.
	ForkID string `json:"forkId"`
}

// joinFactory builds the join handler. The rendezvous itself happens in the
// branch coordinator; by the time this handler runs, every branch has
// arrived and merged, so it simply reports the merged branch results.
func joinFactory(node *workflow.Node) (execution.Handler, error) {
	var cfg joinConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return nil, err
	}

	return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
		results, _ := in.Context.Lookup(execution.ResultsKey)
		return execution.Success(map[string]any{execution.ResultsKey: results}), nil
	}), nil
}

// JoinForkID returns the fork id a join node is qualified with, empty when
// it accepts any fork. Resolved by the coordinator at dispatch.
func JoinForkID(node *workflow.Node) string {
	var cfg joinConfig
	if err := decodeConfig(node, &cfg); err != nil {
		return ""
	}
	return cfg.ForkID
}

type forEachConfig struct {
	// Items is a literal item list.
	Items []any `json:"items"`

	// ItemsVar names a context variable holding the item list.
	ItemsVar string `json:"itemsVar"`

	// ItemsExpr is an expression producing the item list.
	ItemsExpr string `json:"itemsExpr"`

	BatchSize int `json:"batchSize"`

	// ResultVar names the context variable receiving the ordered results.
	ResultVar string `json:"resultVar"`
}

// forEachFactory builds the for-each handler: it resolves the items and
// declares a batched iteration; the branch coordinator runs the batches.
func forEachFactory(pool *VMPool) execution.Factory {
	return func(node *workflow.Node) (execution.Handler, error) {
		var cfg forEachConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		if len(cfg.Items) == 0 && cfg.ItemsVar == "" && cfg.ItemsExpr == "" {
			return nil, fmt.Errorf("foreach node %s declares no items source", node.ID)
		}

		return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
			items, err := resolveItems(ctx, pool, cfg, in)
			if err != nil {
				return nil, err
			}
			return execution.Success(map[string]any{"count": len(items)}).
				WithForEach(items, cfg.BatchSize, cfg.ResultVar), nil
		}), nil
	}
}

func resolveItems(ctx context.Context, pool *VMPool, cfg forEachConfig, in execution.Input) ([]any, error) {
	if len(cfg.Items) > 0 {
		return cfg.Items, nil
	}

	var raw any
	if cfg.ItemsVar != "" {
		value, ok := in.Context.Lookup(cfg.ItemsVar)
		if !ok {
			return nil, fmt.Errorf("items variable %s is not set", cfg.ItemsVar)
		}
		raw = value
	} else {
		value, err := pool.Export(ctx, cfg.ItemsExpr, evalVars(in))
		if err != nil {
			return nil, err
		}
		raw = value
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("items source produced %T, want a list", raw)
	}
	return items, nil
}

type loopConfig struct {
	// Count iterates the body a fixed number of times.
	Count int `json:"count"`

	// While re-enters the body while the expression holds. Evaluated
	// before each iteration; takes precedence over Count when set.
	While string `json:"while"`
}

// loopFactory builds the loop handler. The engine passes the current
// iteration (zero-based, tracked per loop id) through Input.Iteration and
// reacts to the selected port: body re-enters, done leaves the loop.
func loopFactory(pool *VMPool) execution.Factory {
	return func(node *workflow.Node) (execution.Handler, error) {
		var cfg loopConfig
		if err := decodeConfig(node, &cfg); err != nil {
			return nil, err
		}
		if cfg.Count <= 0 && cfg.While == "" {
			return nil, fmt.Errorf("loop node %s needs a count or while condition", node.ID)
		}

		return execution.HandlerFunc(func(ctx context.Context, in execution.Input) (*execution.Result, error) {
			var again bool
			if cfg.While != "" {
				vars := evalVars(in)
				vars["iteration"] = in.Iteration
				outcome, err := pool.EvalBool(ctx, cfg.While, vars)
				if err != nil {
					return nil, err
				}
				again = outcome
			} else {
				again = in.Iteration < cfg.Count
			}

			output := map[string]any{"iteration": in.Iteration}
			if again {
				return execution.Success(output).WithSelected(workflow.PortBody), nil
			}
			return execution.Success(output).WithSelected(workflow.PortDone), nil
		}), nil
	}
}
