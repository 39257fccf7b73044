package workflow

// Built-in node type tags. The engine special-cases the control-flow subset;
// everything else is dispatched purely through the registry.
const (
	TypeCondition = "condition"
	TypeSwitch    = "switch"
	TypeLoop      = "loop"
	TypeForEach   = "foreach"
	TypeFork      = "fork"
	TypeJoin      = "join"
	TypeScript    = "script"
	TypeSetVar    = "setvar"
	TypeText      = "text"
	TypeWait      = "wait"
	TypeNoop      = "noop"
	TypeFail      = "fail"
)

// Conventional port names used by the built-in control-flow nodes.
const (
	PortTrue    = "true"
	PortFalse   = "false"
	PortDefault = "default"
	PortBody    = "body"
	PortEach    = "each"
	PortDone    = "done"
)

// DefaultControlFlowTypes returns the static tag set of node types whose
// Selected routes are honored by the dispatcher. The engine resolves this
// set once at load; hosts may extend it through the engine configuration.
func DefaultControlFlowTypes() []string {
	return []string{
		TypeCondition,
		TypeSwitch,
		TypeLoop,
		TypeForEach,
		TypeFork,
		TypeJoin,
	}
}
