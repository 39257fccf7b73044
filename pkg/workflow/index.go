package workflow

import (
	"fmt"
	"sort"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Index provides O(1) adjacency over a graph's flat connection list. It is
// built once per run and never rescans the lists during execution. The index
// also resolves, at build time, which nodes are control-flow types and the
// body membership of loop and for-each nodes.
type Index struct {
	graph *Graph

	nodes    map[string]*Node
	outgoing map[string][]*Connection
	incoming map[string][]*Connection
	dataIn   map[string][]*Connection

	// control successors keyed by node id, then by source port
	byPort map[string]map[string][]string

	entries     []string
	controlFlow map[string]bool
	bodies      map[string][]string
}

// IndexOption customizes index construction.
type IndexOption func(*indexOptions)

type indexOptions struct {
	controlFlowTypes []string
}

// WithControlFlowTypes extends the default control-flow tag set with
// additional type tags. The set is resolved once at build time.
func WithControlFlowTypes(types ...string) IndexOption {
	return func(o *indexOptions) {
		o.controlFlowTypes = append(o.controlFlowTypes, types...)
	}
}

// NewIndex validates the graph structurally and builds the adjacency maps.
// It fails fast with a STRUCTURAL error before any node runs.
func NewIndex(g *Graph, opts ...IndexOption) (*Index, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	options := indexOptions{controlFlowTypes: DefaultControlFlowTypes()}
	for _, opt := range opts {
		opt(&options)
	}
	tags := make(map[string]bool, len(options.controlFlowTypes))
	for _, t := range options.controlFlowTypes {
		tags[t] = true
	}

	idx := &Index{
		graph:       g,
		nodes:       make(map[string]*Node, len(g.Nodes)),
		outgoing:    make(map[string][]*Connection),
		incoming:    make(map[string][]*Connection),
		dataIn:      make(map[string][]*Connection),
		byPort:      make(map[string]map[string][]string),
		controlFlow: make(map[string]bool, len(g.Nodes)),
		bodies:      make(map[string][]string),
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		idx.nodes[n.ID] = n
		idx.controlFlow[n.ID] = tags[n.Type]
	}

	hasIncoming := make(map[string]bool, len(g.Nodes))
	for i := range g.Connections {
		c := &g.Connections[i]
		if c.Kind == ConnectionData {
			idx.dataIn[c.TargetNode] = append(idx.dataIn[c.TargetNode], c)
			continue
		}
		idx.outgoing[c.SourceNode] = append(idx.outgoing[c.SourceNode], c)
		idx.incoming[c.TargetNode] = append(idx.incoming[c.TargetNode], c)
		hasIncoming[c.TargetNode] = true

		ports := idx.byPort[c.SourceNode]
		if ports == nil {
			ports = make(map[string][]string)
			idx.byPort[c.SourceNode] = ports
		}
		ports[c.SourcePort] = append(ports[c.SourcePort], c.TargetNode)
	}

	if len(g.EntryNodes) > 0 {
		idx.entries = append(idx.entries, g.EntryNodes...)
	} else {
		for i := range g.Nodes {
			if !hasIncoming[g.Nodes[i].ID] {
				idx.entries = append(idx.entries, g.Nodes[i].ID)
			}
		}
	}
	if len(idx.entries) == 0 {
		return nil, errors.Structural("no entry nodes: every node has an incoming control connection", nil)
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		switch n.Type {
		case TypeLoop:
			idx.bodies[n.ID] = idx.reachableFrom(n.ID, PortBody, n.ID)
		case TypeForEach:
			idx.bodies[n.ID] = idx.reachableFrom(n.ID, PortEach, n.ID)
		}
	}

	return idx, nil
}

// reachableFrom walks control edges from the given source port, collecting
// every node reachable without passing through stop. Used to resolve loop
// and for-each body membership once at build time.
func (idx *Index) reachableFrom(nodeID, port, stop string) []string {
	var body []string
	seen := map[string]bool{stop: true}
	frontier := append([]string(nil), idx.byPort[nodeID][port]...)
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		body = append(body, id)
		for _, c := range idx.outgoing[id] {
			frontier = append(frontier, c.TargetNode)
		}
	}
	sort.Strings(body)
	return body
}

// Graph returns the indexed graph.
func (idx *Index) Graph() *Graph {
	return idx.graph
}

// Node returns the node definition for id.
func (idx *Index) Node(id string) (*Node, bool) {
	n, ok := idx.nodes[id]
	return n, ok
}

// MustNode returns the node definition for id or an error naming it.
func (idx *Index) MustNode(id string) (*Node, error) {
	n, ok := idx.nodes[id]
	if !ok {
		return nil, errors.Structural(fmt.Sprintf("node %s not in graph", id), nil)
	}
	return n, nil
}

// Size returns the number of nodes in the graph.
func (idx *Index) Size() int {
	return len(idx.nodes)
}

// EntryNodes returns the run's seed nodes.
func (idx *Index) EntryNodes() []string {
	return idx.entries
}

// Successors returns all control successors of a node, deduplicated in
// connection order.
func (idx *Index) Successors(id string) []string {
	conns := idx.outgoing[id]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	seen := make(map[string]bool, len(conns))
	for _, c := range conns {
		if !seen[c.TargetNode] {
			seen[c.TargetNode] = true
			out = append(out, c.TargetNode)
		}
	}
	return out
}

// SuccessorsFrom returns the control successors reachable from the given
// source ports only.
func (idx *Index) SuccessorsFrom(id string, ports []string) []string {
	byPort := idx.byPort[id]
	if len(byPort) == 0 || len(ports) == 0 {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, p := range ports {
		for _, target := range byPort[p] {
			if !seen[target] {
				seen[target] = true
				out = append(out, target)
			}
		}
	}
	return out
}

// PortTargets returns the control successors wired to one source port.
func (idx *Index) PortTargets(id, port string) []string {
	return idx.byPort[id][port]
}

// Predecessors returns all control predecessors of a node.
func (idx *Index) Predecessors(id string) []string {
	conns := idx.incoming[id]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	seen := make(map[string]bool, len(conns))
	for _, c := range conns {
		if !seen[c.SourceNode] {
			seen[c.SourceNode] = true
			out = append(out, c.SourceNode)
		}
	}
	return out
}

// DataInputs returns the data connections feeding a node's input ports.
func (idx *Index) DataInputs(id string) []*Connection {
	return idx.dataIn[id]
}

// IsControlFlow reports whether the node's type is in the control-flow tag
// set resolved at build time. Only control-flow nodes may narrow dispatch
// with a Selected route.
func (idx *Index) IsControlFlow(id string) bool {
	return idx.controlFlow[id]
}

// Body returns the body membership of a loop or for-each node, resolved at
// build time. Node ids are sorted.
func (idx *Index) Body(id string) []string {
	return idx.bodies[id]
}
