// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the dataflow graph model rewritten by the remapper.
//
// A Graph is a set of named Node objects, each consuming ordered outputs of other nodes, plus the list of
// terminal outputs of the graph. It is built by the caller (see Builder, or the graphyaml package), and
// mutated in place by the fusion passes.
//
// A Graph is not safe for concurrent mutation.
package graph

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/support/sets"
)

var (
	// ErrDanglingReference is returned when an input or a terminal output would reference a node not in the graph.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrUnknownNode is returned when a node name is not in the graph.
	ErrUnknownNode = errors.New("unknown node")

	// ErrDuplicateNode is returned when adding a node whose name is already used.
	ErrDuplicateNode = errors.New("duplicate node name")
)

// Graph is a dataflow graph: nodes keyed by name, kept in insertion order, and the terminal outputs.
type Graph struct {
	name    string
	nodes   map[string]*Node
	order   []string
	outputs []Output
}

// NewGraph creates an empty graph. If name is empty, a unique name is generated.
func NewGraph(name string) *Graph {
	if name == "" {
		name = "graph_" + uuid.NewString()
	}
	return &Graph{
		name:  name,
		nodes: make(map[string]*Node),
	}
}

// Name of the graph.
func (g *Graph) Name() string { return g.name }

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int { return len(g.order) }

// Node returns the node with the given name, or nil if it is not in the graph.
func (g *Graph) Node(name string) *Node {
	return g.nodes[name]
}

// Has returns whether a node with the given name is in the graph.
func (g *Graph) Has(name string) bool {
	_, found := g.nodes[name]
	return found
}

// Nodes returns the nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	nodes := make([]*Node, len(g.order))
	for ii, name := range g.order {
		nodes[ii] = g.nodes[name]
	}
	return nodes
}

// AddNode adds the node to the graph. Its inputs must already be in the graph.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.Name == "" {
		return errors.New("Graph.AddNode: node must have a name")
	}
	if g.Has(node.Name) {
		return errors.Wrapf(ErrDuplicateNode, "Graph(%q).AddNode(%q)", g.name, node.Name)
	}
	for ii, input := range node.Inputs {
		if !g.Has(input.Node) {
			return errors.Wrapf(ErrDanglingReference, "Graph(%q).AddNode(%q): input #%d references unknown node %q",
				g.name, node.Name, ii, input.Node)
		}
	}
	if node.Attrs == nil {
		node.Attrs = make(Attributes)
	}
	g.nodes[node.Name] = node
	g.order = append(g.order, node.Name)
	return nil
}

// RemoveNode removes a node that is not consumed by any other node nor is a terminal output.
func (g *Graph) RemoveNode(name string) error {
	if !g.Has(name) {
		return errors.Wrapf(ErrUnknownNode, "Graph(%q).RemoveNode(%q)", g.name, name)
	}
	if consumers := g.Consumers(name, -1); len(consumers) > 0 {
		return errors.Wrapf(ErrDanglingReference, "Graph(%q).RemoveNode(%q): still consumed by %q",
			g.name, name, consumers[0].Name)
	}
	if g.IsOutput(name) {
		return errors.Wrapf(ErrDanglingReference, "Graph(%q).RemoveNode(%q): node is a terminal output", g.name, name)
	}
	g.deleteNode(name)
	return nil
}

func (g *Graph) deleteNode(name string) {
	delete(g.nodes, name)
	g.order = slices.DeleteFunc(g.order, func(n string) bool { return n == name })
}

// SetInput rewires input #idx of the node to the given output.
//
// It can be used to create cycles, which are not an error: see TopologicalOrder.
func (g *Graph) SetInput(name string, idx int, output Output) error {
	node := g.Node(name)
	if node == nil {
		return errors.Wrapf(ErrUnknownNode, "Graph(%q).SetInput(%q)", g.name, name)
	}
	if idx < 0 || idx >= len(node.Inputs) {
		return errors.Errorf("Graph(%q).SetInput(%q, %d): node has only %d inputs", g.name, name, idx, len(node.Inputs))
	}
	if !g.Has(output.Node) {
		return errors.Wrapf(ErrDanglingReference, "Graph(%q).SetInput(%q, %d, %s)", g.name, name, idx, output)
	}
	node.Inputs[idx] = output
	return nil
}

// Producer returns the node producing input #idx of the named node.
func (g *Graph) Producer(name string, idx int) (*Node, error) {
	node := g.Node(name)
	if node == nil {
		return nil, errors.Wrapf(ErrUnknownNode, "Graph(%q).Producer(%q)", g.name, name)
	}
	if idx < 0 || idx >= len(node.Inputs) {
		return nil, errors.Errorf("Graph(%q).Producer(%q, %d): node has only %d inputs", g.name, name, idx, len(node.Inputs))
	}
	producer := g.Node(node.Inputs[idx].Node)
	if producer == nil {
		return nil, errors.Wrapf(ErrDanglingReference, "Graph(%q).Producer(%q, %d)", g.name, name, idx)
	}
	return producer, nil
}

// Consumers returns the nodes consuming the given output slot of the named node, in insertion order.
// If slot is negative, consumers of any of the node's outputs are returned.
//
// A consumer that uses the value more than once is listed once.
func (g *Graph) Consumers(name string, slot int) []*Node {
	var consumers []*Node
	for _, nodeName := range g.order {
		node := g.nodes[nodeName]
		for _, input := range node.Inputs {
			if input.Node == name && (slot < 0 || input.Slot == slot) {
				consumers = append(consumers, node)
				break
			}
		}
	}
	return consumers
}

// ConsumerMap returns for every node name the names of its consumers (of any output slot), in insertion order.
// Nodes with no consumers are not in the map.
func (g *Graph) ConsumerMap() map[string][]string {
	consumers := make(map[string][]string, len(g.nodes))
	for _, nodeName := range g.order {
		seen := sets.Make[string]()
		for _, input := range g.nodes[nodeName].Inputs {
			if seen.Has(input.Node) {
				continue
			}
			seen.Insert(input.Node)
			consumers[input.Node] = append(consumers[input.Node], nodeName)
		}
	}
	return consumers
}

// Outputs returns the terminal outputs of the graph.
func (g *Graph) Outputs() []Output {
	return slices.Clone(g.outputs)
}

// SetOutputs sets the terminal outputs of the graph.
func (g *Graph) SetOutputs(outputs ...Output) error {
	for _, output := range outputs {
		if !g.Has(output.Node) {
			return errors.Wrapf(ErrDanglingReference, "Graph(%q).SetOutputs(): output %s", g.name, output)
		}
	}
	g.outputs = slices.Clone(outputs)
	return nil
}

// IsOutput returns whether any output of the named node is a terminal output of the graph.
func (g *Graph) IsOutput(name string) bool {
	return slices.ContainsFunc(g.outputs, func(o Output) bool { return o.Node == name })
}

// ReplaceSubgraph removes the nodes named in removed and adds the replacement node in their place.
//
// The outputs map redirects outputs of removed nodes to output slots of the replacement: every consumer
// (and terminal output) of a remapped output is rewired to the replacement. The replacement may take the
// name of one of the removed nodes.
//
// It is transactional: everything is validated before the graph is changed. It fails with
// ErrDanglingReference if a surviving node or a terminal output references a removed node through an
// output not in the outputs map, or if the replacement's inputs reference a removed or unknown node.
func (g *Graph) ReplaceSubgraph(removed []string, replacement *Node, outputs map[Output]int) error {
	if replacement == nil || replacement.Name == "" {
		return errors.Errorf("Graph(%q).ReplaceSubgraph(): replacement must be a named node", g.name)
	}
	removedSet := sets.MakeWith(removed...)
	for _, name := range removed {
		if !g.Has(name) {
			return errors.Wrapf(ErrUnknownNode, "Graph(%q).ReplaceSubgraph(): removing %q", g.name, name)
		}
	}
	if g.Has(replacement.Name) && !removedSet.Has(replacement.Name) {
		return errors.Wrapf(ErrDuplicateNode, "Graph(%q).ReplaceSubgraph(): replacement %q", g.name, replacement.Name)
	}
	for from, slot := range outputs {
		if !removedSet.Has(from.Node) {
			return errors.Errorf("Graph(%q).ReplaceSubgraph(): remapped output %s is not of a removed node", g.name, from)
		}
		if slot < 0 {
			return errors.Errorf("Graph(%q).ReplaceSubgraph(): invalid replacement slot %d for %s", g.name, slot, from)
		}
	}
	for ii, input := range replacement.Inputs {
		if removedSet.Has(input.Node) || !g.Has(input.Node) {
			return errors.Wrapf(ErrDanglingReference, "Graph(%q).ReplaceSubgraph(): replacement %q input #%d references %s",
				g.name, replacement.Name, ii, input)
		}
	}
	for _, nodeName := range g.order {
		if removedSet.Has(nodeName) {
			continue
		}
		for ii, input := range g.nodes[nodeName].Inputs {
			if !removedSet.Has(input.Node) {
				continue
			}
			if _, found := outputs[input]; !found {
				return errors.Wrapf(ErrDanglingReference, "Graph(%q).ReplaceSubgraph(): node %q input #%d still references removed %s",
					g.name, nodeName, ii, input)
			}
		}
	}
	for _, output := range g.outputs {
		if !removedSet.Has(output.Node) {
			continue
		}
		if _, found := outputs[output]; !found {
			return errors.Wrapf(ErrDanglingReference, "Graph(%q).ReplaceSubgraph(): terminal output %s references a removed node",
				g.name, output)
		}
	}

	// Mutate: the replacement takes the position of the first removed node in the insertion order.
	position := slices.IndexFunc(g.order, func(name string) bool { return removedSet.Has(name) })
	if position < 0 {
		position = len(g.order)
	}
	newOrder := make([]string, 0, len(g.order)-len(removedSet)+1)
	for ii, name := range g.order {
		if ii == position {
			newOrder = append(newOrder, replacement.Name)
		}
		if removedSet.Has(name) {
			delete(g.nodes, name)
			continue
		}
		newOrder = append(newOrder, name)
	}
	if position == len(g.order) {
		newOrder = append(newOrder, replacement.Name)
	}
	g.order = newOrder
	if replacement.Attrs == nil {
		replacement.Attrs = make(Attributes)
	}
	g.nodes[replacement.Name] = replacement

	remap := func(o Output) Output {
		if slot, found := outputs[o]; found {
			return Output{Node: replacement.Name, Slot: slot}
		}
		return o
	}
	for _, name := range g.order {
		if name == replacement.Name {
			continue
		}
		node := g.nodes[name]
		for ii, input := range node.Inputs {
			node.Inputs[ii] = remap(input)
		}
	}
	for ii, output := range g.outputs {
		g.outputs[ii] = remap(output)
	}
	return nil
}

// Validate checks that every input and terminal output references a node in the graph, and that the
// node index is consistent.
func (g *Graph) Validate() error {
	if len(g.order) != len(g.nodes) {
		return errors.Errorf("Graph(%q): %d nodes indexed, but %d in insertion order", g.name, len(g.nodes), len(g.order))
	}
	for _, name := range g.order {
		node, found := g.nodes[name]
		if !found || node.Name != name {
			return errors.Errorf("Graph(%q): node index corrupted for %q", g.name, name)
		}
		for ii, input := range node.Inputs {
			if !g.Has(input.Node) {
				return errors.Wrapf(ErrDanglingReference, "Graph(%q): node %q input #%d references %s", g.name, name, ii, input)
			}
			if input.Slot < 0 {
				return errors.Errorf("Graph(%q): node %q input #%d has invalid slot %d", g.name, name, ii, input.Slot)
			}
		}
	}
	for _, output := range g.outputs {
		if !g.Has(output.Node) {
			return errors.Wrapf(ErrDanglingReference, "Graph(%q): terminal output %s", g.name, output)
		}
	}
	return nil
}

// Clone returns a deep copy of the graph, with the same name.
func (g *Graph) Clone() *Graph {
	clone := &Graph{
		name:    g.name,
		nodes:   make(map[string]*Node, len(g.nodes)),
		order:   slices.Clone(g.order),
		outputs: slices.Clone(g.outputs),
	}
	for name, node := range g.nodes {
		clone.nodes[name] = node.Clone()
	}
	return clone
}

// Assign replaces the contents of g by the contents of other. other must not be used afterwards.
func (g *Graph) Assign(other *Graph) {
	g.nodes = other.nodes
	g.order = other.order
	g.outputs = other.outputs
	other.nodes = nil
	other.order = nil
	other.outputs = nil
}

// CountOps returns how many nodes of each operator name are in the graph.
func (g *Graph) CountOps() map[string]int {
	counts := make(map[string]int)
	for _, node := range g.nodes {
		counts[node.OpName()]++
	}
	return counts
}

// String returns a multi-line description of the graph, one node per line in insertion order.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q: %d nodes\n", g.name, len(g.order))
	for _, name := range g.order {
		fmt.Fprintf(&sb, "\t%s\n", g.nodes[name])
	}
	outputs := make([]string, len(g.outputs))
	for ii, output := range g.outputs {
		outputs[ii] = output.String()
	}
	fmt.Fprintf(&sb, "\toutputs: [%s]\n", strings.Join(outputs, ", "))
	return sb.String()
}

// Equal returns whether both graphs have the same nodes (compared by content), in the same order, and the same
// terminal outputs. The graph names are not compared.
func (g *Graph) Equal(other *Graph) bool {
	if !slices.Equal(g.order, other.order) || !slices.Equal(g.outputs, other.outputs) {
		return false
	}
	for name, node := range g.nodes {
		otherNode := other.nodes[name]
		if otherNode == nil || !node.Equal(otherNode) {
			return false
		}
	}
	return true
}

// Equal compares the contents of two nodes.
func (n *Node) Equal(other *Node) bool {
	return n.Name == other.Name && n.Op == other.Op && n.RawOp == other.RawOp && n.DType == other.DType &&
		slices.Equal(n.Inputs, other.Inputs) && slices.Equal(n.Shape, other.Shape) && slices.Equal(n.Value, other.Value) &&
		maps.EqualFunc(n.Attrs, other.Attrs, AttrValue.Equal)
}
