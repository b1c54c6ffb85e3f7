// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/support/sets"
)

// Level of a pattern: a pass configured at LevelBasic only uses LevelBasic patterns.
type Level int

const (
	// LevelBasic patterns have no optional leg: a contraction with its bias, or a single rewrite.
	LevelBasic Level = iota

	// LevelAdvanced patterns include an "Add" leg (residual connections).
	LevelAdvanced
)

// String implements fmt.Stringer.
func (l Level) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelAdvanced:
		return "advanced"
	}
	return "Level(?)"
}

// ParseLevel parses "basic" or "advanced".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "basic":
		return LevelBasic, nil
	case "advanced":
		return LevelAdvanced, nil
	}
	return LevelBasic, errors.Errorf("unknown fusion level %q, valid values are \"basic\" or \"advanced\"", s)
}

// Predicate on a graph node, used to restrict which nodes a template accepts.
type Predicate func(node *graph.Node) bool

// AttrCopy copies attribute From of a matched node to attribute To of the replacement node.
// If To is empty, the same name is used.
type AttrCopy struct {
	From, To string
}

// NodeTemplate describes one node of a pattern.
type NodeTemplate struct {
	// Label identifies the template node within the pattern.
	Label string

	// Ops accepted for this node.
	Ops []graph.OpKind

	// Inputs of the node, in order. Each entry is either:
	//
	//   - the label of another template node: an internal edge of the pattern;
	//   - "$name": a named external value. Entries with the same name must bind the same producer output,
	//     and the value is passed only once to the replacement;
	//   - "": an anonymous external value.
	Inputs []string

	// Commutative allows the operands of binary commutative operators (Add, AddV2, Mul, Maximum) to be
	// matched in either order.
	Commutative bool

	// Predicate, if set, must accept the graph node.
	Predicate Predicate

	// Tag contributed to the fused_ops attribute of the replacement, or empty for none.
	Tag string

	// CopyAttrs are copied from the matched node to the replacement, if present.
	CopyAttrs []AttrCopy
}

// IsExternalName returns whether the template input entry is a named external value ("$name").
func IsExternalName(entry string) bool {
	return strings.HasPrefix(entry, "$")
}

// Binding of a pattern to a graph: the graph node matched by each template label, the producer output bound
// to each named external value and the ordered inputs of the replacement.
type Binding struct {
	Nodes     map[string]*graph.Node
	Externals map[string]graph.Output

	// Inputs are the external values of the match in template declaration order, with repeated named values
	// listed once.
	Inputs []graph.Output
}

// Node returns the graph node bound to the template label.
func (b *Binding) Node(label string) *graph.Node {
	return b.Nodes[label]
}

// ExternalNode returns the node producing the named external value ("$name" or "name"), or nil.
func (b *Binding) ExternalNode(g *graph.Graph, name string) *graph.Node {
	output, found := b.Externals[strings.TrimPrefix(name, "$")]
	if !found {
		return nil
	}
	return g.Node(output.Node)
}

// Pattern is a declarative description of a subgraph and of the operator that replaces it.
//
// Patterns are immutable once registered in a Catalog.
type Pattern struct {
	// ID is unique in a catalog, e.g. "Conv2D+BiasAdd+Relu". Policies refer to patterns by ID.
	ID string

	// Root is the label of the anchor: the node whose outputs the replacement takes over. The replacement
	// takes the anchor's name.
	Root string

	// Nodes in declaration order. The order defines the order of the replacement inputs and of the fused_ops tags.
	Nodes []NodeTemplate

	// Replacement operator.
	Replacement graph.OpKind

	Level Level

	// Fold patterns are canonicalizations: the replacement is a plain operator with no fused_ops, marked to not
	// take part in any later fusion.
	Fold bool

	// Check, if set, is called after a full binding and must accept it.
	Check func(g *graph.Graph, b *Binding) bool

	// Build, if set, finishes the replacement node, after it has been initialized from the binding.
	Build func(g *graph.Graph, b *Binding, replacement *graph.Node) error
}

// Tags returns the ordered fused_ops tags of the pattern.
func (p *Pattern) Tags() []string {
	var tags []string
	for _, t := range p.Nodes {
		if t.Tag != "" {
			tags = append(tags, t.Tag)
		}
	}
	return tags
}

// Template returns the template node with the given label, or nil.
func (p *Pattern) Template(label string) *NodeTemplate {
	for ii := range p.Nodes {
		if p.Nodes[ii].Label == label {
			return &p.Nodes[ii]
		}
	}
	return nil
}

// RootTemplate returns the template of the anchor.
func (p *Pattern) RootTemplate() *NodeTemplate {
	return p.Template(p.Root)
}

// String returns the pattern ID.
func (p *Pattern) String() string { return p.ID }

// Validate checks that the pattern is well-formed: unique labels, a root that is consumed by no other template
// node, every referenced label defined, no cycles, and every template node reachable backward from the root.
func (p *Pattern) Validate() error {
	if p.ID == "" {
		return errors.Wrap(ErrInvalidPattern, "pattern has no ID")
	}
	if len(p.Nodes) == 0 {
		return errors.Wrapf(ErrInvalidPattern, "pattern %q has no nodes", p.ID)
	}
	if p.Replacement == graph.OpUnknown || p.Replacement >= graph.OpLast {
		return errors.Wrapf(ErrInvalidPattern, "pattern %q has an invalid replacement operator", p.ID)
	}
	labels := sets.Make[string](len(p.Nodes))
	for _, t := range p.Nodes {
		if t.Label == "" || IsExternalName(t.Label) {
			return errors.Wrapf(ErrInvalidPattern, "pattern %q: invalid label %q", p.ID, t.Label)
		}
		if labels.Has(t.Label) {
			return errors.Wrapf(ErrInvalidPattern, "pattern %q: duplicate label %q", p.ID, t.Label)
		}
		if len(t.Ops) == 0 {
			return errors.Wrapf(ErrInvalidPattern, "pattern %q: template %q accepts no operator", p.ID, t.Label)
		}
		labels.Insert(t.Label)
	}
	if !labels.Has(p.Root) {
		return errors.Wrapf(ErrInvalidPattern, "pattern %q: root %q is not defined", p.ID, p.Root)
	}
	consumed := sets.Make[string]()
	for _, t := range p.Nodes {
		for _, entry := range t.Inputs {
			switch {
			case entry == "":
			case IsExternalName(entry):
				if entry == "$" {
					return errors.Wrapf(ErrInvalidPattern, "pattern %q: template %q has an empty external name", p.ID, t.Label)
				}
			case !labels.Has(entry):
				return errors.Wrapf(ErrInvalidPattern, "pattern %q: template %q references undefined label %q", p.ID, t.Label, entry)
			case entry == t.Label:
				return errors.Wrapf(ErrInvalidPattern, "pattern %q: template %q consumes itself", p.ID, t.Label)
			default:
				consumed.Insert(entry)
			}
		}
	}
	if consumed.Has(p.Root) {
		return errors.Wrapf(ErrInvalidPattern, "pattern %q: root %q is consumed inside the pattern", p.ID, p.Root)
	}

	// Every template must be reachable backward from the root (which also rules out a second root), and there
	// must be no cycles.
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(p.Nodes))
	var visit func(label string) error
	visit = func(label string) error {
		switch state[label] {
		case visiting:
			return errors.Wrapf(ErrInvalidPattern, "pattern %q: cycle through %q", p.ID, label)
		case done:
			return nil
		}
		state[label] = visiting
		for _, entry := range p.Template(label).Inputs {
			if entry == "" || IsExternalName(entry) {
				continue
			}
			if err := visit(entry); err != nil {
				return err
			}
		}
		state[label] = done
		return nil
	}
	if err := visit(p.Root); err != nil {
		return err
	}
	for _, t := range p.Nodes {
		if state[t.Label] != done {
			return errors.Wrapf(ErrInvalidPattern, "pattern %q: template %q is not connected to the root %q",
				p.ID, t.Label, p.Root)
		}
	}
	return nil
}

// clone returns a copy of the pattern that shares no slices with p.
func (p *Pattern) clone() *Pattern {
	c := *p
	c.Nodes = make([]NodeTemplate, len(p.Nodes))
	for ii, t := range p.Nodes {
		t.Ops = slices.Clone(t.Ops)
		t.Inputs = slices.Clone(t.Inputs)
		t.CopyAttrs = slices.Clone(t.CopyAttrs)
		c.Nodes[ii] = t
	}
	return &c
}
