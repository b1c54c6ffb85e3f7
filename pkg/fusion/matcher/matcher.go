// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package matcher finds non-overlapping occurrences of catalog patterns in a graph.
//
// Nodes are visited in reverse topological order (consumers first): this way a long pattern anchored at the
// end of a chain is tried before a shorter pattern anchored at one of its interior nodes. At each anchor the
// candidate patterns are tried in catalog (priority) order and the first accepted one wins. Its nodes are
// then claimed and can't take part in any other match.
//
// Rejections (an operator or a predicate that doesn't match, a value consumed outside the pattern, a policy
// refusal) are not errors: the matcher just tries the next candidate.
package matcher

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/fusion/catalog"
	"github.com/gomlx/remapper/pkg/fusion/policy"
	"github.com/gomlx/remapper/pkg/support/sets"
)

// Options of a matching run.
type Options struct {
	// Device the graph is optimized for, passed to the policy.
	Device policy.DeviceKind

	// Level is the highest pattern level used.
	Level catalog.Level

	// Preserve lists nodes that must survive the rewrite: they can anchor a match (the fused node takes
	// their name) but are never removed as interior nodes.
	Preserve sets.Set[string]
}

// Match is an accepted binding of a pattern to a graph.
type Match struct {
	Pattern *catalog.Pattern

	// Anchor is the name of the node bound to the pattern root.
	Anchor string

	Binding *catalog.Binding
}

// Nodes returns the names of the bound nodes, in pattern declaration order.
func (m Match) Nodes() []string {
	names := make([]string, 0, len(m.Pattern.Nodes))
	for _, t := range m.Pattern.Nodes {
		names = append(names, m.Binding.Nodes[t.Label].Name)
	}
	return names
}

// String implements fmt.Stringer.
func (m Match) String() string {
	return fmt.Sprintf("%s@%s[%s]", m.Pattern.ID, m.Anchor, strings.Join(m.Nodes(), ", "))
}

// FindMatches returns the non-overlapping matches of the catalog patterns in g, in the order their anchors
// were visited.
//
// Nodes on cycles are never matched. It returns an error only if g is not a valid graph.
func FindMatches(g *graph.Graph, c *catalog.Catalog, p policy.Policy, opts Options) ([]Match, error) {
	if c == nil || p == nil {
		return nil, errors.New("FindMatches() requires a catalog and a policy")
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	m := &matcher{
		g:         g,
		catalog:   c,
		policy:    p,
		opts:      opts,
		consumers: g.ConsumerMap(),
		outputs:   sets.Make[string](),
		claimed:   sets.Make[string](),
	}
	for _, output := range g.Outputs() {
		m.outputs.Insert(output.Node)
	}

	var matches []Match
	order := g.TopologicalOrder()
	for ii := len(order) - 1; ii >= 0; ii-- {
		anchor := order[ii]
		if m.claimed.Has(anchor.Name) {
			continue
		}
		for _, pattern := range c.PatternsRootedAt(anchor.Op) {
			if pattern.Level > opts.Level {
				continue
			}
			binding := m.bind(pattern, anchor)
			if binding == nil {
				continue
			}
			match := Match{Pattern: pattern, Anchor: anchor.Name, Binding: binding}
			for _, name := range match.Nodes() {
				m.claimed.Insert(name)
			}
			klog.V(1).Infof("graph %q: matched %s", g.Name(), match)
			matches = append(matches, match)
			break
		}
	}
	return matches, nil
}

type matcher struct {
	g         *graph.Graph
	catalog   *catalog.Catalog
	policy    policy.Policy
	opts      Options
	consumers map[string][]string
	outputs   sets.Set[string]
	claimed   sets.Set[string]
}

// state of a partial binding. It is cloned at every branch (operand order) of the search, and only mutated
// along one path.
type state struct {
	nodes     map[string]*graph.Node
	externals map[string]graph.Output
	perms     map[string][]int
	used      sets.Set[string]
}

func newState() *state {
	return &state{
		nodes:     make(map[string]*graph.Node),
		externals: make(map[string]graph.Output),
		perms:     make(map[string][]int),
		used:      sets.Make[string](),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.nodes {
		c.nodes[k] = v
	}
	for k, v := range s.externals {
		c.externals[k] = v
	}
	for k, v := range s.perms {
		c.perms[k] = v
	}
	for k := range s.used {
		c.used.Insert(k)
	}
	return c
}

// binding returns the final Binding, with the replacement inputs in declaration order.
func (s *state) binding(p *catalog.Pattern) *catalog.Binding {
	b := &catalog.Binding{
		Nodes:     make(map[string]*graph.Node, len(s.nodes)),
		Externals: make(map[string]graph.Output, len(s.externals)),
	}
	for k, v := range s.nodes {
		b.Nodes[k] = v
	}
	for k, v := range s.externals {
		b.Externals[k] = v
	}
	seen := sets.Make[string]()
	for _, t := range p.Nodes {
		node, perm := s.nodes[t.Label], s.perms[t.Label]
		for ii, entry := range t.Inputs {
			switch {
			case entry == "":
				b.Inputs = append(b.Inputs, node.Inputs[perm[ii]])
			case catalog.IsExternalName(entry):
				name := entry[1:]
				if !seen.Has(name) {
					seen.Insert(name)
					b.Inputs = append(b.Inputs, s.externals[name])
				}
			}
		}
	}
	return b
}

var commutativeOps = sets.MakeWith(graph.OpAdd, graph.OpAddV2, graph.OpAddN, graph.OpMul, graph.OpMaximum)

// operandOrders returns the orders in which the node inputs are matched against the template inputs.
func operandOrders(t *catalog.NodeTemplate, node *graph.Node) [][]int {
	identity := make([]int, len(t.Inputs))
	for ii := range identity {
		identity[ii] = ii
	}
	if t.Commutative && len(t.Inputs) == 2 && commutativeOps.Has(node.Op) {
		return [][]int{identity, {1, 0}}
	}
	return [][]int{identity}
}

// bind tries to bind the pattern with its root at the anchor, and returns the accepted binding or nil.
func (m *matcher) bind(p *catalog.Pattern, anchor *graph.Node) *catalog.Binding {
	var (
		result *catalog.Binding
		reason string
	)
	m.bindNode(p, p.Root, anchor, newState(), func(s *state) bool {
		b := s.binding(p)
		if reason = m.reject(p, anchor, s, b); reason != "" {
			return false
		}
		result = b
		return true
	})
	if result == nil && reason != "" && klog.V(2).Enabled() {
		klog.Infof("graph %q: pattern %s at %q rejected: %s", m.g.Name(), p.ID, anchor.Name, reason)
	}
	return result
}

// bindNode binds the template label to node, and then calls next. It backtracks over the operand orders of
// commutative nodes, and returns whether next eventually accepted a binding.
func (m *matcher) bindNode(p *catalog.Pattern, label string, node *graph.Node, s *state, next func(*state) bool) bool {
	if node == nil {
		return false
	}
	if bound, found := s.nodes[label]; found {
		return bound == node && next(s)
	}
	t := p.Template(label)
	if s.used.Has(node.Name) || m.claimed.Has(node.Name) || node.SkipFusion() {
		return false
	}
	if !slices.Contains(t.Ops, node.Op) || len(node.Inputs) != len(t.Inputs) {
		return false
	}
	if t.Predicate != nil && !t.Predicate(node) {
		return false
	}
	for _, perm := range operandOrders(t, node) {
		branch := s.clone()
		branch.nodes[label] = node
		branch.perms[label] = perm
		branch.used.Insert(node.Name)
		if m.bindInputs(p, t, node, perm, 0, branch, next) {
			return true
		}
	}
	return false
}

// bindInputs binds the template inputs of node starting at idx.
func (m *matcher) bindInputs(p *catalog.Pattern, t *catalog.NodeTemplate, node *graph.Node, perm []int, idx int,
	s *state, next func(*state) bool) bool {
	if idx == len(t.Inputs) {
		return next(s)
	}
	entry, actual := t.Inputs[idx], node.Inputs[perm[idx]]
	continueWith := func(s *state) bool {
		return m.bindInputs(p, t, node, perm, idx+1, s, next)
	}
	switch {
	case entry == "":
		return continueWith(s)
	case catalog.IsExternalName(entry):
		name := entry[1:]
		if previous, found := s.externals[name]; found {
			return previous == actual && continueWith(s)
		}
		s.externals[name] = actual
		return continueWith(s)
	default:
		// Internal edges always use the producer's main output.
		if actual.Slot != 0 {
			return false
		}
		return m.bindNode(p, entry, m.g.Node(actual.Node), s, continueWith)
	}
}

// reject returns why a complete binding can't be accepted, or "" if it is accepted.
func (m *matcher) reject(p *catalog.Pattern, anchor *graph.Node, s *state, b *catalog.Binding) string {
	for label, node := range s.nodes {
		if label == p.Root {
			continue
		}
		if m.opts.Preserve.Has(node.Name) {
			return fmt.Sprintf("interior node %q must be preserved", node.Name)
		}
		if m.outputs.Has(node.Name) {
			return fmt.Sprintf("interior node %q is a graph output", node.Name)
		}
		for _, consumer := range m.consumers[node.Name] {
			if !s.used.Has(consumer) {
				return fmt.Sprintf("interior node %q is also consumed by %q", node.Name, consumer)
			}
		}
	}
	for _, input := range b.Inputs {
		if s.used.Has(input.Node) {
			return fmt.Sprintf("matched node %q is also an external input", input.Node)
		}
	}
	for _, consumer := range m.consumers[anchor.Name] {
		for _, input := range m.g.Node(consumer).Inputs {
			if input.Node == anchor.Name && input.Slot != 0 {
				return fmt.Sprintf("output %s of the anchor is used by %q", input, consumer)
			}
		}
	}
	for _, output := range m.g.Outputs() {
		if output.Node == anchor.Name && output.Slot != 0 {
			return fmt.Sprintf("output %s of the anchor is a graph output", output)
		}
	}
	if p.Check != nil && !p.Check(m.g, b) {
		return "pattern check failed"
	}
	if !m.policy.IsAllowed(p.ID, anchor.DType, m.opts.Device) {
		return fmt.Sprintf("not allowed for %s on %s", anchor.DType, m.opts.Device)
	}
	return ""
}
