// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewriter replaces matched subgraphs with their fused node.
package rewriter

import (
	"slices"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/fusion/matcher"
	"github.com/gomlx/remapper/pkg/support/sets"
)

// ErrRewriteConflict is returned when a match overlaps one already applied by the same Rewriter, or refers to
// nodes no longer in the graph. It indicates a bug in the matcher.
var ErrRewriteConflict = errors.New("rewrite conflict")

// Rewriter applies the matches of one matching run. Create a new one for each run.
type Rewriter struct {
	touched sets.Set[string]
}

// New returns a Rewriter for one matching run.
func New() *Rewriter {
	return &Rewriter{touched: sets.Make[string]()}
}

// Apply replaces the nodes of the match with the fused node, and returns its name (the anchor's).
//
// On error the graph is left unchanged.
func (r *Rewriter) Apply(g *graph.Graph, m matcher.Match) (string, error) {
	names := m.Nodes()
	for _, name := range names {
		if r.touched.Has(name) {
			return "", errors.Wrapf(ErrRewriteConflict, "match %s overlaps a previous rewrite at %q", m, name)
		}
		if g.Node(name) != m.Binding.Nodes[labelOf(m, name)] {
			return "", errors.Wrapf(ErrRewriteConflict, "match %s: node %q changed since it was matched", m, name)
		}
	}
	replacement, err := Replacement(g, m)
	if err != nil {
		return "", err
	}
	anchor := g.Node(m.Anchor)
	err = g.ReplaceSubgraph(names, replacement, map[graph.Output]int{anchor.Output(0): 0})
	if err != nil {
		return "", errors.WithMessagef(err, "applying match %s", m)
	}
	r.touched.Insert(names...)
	klog.V(1).Infof("graph %q: %s replaced by %s", g.Name(), m, replacement.OpName())
	return replacement.Name, nil
}

func labelOf(m matcher.Match, name string) string {
	for label, node := range m.Binding.Nodes {
		if node.Name == name {
			return label
		}
	}
	return ""
}

// Replacement builds the node that replaces the match, without changing the graph.
//
// It takes the anchor's name, dtype and shape, the match external inputs in declaration order and the
// attributes each template copies. Fused kinds also get the ordered fused_ops tags and num_args, the number
// of inputs beyond the first two. Fold patterns produce a plain node marked to skip later fusions.
func Replacement(g *graph.Graph, m matcher.Match) (*graph.Node, error) {
	p, b := m.Pattern, m.Binding
	anchor := b.Node(p.Root)
	if anchor == nil {
		return nil, errors.Wrapf(ErrRewriteConflict, "match %s has no anchor bound", p.ID)
	}
	replacement := graph.NewNode(anchor.Name, p.Replacement.String(), anchor.DType, b.Inputs...)
	replacement.Shape = slices.Clone(anchor.Shape)
	for _, t := range p.Nodes {
		node := b.Node(t.Label)
		for _, c := range t.CopyAttrs {
			value, found := node.Attrs[c.From]
			if !found {
				continue
			}
			to := c.To
			if to == "" {
				to = c.From
			}
			replacement.Attrs[to] = value
		}
	}
	replacement.Attrs[graph.AttrT] = graph.StringAttr(anchor.DType.String())
	if p.Fold {
		replacement.Attrs[graph.AttrSkipFusion] = graph.BoolAttr(true)
	} else if tags := p.Tags(); len(tags) > 0 {
		replacement.Attrs[graph.AttrFusedOps] = graph.StringsAttr(tags...)
	}
	if p.Build != nil {
		if err := p.Build(g, b, replacement); err != nil {
			return nil, errors.WithMessagef(err, "building replacement for %s", p.ID)
		}
	}
	if p.Replacement.IsFused() && p.Replacement != graph.OpFusedRandom {
		replacement.Attrs[graph.AttrNumArgs] = graph.IntAttr(int64(max(len(replacement.Inputs)-2, 0)))
	}
	return replacement, nil
}
