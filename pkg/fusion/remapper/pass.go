// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package remapper implements the graph pass that fuses patterns of primitive operators into fused operators,
// and then rewrites operators to their device native versions.
//
// Example:
//
//	cfg, err := remapper.ConfigFromEnv()
//	if err != nil { ... }
//	cfg.Device = policy.GPU
//	pass := remapper.New(cfg, catalog.Default(), policy.ForHost())
//	stats, err := pass.Run(g)
//
// The pass is transactional: on error the graph is left unchanged.
package remapper

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/internal/workerspool"
	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/fusion/catalog"
	"github.com/gomlx/remapper/pkg/fusion/layout"
	"github.com/gomlx/remapper/pkg/fusion/matcher"
	"github.com/gomlx/remapper/pkg/fusion/policy"
	"github.com/gomlx/remapper/pkg/fusion/rewriter"
)

// MaxIterations of matching and rewriting in one Run. Each iteration fuses on top of the results of the
// previous one, and the pass stops as soon as an iteration finds no match.
const MaxIterations = 8

// Pass is a configured remapper. It holds no state across runs and can be shared by concurrent goroutines,
// as long as each one runs on its own graph.
type Pass struct {
	cfg     Config
	catalog *catalog.Catalog
	policy  policy.Policy
}

// New creates a Pass. If catalog or policy are nil, catalog.Default() and policy.Default() are used.
func New(cfg Config, c *catalog.Catalog, p policy.Policy) *Pass {
	if c == nil {
		c = catalog.Default()
	}
	if p == nil {
		p = policy.Default()
	}
	return &Pass{cfg: cfg, catalog: c, policy: p}
}

// Config returns the configuration of the pass.
func (p *Pass) Config() Config { return p.cfg }

// Stats of a Run.
type Stats struct {
	// Iterations of matching and rewriting.
	Iterations int

	// Matches applied, FusedNodes created (excluding folds) and Folds.
	Matches, FusedNodes, Folds int

	// RemovedNodes is the decrease in the number of nodes.
	RemovedNodes int

	// LayoutRewrites is the number of nodes rewritten to their native versions.
	LayoutRewrites int

	// ByPattern counts the matches per pattern ID.
	ByPattern map[string]int
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	parts := make([]string, 0, len(s.ByPattern))
	for _, id := range slices.Sorted(maps.Keys(s.ByPattern)) {
		parts = append(parts, fmt.Sprintf("%s=%d", id, s.ByPattern[id]))
	}
	return fmt.Sprintf("%d matches (%d fused, %d folded) in %d iterations, %d nodes removed, %d layout rewrites [%s]",
		s.Matches, s.FusedNodes, s.Folds, s.Iterations, s.RemovedNodes, s.LayoutRewrites, strings.Join(parts, ", "))
}

// Run optimizes the graph in place.
//
// If the pass is disabled, it is the identity. On error the graph is left unchanged.
func (p *Pass) Run(g *graph.Graph) (Stats, error) {
	stats := Stats{ByPattern: make(map[string]int)}
	if g == nil {
		return stats, errors.New("remapper: nil graph")
	}
	if !p.cfg.Enabled && !p.cfg.LayoutEnabled {
		return stats, nil
	}
	if err := g.Validate(); err != nil {
		return stats, err
	}
	work := g.Clone()
	numNodes := work.NumNodes()
	var err error
	exception := exceptions.TryCatch[error](func() {
		err = p.run(work, &stats)
	})
	if exception != nil {
		err = errors.WithMessage(exception, "remapper panicked")
	}
	if err != nil {
		return Stats{ByPattern: make(map[string]int)}, errors.WithMessagef(err, "remapper on graph %q", g.Name())
	}
	if err = work.Validate(); err != nil {
		return Stats{ByPattern: make(map[string]int)}, errors.WithMessagef(err, "remapper left graph %q invalid", g.Name())
	}
	stats.RemovedNodes = numNodes - work.NumNodes()
	g.Assign(work)
	if stats.Matches > 0 || stats.LayoutRewrites > 0 {
		klog.V(1).Infof("remapper on graph %q: %s", g.Name(), stats)
	}
	return stats, nil
}

func (p *Pass) run(g *graph.Graph, stats *Stats) error {
	if p.cfg.Enabled {
		opts := matcher.Options{Device: p.cfg.Device, Level: p.cfg.Level, Preserve: p.cfg.Preserve}
		for stats.Iterations < MaxIterations {
			matches, err := matcher.FindMatches(g, p.catalog, p.policy, opts)
			if err != nil {
				return err
			}
			if len(matches) == 0 {
				break
			}
			stats.Iterations++
			r := rewriter.New()
			for _, m := range matches {
				if _, err = r.Apply(g, m); err != nil {
					return err
				}
				stats.Matches++
				stats.ByPattern[m.Pattern.ID]++
				if m.Pattern.Fold {
					stats.Folds++
				} else {
					stats.FusedNodes++
				}
			}
		}
	}
	if p.cfg.LayoutEnabled {
		count, err := layout.New(p.cfg.Device).Run(g)
		if err != nil {
			return err
		}
		stats.LayoutRewrites = count
	}
	return nil
}

// RunAll optimizes independent graphs concurrently, and returns the error of each one (nil on success).
// The graphs must be distinct.
func (p *Pass) RunAll(graphs []*graph.Graph) []error {
	errs := make([]error, len(graphs))
	workerspool.New().Map(len(graphs), func(i int) {
		_, errs[i] = p.Run(graphs[i])
	})
	return errs
}
