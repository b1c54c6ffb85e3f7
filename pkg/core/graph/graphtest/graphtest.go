// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package: a reference
// evaluator for the operators handled by the remapper, and helpers to check that a rewritten graph still
// computes the same values as the original one.
package graphtest

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/core/graph"
)

// RandomFeeds creates values for every Placeholder of the graph, uniformly distributed in [-1, 1) and
// rounded to the placeholder dtype. Placeholders must have a known shape.
func RandomFeeds(g *graph.Graph, seed uint64) (map[string]Tensor, error) {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	feeds := make(map[string]Tensor)
	for _, node := range g.Nodes() {
		if node.Op != graph.OpPlaceholder {
			continue
		}
		if node.Shape == nil {
			return nil, errors.Errorf("placeholder %q has no shape, can't generate a value for it", node.Name)
		}
		t := NewTensor(node.Shape...)
		for ii := range t.Data {
			t.Data[ii] = 2*rng.Float64() - 1
		}
		feeds[node.Name] = t.Round(node.DType)
	}
	return feeds, nil
}

// Tolerance returns the tolerance used to compare the outputs of a graph: the loosest tolerance of the dtypes
// of its nodes.
func Tolerance(g *graph.Graph) float64 {
	tolerance := dtypes.FullPrecisionTolerance
	for _, node := range g.Nodes() {
		tolerance = max(tolerance, node.DType.Tolerance())
	}
	return tolerance
}

// CheckEquivalent evaluates both graphs on the same random feeds and checks that their terminal outputs are
// close, within the tolerance of the original graph.
func CheckEquivalent(original, rewritten *graph.Graph, seed uint64) error {
	feeds, err := RandomFeeds(original, seed)
	if err != nil {
		return err
	}
	want, err := Evaluate(original, feeds)
	if err != nil {
		return errors.WithMessage(err, "original graph")
	}
	got, err := Evaluate(rewritten, feeds)
	if err != nil {
		return errors.WithMessage(err, "rewritten graph")
	}
	if len(want) != len(got) {
		return errors.Errorf("original graph has %d outputs, rewritten graph has %d", len(want), len(got))
	}
	tolerance := Tolerance(original)
	for ii := range want {
		if err := AllClose(want[ii], got[ii], tolerance); err != nil {
			return errors.WithMessagef(err, "output #%d", ii)
		}
	}
	return nil
}

// RequireEquivalent fails the test if the rewritten graph doesn't compute the same values as the original.
func RequireEquivalent(t *testing.T, original, rewritten *graph.Graph) {
	t.Helper()
	err := CheckEquivalent(original, rewritten, 42)
	if err != nil {
		fmt.Printf("Original:\n%s\nRewritten:\n%s\n", original, rewritten)
	}
	require.NoErrorf(t, err, "graph %q: rewritten graph is not numerically equivalent", original.Name())
}
