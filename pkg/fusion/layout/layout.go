// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layout rewrites plain operators to their device native ("_ITEX") versions.
//
// It runs after the fusions: each device kind has a table mapping an operator to its native version, plus a
// rule deciding whether a node qualifies. The native node keeps the name, inputs and every attribute of the
// original one.
package layout

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/fusion/policy"
	"github.com/gomlx/remapper/pkg/support/sets"
)

// Rule decides whether a node is rewritten to its native version.
type Rule func(node *graph.Node) bool

// AlwaysRewrite accepts every node.
func AlwaysRewrite(*graph.Node) bool { return true }

// RewriteRandomUniform only accepts random generators of floating point values.
func RewriteRandomUniform(node *graph.Node) bool {
	dtype := node.DType
	if name, found := node.Attrs.GetString(graph.AttrDType); found {
		var err error
		if dtype, err = dtypes.FromName(name); err != nil {
			return false
		}
	}
	return dtype.IsFloat()
}

// Entry of a native layout table.
type Entry struct {
	From, To graph.OpKind
	Rule     Rule
}

// Table maps operators to their native version.
type Table []Entry

// Lookup returns the entry for the operator, if any.
func (t Table) Lookup(kind graph.OpKind) (Entry, bool) {
	for _, e := range t {
		if e.From == kind {
			return e, true
		}
	}
	return Entry{}, false
}

var commonTable = Table{
	{graph.OpConv2D, graph.OpNativeConv2D, AlwaysRewrite},
	{graph.OpDepthwiseConv2dNative, graph.OpNativeDepthwiseConv2dNative, AlwaysRewrite},
	{graph.OpFusedBatchNorm, graph.OpNativeFusedBatchNorm, AlwaysRewrite},
	{graph.OpFusedBatchNormV3, graph.OpNativeFusedBatchNormV3, AlwaysRewrite},
	{graph.OpGelu, graph.OpNativeGelu, AlwaysRewrite},
	{graph.OpMatMul, graph.OpNativeMatMul, AlwaysRewrite},
	{graph.OpRandomUniform, graph.OpNativeRandomUniform, RewriteRandomUniform},
	{graph.OpSoftmax, graph.OpNativeSoftmax, AlwaysRewrite},
	{graph.OpFusedMatMul, graph.OpNativeFusedMatMul, AlwaysRewrite},
}

// CPUTable is the table for CPU devices.
func CPUTable() Table {
	return append(append(Table{}, commonTable...),
		Entry{graph.OpElu, graph.OpNativeElu, AlwaysRewrite},
		Entry{graph.OpLeakyRelu, graph.OpNativeLeakyRelu, AlwaysRewrite},
	)
}

// GPUTable is the table for GPU and XPU devices.
func GPUTable() Table {
	return append(Table{}, commonTable...)
}

// Pass rewrites the nodes of a graph to their native versions.
type Pass struct {
	table        Table
	device       policy.DeviceKind
	hostFloat16  bool
	supportTypes sets.Set[dtypes.DType]
}

// New creates a layout pass for the device, with its default table.
func New(device policy.DeviceKind) *Pass {
	table := GPUTable()
	if device == policy.CPU {
		table = CPUTable()
	}
	return NewWithTable(device, table)
}

// NewWithTable creates a layout pass with a custom table.
func NewWithTable(device policy.DeviceKind, table Table) *Pass {
	return &Pass{
		table:        table,
		device:       device,
		hostFloat16:  policy.HostHasFloat16(),
		supportTypes: sets.MakeWith(dtypes.Float32, dtypes.BFloat16, dtypes.Float16),
	}
}

// WithHostFloat16 overrides whether the host CPU supports float16. It returns the pass.
func (p *Pass) WithHostFloat16(supported bool) *Pass {
	p.hostFloat16 = supported
	return p
}

// Run rewrites the qualifying nodes in place, and returns how many were rewritten.
//
// Only float32, bfloat16 and float16 nodes are rewritten, and float16 nodes on a CPU without float16
// support are skipped.
func (p *Pass) Run(g *graph.Graph) (int, error) {
	var count int
	for _, node := range g.Nodes() {
		if !p.supportTypes.Has(node.DType) {
			continue
		}
		if p.device == policy.CPU && node.DType == dtypes.Float16 && !p.hostFloat16 {
			continue
		}
		entry, found := p.table.Lookup(node.Op)
		if !found || !entry.Rule(node) {
			continue
		}
		native := node.Clone()
		native.SetOpName(entry.To.String())
		err := g.ReplaceSubgraph([]string{node.Name}, native, outputsOf(g, node.Name))
		if err != nil {
			return count, err
		}
		klog.V(2).Infof("graph %q: %s rewritten to %s", g.Name(), node.Name, native.OpName())
		count++
	}
	return count, nil
}

// outputsOf maps every output slot of the named node in use to the same slot.
func outputsOf(g *graph.Graph, name string) map[graph.Output]int {
	outputs := make(map[graph.Output]int)
	for _, consumer := range g.Consumers(name, -1) {
		for _, input := range consumer.Inputs {
			if input.Node == name {
				outputs[input] = input.Slot
			}
		}
	}
	for _, output := range g.Outputs() {
		if output.Node == name {
			outputs[output] = output.Slot
		}
	}
	return outputs
}
