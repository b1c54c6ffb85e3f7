// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/remapper/pkg/core/dtypes"
)

// Builder is a convenience to build graphs in tests and tools.
//
// Errors panic (with exceptions.Panicf), as is usual when building graphs: use exceptions.TryCatch to
// convert them back to errors.
type Builder struct {
	g *Graph
}

// NewBuilder creates a Builder for a new graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{g: NewGraph(name)}
}

// Graph returns the graph being built.
func (b *Builder) Graph() *Graph { return b.g }

// Finish sets the terminal outputs and returns the graph. It panics if the graph doesn't validate.
func (b *Builder) Finish(outputs ...Output) *Graph {
	if err := b.g.SetOutputs(outputs...); err != nil {
		exceptions.Panicf("Builder.Finish(): %+v", err)
	}
	if err := b.g.Validate(); err != nil {
		exceptions.Panicf("Builder.Finish(): %+v", err)
	}
	return b.g
}

// Add adds the node to the graph and returns its output 0.
func (b *Builder) Add(node *Node) Output {
	if err := b.g.AddNode(node); err != nil {
		exceptions.Panicf("Builder.Add(%s): %+v", node.Name, err)
	}
	return node.Output(0)
}

// Placeholder adds a graph input. dims may be empty, for a scalar.
func (b *Builder) Placeholder(name string, dtype dtypes.DType, dims ...int) Output {
	node := NewNode(name, OpPlaceholder.String(), dtype)
	node.Shape = append([]int{}, dims...)
	return b.Add(node)
}

// Const adds a constant with the given shape and flat contents.
func (b *Builder) Const(name string, dtype dtypes.DType, dims []int, values ...float64) Output {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	if size != len(values) {
		exceptions.Panicf("Builder.Const(%q): shape %v requires %d values, got %d", name, dims, size, len(values))
	}
	node := NewNode(name, OpConst.String(), dtype)
	node.Shape = append([]int{}, dims...)
	node.Value = make([]float64, len(values))
	for ii, v := range values {
		node.Value[ii] = dtype.Round(v)
	}
	return b.Add(node)
}

// Op adds a node of the given kind. Its dtype is taken from the first input (or float32 with no inputs).
// attrs can be nil.
func (b *Builder) Op(kind OpKind, name string, attrs Attributes, inputs ...Output) Output {
	return b.Custom(kind.String(), name, attrs, inputs...)
}

// Custom adds a node with an arbitrary operator name, known or not.
func (b *Builder) Custom(opName, name string, attrs Attributes, inputs ...Output) Output {
	dtype := dtypes.Float32
	if len(inputs) > 0 {
		producer := b.g.Node(inputs[0].Node)
		if producer == nil {
			exceptions.Panicf("Builder.Op(%s, %q): unknown input %s", opName, name, inputs[0])
		}
		dtype = producer.DType
	}
	node := NewNode(name, opName, dtype, inputs...)
	node.Attrs = attrs.Clone()
	return b.Add(node)
}

// WithDType changes the dtype of the node producing out, and returns out.
func (b *Builder) WithDType(out Output, dtype dtypes.DType) Output {
	b.mustNode(out).DType = dtype
	return out
}

// WithShape sets the shape of the node producing out, and returns out.
func (b *Builder) WithShape(out Output, dims ...int) Output {
	b.mustNode(out).Shape = append([]int{}, dims...)
	return out
}

func (b *Builder) mustNode(out Output) *Node {
	node := b.g.Node(out.Node)
	if node == nil {
		exceptions.Panicf("Builder: unknown node %q", out.Node)
	}
	return node
}
