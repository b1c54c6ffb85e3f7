// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/remapper/pkg/core/dtypes"
)

// Output identifies one output (Slot) of a node, referenced by the node name.
type Output struct {
	Node string
	Slot int
}

// String returns "name" for slot 0 and "name:slot" otherwise, the usual notation of the host framework.
func (o Output) String() string {
	if o.Slot == 0 {
		return o.Node
	}
	return fmt.Sprintf("%s:%d", o.Node, o.Slot)
}

// Node is one operation in a Graph.
//
// Inputs reference the producers by name, so a Node is only meaningful within its graph.
type Node struct {
	// Name is unique within the graph.
	Name string

	// Op is the operator kind. It is OpUnknown for operators outside the known set, in which case RawOp holds
	// the operator name.
	Op    OpKind
	RawOp string

	// Inputs are ordered: input i is the value consumed by the node's argument i.
	Inputs []Output

	Attrs Attributes

	// DType is the dtype of output 0, it is also the "T" of the operator.
	DType dtypes.DType

	// Shape of output 0, if known. nil means unknown.
	Shape []int

	// Value holds the flat (row-major) contents of a Const node.
	Value []float64
}

// NewNode creates a node parsing the operator name: known names are mapped to their OpKind, other names
// are kept in RawOp.
func NewNode(name, opName string, dtype dtypes.DType, inputs ...Output) *Node {
	n := &Node{
		Name:   name,
		Inputs: slices.Clone(inputs),
		Attrs:  make(Attributes),
		DType:  dtype,
	}
	n.SetOpName(opName)
	return n
}

// SetOpName sets Op (and RawOp if the name is not known).
func (n *Node) SetOpName(opName string) {
	if kind, found := OpKindString(opName); found {
		n.Op = kind
		n.RawOp = ""
		return
	}
	n.Op = OpUnknown
	n.RawOp = opName
}

// OpName returns the operator name, for known and unknown operators alike.
func (n *Node) OpName() string {
	if n.Op == OpUnknown && n.RawOp != "" {
		return n.RawOp
	}
	return n.Op.String()
}

// Output returns the reference to the given output slot of the node.
func (n *Node) Output(slot int) Output {
	return Output{Node: n.Name, Slot: slot}
}

// NumInputs returns the number of inputs.
func (n *Node) NumInputs() int { return len(n.Inputs) }

// SkipFusion returns whether the node is marked to not take part in any fusion.
func (n *Node) SkipFusion() bool {
	return n.Attrs.BoolOr(AttrSkipFusion, false)
}

// FusedOps returns the ordered tags of the primitive operations folded into a fused node, or nil.
func (n *Node) FusedOps() []string {
	tags, _ := n.Attrs.GetStrings(AttrFusedOps)
	return tags
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	return &Node{
		Name:   n.Name,
		Op:     n.Op,
		RawOp:  n.RawOp,
		Inputs: slices.Clone(n.Inputs),
		Attrs:  n.Attrs.Clone(),
		DType:  n.DType,
		Shape:  slices.Clone(n.Shape),
		Value:  slices.Clone(n.Value),
	}
}

// String implements fmt.Stringer, in the format "name = Op[dtype](inputs){attrs}".
func (n *Node) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s = %s[%s](", n.Name, n.OpName(), n.DType)
	for ii, input := range n.Inputs {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(input.String())
	}
	sb.WriteString(")")
	if n.Shape != nil {
		fmt.Fprintf(&sb, " shape=%v", n.Shape)
	}
	if len(n.Attrs) > 0 {
		sb.WriteString(" {")
		for ii, key := range n.Attrs.Keys() {
			if ii > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s=%s", key, n.Attrs[key])
		}
		sb.WriteString("}")
	}
	return sb.String()
}
