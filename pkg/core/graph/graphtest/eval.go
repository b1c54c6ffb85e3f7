// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphtest

import (
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/core/graph"
)

// Evaluate computes the terminal outputs of the graph, given the values of its Placeholder nodes.
//
// It is a slow reference evaluator: every node is computed with float64 arithmetic and its result is rounded
// to the node's dtype. Fused nodes are evaluated stage by stage, following their fused_ops tags, and the
// native layout variants are evaluated as their plain counterparts.
func Evaluate(g *graph.Graph, feeds map[string]Tensor) ([]Tensor, error) {
	if cyclic := g.CyclicNodes(); len(cyclic) > 0 {
		return nil, errors.Errorf("graph %q has cycles, it can't be evaluated (nodes %v)", g.Name(), cyclic)
	}
	values := make(map[string]Tensor, g.NumNodes())
	for _, node := range g.TopologicalOrder() {
		inputs := make([]Tensor, len(node.Inputs))
		for ii, input := range node.Inputs {
			if input.Slot != 0 {
				return nil, errors.Errorf("node %q: input #%d uses output slot %d, only slot 0 is evaluated",
					node.Name, ii, input.Slot)
			}
			inputs[ii] = values[input.Node]
		}
		value, err := evalNode(node, inputs, feeds)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating node %s", node)
		}
		values[node.Name] = value.Round(node.DType)
	}
	outputs := g.Outputs()
	results := make([]Tensor, len(outputs))
	for ii, output := range outputs {
		results[ii] = values[output.Node]
	}
	return results, nil
}

// plainKind returns the operator kind a node is evaluated as: native layout operators ("_ITEX" prefixed)
// are evaluated as their plain counterparts.
func plainKind(node *graph.Node) graph.OpKind {
	name := node.OpName()
	if node.Op == graph.OpFusedRandom || !strings.HasPrefix(name, "_ITEX") && !strings.HasPrefix(name, "ITEX") {
		return node.Op
	}
	name = strings.TrimPrefix(strings.TrimPrefix(name, "_ITEX"), "ITEX")
	if kind, found := graph.OpKindString(name); found {
		return kind
	}
	if kind, found := graph.OpKindString("_" + name); found {
		return kind
	}
	return graph.OpUnknown
}

func checkArity(node *graph.Node, inputs []Tensor, n int) error {
	if len(inputs) != n {
		return errors.Errorf("%s requires %d inputs, got %d", node.OpName(), n, len(inputs))
	}
	return nil
}

func evalNode(node *graph.Node, inputs []Tensor, feeds map[string]Tensor) (Tensor, error) {
	kind := plainKind(node)
	switch kind {
	case graph.OpPlaceholder:
		feed, found := feeds[node.Name]
		if !found {
			return Tensor{}, errors.Errorf("no value fed for placeholder %q", node.Name)
		}
		return Tensor{Shape: feed.Shape, Data: append([]float64{}, feed.Data...)}, nil

	case graph.OpConst:
		return FromValues(node.Shape, node.Value...)

	case graph.OpIdentity:
		if err := checkArity(node, inputs, 1); err != nil {
			return Tensor{}, err
		}
		return inputs[0].Map(func(x float64) float64 { return x }), nil

	case graph.OpMatMul:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return matMul(inputs[0], inputs[1], node.Attrs.BoolOr(graph.AttrTransposeA, false),
			node.Attrs.BoolOr(graph.AttrTransposeB, false))

	case graph.OpBiasAdd:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return biasAdd(inputs[0], inputs[1], node.Attrs)

	case graph.OpAdd, graph.OpAddV2:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return binaryOp(inputs[0], inputs[1], func(x, y float64) float64 { return x + y })

	case graph.OpAddN:
		if len(inputs) == 0 {
			return Tensor{}, errors.Errorf("%s requires at least 1 input", node.OpName())
		}
		sum := inputs[0].Map(func(x float64) float64 { return x })
		for _, input := range inputs[1:] {
			var err error
			if sum, err = binaryOp(sum, input, func(x, y float64) float64 { return x + y }); err != nil {
				return Tensor{}, err
			}
		}
		return sum, nil

	case graph.OpMul:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return binaryOp(inputs[0], inputs[1], func(x, y float64) float64 { return x * y })

	case graph.OpMaximum:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return binaryOp(inputs[0], inputs[1], math.Max)

	case graph.OpGreaterEqual:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return binaryOp(inputs[0], inputs[1], greaterEqual)

	case graph.OpCast:
		if err := checkArity(node, inputs, 1); err != nil {
			return Tensor{}, err
		}
		return castTo(inputs[0], node.DType), nil

	case graph.OpElu, graph.OpLeakyRelu, graph.OpRelu, graph.OpRelu6, graph.OpSigmoid, graph.OpTanh, graph.OpGelu:
		if err := checkArity(node, inputs, 1); err != nil {
			return Tensor{}, err
		}
		name := kind.String()
		if kind == graph.OpGelu {
			name = geluTag(node.Attrs)
		}
		fn, err := activationFn(name, node.Attrs)
		if err != nil {
			return Tensor{}, err
		}
		return inputs[0].Map(fn), nil

	case graph.OpSoftmax:
		if err := checkArity(node, inputs, 1); err != nil {
			return Tensor{}, err
		}
		return softmax(inputs[0]), nil

	case graph.OpFusedBatchNorm, graph.OpFusedBatchNormV3:
		if len(inputs) < 5 {
			return Tensor{}, errors.Errorf("%s requires 5 inputs, got %d", node.OpName(), len(inputs))
		}
		if node.Attrs.BoolOr(graph.AttrIsTraining, true) {
			return Tensor{}, errors.Errorf("%s: only inference (is_training=false) is supported", node.OpName())
		}
		return batchNormInference(inputs[0], inputs[1], inputs[2], inputs[3], inputs[4],
			node.Attrs.FloatOr(graph.AttrEpsilon, 1e-4), channelAxis(node.Attrs, inputs[0].Rank()))

	case graph.OpConv2D, graph.OpDepthwiseConv2dNative:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return conv2D(inputs[0], inputs[1], node.Attrs, kind == graph.OpDepthwiseConv2dNative)

	case graph.OpConv3D:
		if err := checkArity(node, inputs, 2); err != nil {
			return Tensor{}, err
		}
		return conv3D(inputs[0], inputs[1], node.Attrs)

	case graph.OpSpaceToBatchND:
		if err := checkArity(node, inputs, 3); err != nil {
			return Tensor{}, err
		}
		return spaceToBatch(inputs[0], toInts(inputs[1]), toInts(inputs[2]))

	case graph.OpBatchToSpaceND:
		if err := checkArity(node, inputs, 3); err != nil {
			return Tensor{}, err
		}
		return batchToSpace(inputs[0], toInts(inputs[1]), toInts(inputs[2]))

	case graph.OpRandomUniform:
		if err := checkArity(node, inputs, 1); err != nil {
			return Tensor{}, err
		}
		return randomUniform(inputs[0], node.Attrs), nil

	case graph.OpFusedMatMul, graph.OpFusedConv2D, graph.OpFusedDepthwiseConv2dNative, graph.OpFusedConv3D, graph.OpFusedRandom:
		return evalFused(node, kind, inputs)
	}
	return Tensor{}, errors.Errorf("operator %q not supported by the reference evaluator", node.OpName())
}

func greaterEqual(x, y float64) float64 {
	if x >= y {
		return 1
	}
	return 0
}

func castTo(x Tensor, dtype dtypes.DType) Tensor {
	switch {
	case dtype == dtypes.Bool:
		return x.Map(func(v float64) float64 {
			if v != 0 {
				return 1
			}
			return 0
		})
	case dtype.IsInt():
		return x.Map(math.Trunc)
	}
	return x.Map(func(v float64) float64 { return v })
}

// biasAdd adds a bias along the channel axis given by the data_format attribute. The bias may have leading
// dimensions of size 1.
func biasAdd(x, bias Tensor, attrs graph.Attributes) (Tensor, error) {
	return channelOp(x, bias.Data, channelAxis(attrs, x.Rank()), func(v, b float64) float64 { return v + b })
}

// evalFused evaluates a fused node: first its contraction on the first two inputs, and then each of its
// fused_ops tags in order, each consuming its own extra inputs. Each stage result is rounded to the
// node's dtype, as it would have been by the unfused nodes.
func evalFused(node *graph.Node, kind graph.OpKind, inputs []Tensor) (Tensor, error) {
	tags := node.FusedOps()
	var (
		current Tensor
		err     error
		next    int
	)
	takeArg := func(tag string) (Tensor, error) {
		if next >= len(inputs) {
			return Tensor{}, errors.Errorf("%s: missing input for fused op %q", node.OpName(), tag)
		}
		next++
		return inputs[next-1], nil
	}

	if kind == graph.OpFusedRandom {
		// Inputs: shape, and the threshold compared by GreaterEqual.
		if len(inputs) != 2 {
			return Tensor{}, errors.Errorf("%s requires 2 inputs, got %d", node.OpName(), len(inputs))
		}
		random := randomUniform(inputs[0], node.Attrs).Round(randomDType(node))
		compared, err := binaryOp(random, inputs[1], greaterEqual)
		if err != nil {
			return Tensor{}, err
		}
		return castTo(compared, node.DType), nil
	}

	if len(inputs) < 2 {
		return Tensor{}, errors.Errorf("%s requires at least 2 inputs, got %d", node.OpName(), len(inputs))
	}
	next = 2
	switch kind {
	case graph.OpFusedMatMul:
		current, err = matMul(inputs[0], inputs[1], node.Attrs.BoolOr(graph.AttrTransposeA, false),
			node.Attrs.BoolOr(graph.AttrTransposeB, false))
	case graph.OpFusedConv3D:
		current, err = conv3D(inputs[0], inputs[1], node.Attrs)
	default:
		current, err = conv2D(inputs[0], inputs[1], node.Attrs, kind == graph.OpFusedDepthwiseConv2dNative)
	}
	if err != nil {
		return Tensor{}, err
	}
	current.Round(node.DType)
	axis := channelAxis(node.Attrs, current.Rank())

	for _, tag := range tags {
		switch tag {
		case "BiasAdd":
			var bias Tensor
			if bias, err = takeArg(tag); err != nil {
				return Tensor{}, err
			}
			current, err = channelOp(current, bias.Data, axis, func(v, b float64) float64 { return v + b })
		case "FusedBatchNorm":
			params := make([]Tensor, 4)
			for ii := range params {
				if params[ii], err = takeArg(tag); err != nil {
					return Tensor{}, err
				}
			}
			current, err = batchNormInference(current, params[0], params[1], params[2], params[3],
				node.Attrs.FloatOr(graph.AttrEpsilon, 1e-4), axis)
		case "Add":
			var addend Tensor
			if addend, err = takeArg(tag); err != nil {
				return Tensor{}, err
			}
			current, err = binaryOp(current, addend, func(x, y float64) float64 { return x + y })
		default:
			var fn func(float64) float64
			if fn, err = activationFn(tag, node.Attrs); err != nil {
				return Tensor{}, errors.WithMessagef(err, "%s fused_ops %v", node.OpName(), tags)
			}
			current = current.Map(fn)
		}
		if err != nil {
			return Tensor{}, err
		}
		current.Round(node.DType)
	}
	if next != len(inputs) {
		return Tensor{}, errors.Errorf("%s with fused_ops %v used %d of its %d inputs", node.OpName(), tags, next, len(inputs))
	}
	return current, nil
}

// randomDType is the dtype of the random values generated inside a fused random node, given by its "dtype"
// attribute (copied from the RandomUniform it replaced).
func randomDType(node *graph.Node) dtypes.DType {
	if name, ok := node.Attrs.GetString(graph.AttrDType); ok {
		if dtype, err := dtypes.FromName(name); err == nil {
			return dtype
		}
	}
	return dtypes.Float32
}
