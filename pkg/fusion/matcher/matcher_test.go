package matcher

import (
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	. "github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/fusion/catalog"
	"github.com/gomlx/remapper/pkg/fusion/policy"
	"github.com/gomlx/remapper/pkg/support/sets"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("v", "2")
}

var allOptions = Options{Device: policy.GPU, Level: catalog.LevelAdvanced}

func find(t *testing.T, g *Graph, p policy.Policy, opts Options) []Match {
	matches, err := FindMatches(g, catalog.Default(), p, opts)
	require.NoError(t, err)
	return matches
}

func matchIDs(matches []Match) []string {
	ids := make([]string, len(matches))
	for ii, m := range matches {
		ids[ii] = m.Pattern.ID + "@" + m.Anchor
	}
	return ids
}

// denseGraph builds x·w + b followed by the given activation (if any).
func denseGraph(dtype dtypes.DType, act OpKind, attrs Attributes) (*Builder, Output) {
	b := NewBuilder("dense")
	x := b.Placeholder("x", dtype, 2, 3)
	w := b.Const("w", dtype, []int{3, 2}, 1, 2, 3, 4, 5, 6)
	bias := b.Const("bias", dtype, []int{2}, 0.5, -0.5)
	mm := b.Op(OpMatMul, "mm", nil, x, w)
	out := b.Op(OpBiasAdd, "bias_add", nil, mm, bias)
	if act != OpUnknown {
		out = b.Op(act, "act", attrs, out)
	}
	return b, out
}

func TestMatMulBiasActivation(t *testing.T) {
	b, out := denseGraph(dtypes.Float32, OpGelu, Attributes{AttrApproximate: BoolAttr(true)})
	g := b.Finish(out)
	matches := find(t, g, policy.AllowAll{}, allOptions)
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "MatMul+BiasAdd+GeluApproximate", m.Pattern.ID)
	assert.Equal(t, "act", m.Anchor)
	assert.Equal(t, []string{"mm", "bias_add", "act"}, m.Nodes())
	assert.Equal(t, []Output{{Node: "x"}, {Node: "w"}, {Node: "bias"}}, m.Binding.Inputs)
	assert.Contains(t, m.String(), "MatMul+BiasAdd+GeluApproximate@act")

	b, out = denseGraph(dtypes.Float32, OpGelu, nil)
	matches = find(t, b.Finish(out), policy.AllowAll{}, allOptions)
	require.Len(t, matches, 1)
	assert.Equal(t, "MatMul+BiasAdd+GeluExact", matches[0].Pattern.ID)
}

func TestShorterVariantFallback(t *testing.T) {
	t.Run("interior consumed outside", func(t *testing.T) {
		b, out := denseGraph(dtypes.Float32, OpRelu, nil)
		other := b.Op(OpTanh, "other", nil, Output{Node: "bias_add"})
		g := b.Finish(out, other)
		matches := find(t, g, policy.AllowAll{}, allOptions)
		assert.Equal(t, []string{"MatMul+BiasAdd@bias_add"}, matchIDs(matches))
	})
	t.Run("interior is a graph output", func(t *testing.T) {
		b, out := denseGraph(dtypes.Float32, OpRelu, nil)
		g := b.Finish(out, Output{Node: "bias_add"})
		matches := find(t, g, policy.AllowAll{}, allOptions)
		assert.Equal(t, []string{"MatMul+BiasAdd@bias_add"}, matchIDs(matches))
	})
	t.Run("preserved interior", func(t *testing.T) {
		b, out := denseGraph(dtypes.Float32, OpRelu, nil)
		g := b.Finish(out)
		opts := allOptions
		opts.Preserve = sets.MakeWith("bias_add")
		matches := find(t, g, policy.AllowAll{}, opts)
		assert.Equal(t, []string{"MatMul+BiasAdd@bias_add"}, matchIDs(matches))

		opts.Preserve = sets.MakeWith("mm")
		assert.Empty(t, find(t, g, policy.AllowAll{}, opts))
	})
	t.Run("no activation", func(t *testing.T) {
		b, out := denseGraph(dtypes.Float32, OpSoftmax, nil)
		matches := find(t, b.Finish(out), policy.AllowAll{}, allOptions)
		assert.Equal(t, []string{"MatMul+BiasAdd@bias_add"}, matchIDs(matches))
	})
}

// convGraph builds conv -> batch norm [-> add] [-> act].
func convGraph(withAdd bool, act OpKind) *Graph {
	b := NewBuilder("conv")
	x := b.Placeholder("x", dtypes.Float32, 1, 4, 4, 2)
	filter := b.Const("filter", dtypes.Float32, []int{1, 1, 2, 2}, 1, 0, 0, 1)
	param := func(name string, v float64) Output { return b.Const(name, dtypes.Float32, []int{2}, v, v) }
	conv := b.Op(OpConv2D, "conv", Attributes{
		AttrPadding: StringAttr("SAME"), AttrStrides: IntsAttr(1, 1, 1, 1), AttrDataFormat: StringAttr("NHWC"),
	}, x, filter)
	out := b.Op(OpFusedBatchNormV3, "bn", Attributes{AttrIsTraining: BoolAttr(false), AttrEpsilon: FloatAttr(0.001)},
		conv, param("scale", 1), param("offset", 0), param("mean", 0), param("variance", 1))
	if withAdd {
		residual := b.Placeholder("residual", dtypes.Float32, 1, 4, 4, 2)
		out = b.Op(OpAddV2, "add", nil, residual, out)
	}
	if act != OpUnknown {
		out = b.Op(act, "act", nil, out)
	}
	return b.Finish(out)
}

func TestConvBatchNormVariants(t *testing.T) {
	matches := find(t, convGraph(true, OpRelu), policy.AllowAll{}, allOptions)
	require.Len(t, matches, 1)
	assert.Equal(t, "Conv2D+FusedBatchNorm+Add+Relu", matches[0].Pattern.ID)
	// Declaration order: conv inputs, batch norm parameters, addend.
	assert.Equal(t, []Output{{Node: "x"}, {Node: "filter"}, {Node: "scale"}, {Node: "offset"}, {Node: "mean"},
		{Node: "variance"}, {Node: "residual"}}, matches[0].Binding.Inputs)

	assert.Equal(t, []string{"Conv2D+FusedBatchNorm+Add@add"},
		matchIDs(find(t, convGraph(true, OpUnknown), policy.AllowAll{}, allOptions)))
	assert.Equal(t, []string{"Conv2D+FusedBatchNorm+Elu@act"},
		matchIDs(find(t, convGraph(false, OpElu), policy.AllowAll{}, allOptions)))
	assert.Equal(t, []string{"Conv2D+FusedBatchNorm@bn"},
		matchIDs(find(t, convGraph(false, OpUnknown), policy.AllowAll{}, allOptions)))

	// At the basic level, the Add leg is not fused.
	basic := allOptions
	basic.Level = catalog.LevelBasic
	assert.Equal(t, []string{"Conv2D+FusedBatchNorm@bn"},
		matchIDs(find(t, convGraph(true, OpRelu), policy.AllowAll{}, basic)))

	// Training batch norms are not fused.
	g := convGraph(false, OpRelu)
	g.Node("bn").Attrs[AttrIsTraining] = BoolAttr(true)
	assert.Empty(t, find(t, g, policy.AllowAll{}, allOptions))

	// Batch norm statistics used by someone else.
	g = convGraph(false, OpUnknown)
	require.NoError(t, g.AddNode(NewNode("stats", "Identity", dtypes.Float32, Output{Node: "bn", Slot: 1})))
	require.NoError(t, g.SetOutputs(Output{Node: "bn"}, Output{Node: "stats"}))
	assert.Empty(t, find(t, g, policy.AllowAll{}, allOptions))
}

func TestConstantBiasWithAdd(t *testing.T) {
	build := func(dims []int, dataFormat string) *Graph {
		b := NewBuilder("conv_add")
		x := b.Placeholder("x", dtypes.Float32, 1, 3, 3, 2)
		filter := b.Const("filter", dtypes.Float32, []int{1, 1, 2, 2}, 1, 2, 3, 4)
		conv := b.Op(OpConv2D, "conv", Attributes{AttrPadding: StringAttr("VALID"), AttrDataFormat: StringAttr(dataFormat)},
			x, filter)
		bias := b.Const("bias", dtypes.Float32, dims, 1, 2)
		add := b.Op(OpAdd, "add", nil, bias, conv)
		return b.Finish(b.Op(OpRelu, "relu", nil, add))
	}
	matches := find(t, build([]int{1, 1, 1, 2}, "NHWC"), policy.AllowAll{}, allOptions)
	assert.Equal(t, []string{"Conv2D+BiasAdd+Relu@relu"}, matchIDs(matches))
	assert.Equal(t, []Output{{Node: "x"}, {Node: "filter"}, {Node: "bias"}}, matches[0].Binding.Inputs)

	// Rank 2 biases are not accepted for convolutions, neither are NCHW convolutions.
	assert.Empty(t, find(t, build([]int{1, 2}, "NHWC"), policy.AllowAll{}, allOptions))
	assert.Empty(t, find(t, build([]int{1, 1, 1, 2}, "NCHW"), policy.AllowAll{}, allOptions))
}

func TestPolicyGating(t *testing.T) {
	b, out := denseGraph(dtypes.Float16, OpRelu, nil)
	g := b.Finish(out)
	p := policy.Default()
	for _, device := range []policy.DeviceKind{policy.CPU, policy.GPU, policy.XPU} {
		opts := allOptions
		opts.Device = device
		matches := find(t, g, p, opts)
		if device.IsAccelerator() {
			assert.Len(t, matches, 1, "device %s", device)
		} else {
			assert.Empty(t, matches, "device %s", device)
		}
	}

	b, out = denseGraph(dtypes.BFloat16, OpGelu, nil)
	g = b.Finish(out)
	assert.Equal(t, []string{"MatMul+BiasAdd@bias_add"}, matchIDs(find(t, g, p, allOptions)),
		"exact Gelu is not fused for bfloat16")
}

func TestSkipFusion(t *testing.T) {
	b, out := denseGraph(dtypes.Float32, OpRelu, nil)
	g := b.Finish(out)
	g.Node("mm").Attrs[AttrSkipFusion] = BoolAttr(true)
	assert.Empty(t, find(t, g, policy.AllowAll{}, allOptions))
}

func leakyReluGraph(alpha float64, swap, sameOperand bool) *Graph {
	b := NewBuilder("leaky")
	x := b.Placeholder("x", dtypes.Float32, 4)
	z := b.Placeholder("z", dtypes.Float32, 4)
	y := b.Op(OpMul, "y", nil, x, z)
	a := b.Const("alpha", dtypes.Float32, nil, alpha)
	operand := y
	if !sameOperand {
		operand = z
	}
	var mul Output
	if swap {
		mul = b.Op(OpMul, "mul", nil, operand, a)
	} else {
		mul = b.Op(OpMul, "mul", nil, a, operand)
	}
	return b.Finish(b.Op(OpMaximum, "max", nil, mul, y))
}

func TestLeakyRelu(t *testing.T) {
	for _, swap := range []bool{false, true} {
		matches := find(t, leakyReluGraph(0.2, swap, true), policy.AllowAll{}, allOptions)
		require.Len(t, matches, 1, "swap=%v", swap)
		assert.Equal(t, "Mul+Maximum", matches[0].Pattern.ID)
		assert.Equal(t, []string{"mul", "max"}, matches[0].Nodes())
		assert.Equal(t, Output{Node: "y"}, matches[0].Binding.Externals["y"])
	}
	assert.Empty(t, find(t, leakyReluGraph(1.5, false, true), policy.AllowAll{}, allOptions), "alpha > 1")
	assert.Empty(t, find(t, leakyReluGraph(0.2, false, false), policy.AllowAll{}, allOptions),
		"Maximum and Mul operands differ")
}

func TestNonOverlapping(t *testing.T) {
	// Two dense layers chained: both are fused, the first one anchored at its activation.
	b, out := denseGraph(dtypes.Float32, OpRelu, nil)
	w2 := b.Const("w2", dtypes.Float32, []int{2, 2}, 1, 0, 0, 1)
	bias2 := b.Const("bias2", dtypes.Float32, []int{2}, 1, 1)
	mm2 := b.Op(OpMatMul, "mm2", nil, out, w2)
	out2 := b.Op(OpBiasAdd, "bias_add2", nil, mm2, bias2)
	g := b.Finish(b.Op(OpTanh, "tanh2", nil, out2))
	matches := find(t, g, policy.AllowAll{}, allOptions)
	assert.Equal(t, []string{"MatMul+BiasAdd+Tanh@tanh2", "MatMul+BiasAdd+Relu@act"}, matchIDs(matches))
	seen := sets.Make[string]()
	for _, m := range matches {
		for _, name := range m.Nodes() {
			assert.False(t, seen.Has(name), "node %q in more than one match", name)
			seen.Insert(name)
		}
	}
}

func TestInvalidGraph(t *testing.T) {
	_, err := FindMatches(NewGraph("g"), nil, policy.AllowAll{}, allOptions)
	require.Error(t, err)
}
