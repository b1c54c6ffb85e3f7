package rewriter

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/core/graph"
	"github.com/gomlx/remapper/pkg/core/graph/graphtest"
	"github.com/gomlx/remapper/pkg/fusion/catalog"
	"github.com/gomlx/remapper/pkg/fusion/matcher"
	"github.com/gomlx/remapper/pkg/fusion/policy"
)

var options = matcher.Options{Device: policy.GPU, Level: catalog.LevelAdvanced}

func findMatches(t *testing.T, g *graph.Graph) []matcher.Match {
	matches, err := matcher.FindMatches(g, catalog.Default(), policy.AllowAll{}, options)
	require.NoError(t, err)
	return matches
}

func convBiasRelu() *graph.Graph {
	b := graph.NewBuilder("conv_bias_relu")
	x := b.Placeholder("x", dtypes.Float32, 1, 5, 5, 2)
	filter := b.Const("filter", dtypes.Float32, []int{3, 3, 2, 1},
		0.1, -0.2, 0.3, 0.4, -0.5, 0.6, 0.7, -0.8, 0.9, 1.0, -1.1, 1.2, 0.1, 0.2, -0.3, 0.4, 0.5, -0.6)
	bias := b.Const("bias", dtypes.Float32, []int{1}, 0.25)
	conv := b.Op(graph.OpConv2D, "conv", graph.Attributes{
		graph.AttrPadding:    graph.StringAttr("SAME"),
		graph.AttrStrides:    graph.IntsAttr(1, 1, 1, 1),
		graph.AttrDataFormat: graph.StringAttr("NHWC"),
		"unrelated":          graph.IntAttr(7),
	}, x, filter)
	biasAdd := b.Op(graph.OpBiasAdd, "bias_add", nil, conv, bias)
	relu := b.Op(graph.OpRelu, "relu", nil, biasAdd)
	tail := b.Op(graph.OpTanh, "tail", nil, relu)
	return b.Finish(tail)
}

func TestApply(t *testing.T) {
	g := convBiasRelu()
	original := g.Clone()
	matches := findMatches(t, g)
	require.Len(t, matches, 1)

	r := New()
	name, err := r.Apply(g, matches[0])
	require.NoError(t, err)
	assert.Equal(t, "relu", name)
	require.NoError(t, g.Validate())
	assert.False(t, g.Has("conv"))
	assert.False(t, g.Has("bias_add"))

	fused := g.Node("relu")
	assert.Equal(t, graph.OpFusedConv2D, fused.Op)
	assert.Equal(t, []graph.Output{{Node: "x"}, {Node: "filter"}, {Node: "bias"}}, fused.Inputs)
	assert.Equal(t, []string{"BiasAdd", "Relu"}, fused.FusedOps())
	assert.Equal(t, "SAME", fused.Attrs.StringOr(graph.AttrPadding, ""))
	assert.Equal(t, []int64{1, 1, 1, 1}, fused.Attrs.IntsOr(graph.AttrStrides))
	assert.Equal(t, "Float32", fused.Attrs.StringOr(graph.AttrT, ""))
	n, _ := fused.Attrs.GetInt(graph.AttrNumArgs)
	assert.Equal(t, int64(1), n)
	assert.False(t, fused.Attrs.Has("unrelated"), "only listed attributes are copied")
	assert.Equal(t, []graph.Output{{Node: "relu"}}, g.Node("tail").Inputs)
	graphtest.RequireEquivalent(t, original, g)

	// Applying it again is a conflict.
	_, err = r.Apply(g, matches[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRewriteConflict))
}

func TestApplyChangedGraph(t *testing.T) {
	g := convBiasRelu()
	matches := findMatches(t, g)
	require.Len(t, matches, 1)
	require.NoError(t, g.ReplaceSubgraph([]string{"conv"},
		graph.NewNode("conv", "Conv2D", dtypes.Float32, graph.Output{Node: "x"}, graph.Output{Node: "filter"}),
		map[graph.Output]int{{Node: "conv"}: 0}))
	_, err := New().Apply(g, matches[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRewriteConflict))
}

func TestLeakyReluReplacement(t *testing.T) {
	b := graph.NewBuilder("leaky")
	x := b.Placeholder("x", dtypes.Float32, 8)
	scale := b.Const("scale", dtypes.Float32, nil, 3)
	y := b.Op(graph.OpMul, "y", nil, x, scale)
	alpha := b.Const("alpha", dtypes.Float32, nil, 0.25)
	mul := b.Op(graph.OpMul, "mul", nil, y, alpha)
	g := b.Finish(b.Op(graph.OpMaximum, "max", nil, y, mul))
	original := g.Clone()

	matches := findMatches(t, g)
	require.Len(t, matches, 1)
	_, err := New().Apply(g, matches[0])
	require.NoError(t, err)
	leaky := g.Node("max")
	assert.Equal(t, graph.OpLeakyRelu, leaky.Op)
	assert.Equal(t, []graph.Output{{Node: "y"}}, leaky.Inputs)
	assert.InDelta(t, 0.25, leaky.Attrs.FloatOr(graph.AttrAlpha, 0), 1e-7)
	assert.Nil(t, leaky.FusedOps())
	assert.False(t, leaky.Attrs.Has(graph.AttrNumArgs))
	assert.True(t, g.Has("y"), "the Mul producing the operand is kept")
	assert.True(t, g.Has("alpha"), "constants are not removed")
	graphtest.RequireEquivalent(t, original, g)
}

func TestFusedRandomReplacement(t *testing.T) {
	b := graph.NewBuilder("dropout")
	shape := b.Const("shape", dtypes.Int32, []int{2}, 4, 8)
	random := b.Op(graph.OpRandomUniform, "random", graph.Attributes{
		graph.AttrSeed: graph.IntAttr(1), graph.AttrSeed2: graph.IntAttr(2),
	}, shape)
	b.WithDType(random, dtypes.Float32)
	threshold := b.Const("threshold", dtypes.Float32, nil, 0.3)
	ge := b.Op(graph.OpGreaterEqual, "ge", nil, random, threshold)
	cast := b.Op(graph.OpCast, "mask", graph.Attributes{graph.AttrDstT: graph.StringAttr("Float32")}, ge)
	b.WithDType(cast, dtypes.Float32)
	g := b.Finish(cast)
	original := g.Clone()

	matches := findMatches(t, g)
	require.Len(t, matches, 1)
	assert.Equal(t, "RandomUniform+GreaterEqual+Cast", matches[0].Pattern.ID)
	_, err := New().Apply(g, matches[0])
	require.NoError(t, err)
	fused := g.Node("mask")
	assert.Equal(t, graph.OpFusedRandom, fused.Op)
	assert.Equal(t, []string{"GreaterEqual", "Cast"}, fused.FusedOps())
	assert.Equal(t, []graph.Output{{Node: "shape"}, {Node: "threshold"}}, fused.Inputs)
	assert.Equal(t, "Float32", fused.Attrs.StringOr(graph.AttrDType, ""))
	assert.False(t, fused.Attrs.Has(graph.AttrNumArgs))
	graphtest.RequireEquivalent(t, original, g)
}

func TestDilatedConvolutionFold(t *testing.T) {
	b := graph.NewBuilder("atrous")
	x := b.Placeholder("x", dtypes.Float32, 1, 6, 6, 1)
	block := b.Const("block", dtypes.Int32, []int{2}, 2, 2)
	paddings := b.Const("paddings", dtypes.Int32, []int{2, 2}, 2, 2, 2, 2)
	stb := b.Op(graph.OpSpaceToBatchND, "stb", nil, x, block, paddings)
	filter := b.Const("filter", dtypes.Float32, []int{3, 3, 1, 1}, 1, 2, 3, 4, 5, 6, 7, 8, 9)
	conv := b.Op(graph.OpConv2D, "conv", graph.Attributes{
		graph.AttrPadding: graph.StringAttr("VALID"), graph.AttrStrides: graph.IntsAttr(1, 1, 1, 1),
	}, stb, filter)
	b.WithDType(conv, dtypes.Float32)
	crops := b.Const("crops", dtypes.Int32, []int{2, 2}, 0, 0, 0, 0)
	bts := b.Op(graph.OpBatchToSpaceND, "bts", nil, conv, block, crops)
	b.WithDType(bts, dtypes.Float32)
	g := b.Finish(bts)
	original := g.Clone()

	matches := findMatches(t, g)
	require.Len(t, matches, 1)
	_, err := New().Apply(g, matches[0])
	require.NoError(t, err)
	folded := g.Node("bts")
	assert.Equal(t, graph.OpConv2D, folded.Op)
	assert.True(t, folded.SkipFusion())
	assert.Nil(t, folded.FusedOps())
	assert.Equal(t, []int64{1, 2, 2, 1}, folded.Attrs.IntsOr(graph.AttrDilations))
	assert.Equal(t, []int64{0, 0, 2, 2, 2, 2, 0, 0}, folded.Attrs.IntsOr(graph.AttrExplicitPaddings))
	assert.Equal(t, 0, g.CountOps()["SpaceToBatchND"])
	assert.Equal(t, 0, g.CountOps()["BatchToSpaceND"])
	graphtest.RequireEquivalent(t, original, g)
}
