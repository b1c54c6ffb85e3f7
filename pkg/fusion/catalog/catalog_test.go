package catalog

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/core/graph"
)

func simplePattern(id string) *Pattern {
	return &Pattern{
		ID:   id,
		Root: "relu",
		Nodes: []NodeTemplate{
			{Label: "mm", Ops: []graph.OpKind{graph.OpMatMul}, Inputs: []string{"$a", "$b"}},
			{Label: "relu", Ops: []graph.OpKind{graph.OpRelu}, Inputs: []string{"mm"}, Tag: "Relu"},
		},
		Replacement: graph.OpFusedMatMul,
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, simplePattern("ok").Validate())

	testCases := map[string]func(p *Pattern){
		"no id":          func(p *Pattern) { p.ID = "" },
		"no nodes":       func(p *Pattern) { p.Nodes = nil },
		"no replacement": func(p *Pattern) { p.Replacement = graph.OpUnknown },
		"bad root":       func(p *Pattern) { p.Root = "missing" },
		"empty label":    func(p *Pattern) { p.Nodes[0].Label = "" },
		"external label": func(p *Pattern) { p.Nodes[0].Label = "$mm" },
		"duplicate label": func(p *Pattern) {
			p.Nodes = append(p.Nodes, NodeTemplate{Label: "mm", Ops: []graph.OpKind{graph.OpRelu}})
		},
		"no ops":           func(p *Pattern) { p.Nodes[0].Ops = nil },
		"undefined label":  func(p *Pattern) { p.Nodes[1].Inputs = []string{"missing"} },
		"self reference":   func(p *Pattern) { p.Nodes[1].Inputs = []string{"relu"} },
		"empty external":   func(p *Pattern) { p.Nodes[0].Inputs = []string{"$"} },
		"root is consumed": func(p *Pattern) { p.Nodes[0].Inputs = []string{"relu", "$b"} },
		"disconnected": func(p *Pattern) {
			p.Nodes = append(p.Nodes, NodeTemplate{Label: "other", Ops: []graph.OpKind{graph.OpTanh}, Inputs: []string{"$a"}})
		},
		"cycle": func(p *Pattern) {
			p.Nodes = append(p.Nodes,
				NodeTemplate{Label: "c1", Ops: []graph.OpKind{graph.OpTanh}, Inputs: []string{"c2"}},
				NodeTemplate{Label: "c2", Ops: []graph.OpKind{graph.OpTanh}, Inputs: []string{"c1"}})
			p.Nodes[0].Inputs = []string{"c1", "$b"}
		},
	}
	for name, corrupt := range testCases {
		t.Run(name, func(t *testing.T) {
			p := simplePattern("broken")
			corrupt(p)
			err := p.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidPattern), "unexpected error: %v", err)
		})
	}
}

func TestRegister(t *testing.T) {
	c := New()
	p := simplePattern("MatMul+Relu")
	require.NoError(t, c.Register(p))
	assert.Equal(t, 1, c.Len())

	// The catalog keeps its own copy.
	p.Nodes[1].Tag = "Changed"
	assert.Equal(t, []string{"Relu"}, c.Pattern("MatMul+Relu").Tags())

	err := c.Register(simplePattern("MatMul+Relu"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidPattern))
	require.Error(t, c.Register(nil))
	assert.Equal(t, 1, c.Len())

	second := simplePattern("Second")
	second.RootTemplate().Ops = []graph.OpKind{graph.OpRelu, graph.OpTanh}
	require.NoError(t, c.Register(second))
	assert.Equal(t, []string{"MatMul+Relu", "Second"}, patternIDs(c.PatternsRootedAt(graph.OpRelu)))
	assert.Equal(t, []string{"Second"}, patternIDs(c.PatternsRootedAt(graph.OpTanh)))
	assert.Empty(t, c.PatternsRootedAt(graph.OpSigmoid))
	assert.Nil(t, c.Pattern("missing"))
	assert.Panics(t, func() { c.MustRegister(simplePattern("Second")) })
}

func TestPatternsAreCopies(t *testing.T) {
	c := New()
	c.MustRegister(simplePattern("First"))
	c.MustRegister(simplePattern("Second"))

	rooted := c.PatternsRootedAt(graph.OpRelu)
	require.Len(t, rooted, 2)
	rooted[0], rooted[1] = rooted[1], nil
	assert.Equal(t, []string{"First", "Second"}, patternIDs(c.PatternsRootedAt(graph.OpRelu)))

	all := c.Patterns()
	all[0] = simplePattern("Intruder")
	_ = append(all[:1], simplePattern("Appended"))
	assert.Equal(t, []string{"First", "Second"}, patternIDs(c.Patterns()))
	assert.Nil(t, c.Pattern("Intruder"))
}

func patternIDs(patterns []*Pattern) []string {
	ids := make([]string, len(patterns))
	for ii, p := range patterns {
		ids[ii] = p.ID
	}
	return ids
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("Advanced")
	require.NoError(t, err)
	assert.Equal(t, LevelAdvanced, level)
	assert.Equal(t, "basic", LevelBasic.String())
	_, err = ParseLevel("extreme")
	require.Error(t, err)
}

func TestDefault(t *testing.T) {
	c := Default()
	for _, p := range c.Patterns() {
		require.NoError(t, p.Validate(), "pattern %s", p)
		if strings.Contains(p.ID, "+Add") {
			assert.Equal(t, LevelAdvanced, p.Level, "pattern %s", p)
		} else {
			assert.Equal(t, LevelBasic, p.Level, "pattern %s", p)
		}
	}

	p := c.Pattern("Conv2D+BiasAdd+Add+Relu")
	require.NotNil(t, p)
	assert.Equal(t, []string{"BiasAdd", "Add", "Relu"}, p.Tags())
	assert.Equal(t, graph.OpFusedConv2D, p.Replacement)

	p = c.Pattern("Conv2D+FusedBatchNorm+GeluExact")
	require.NotNil(t, p)
	assert.Equal(t, []string{"FusedBatchNorm", "GeluExact"}, p.Tags())

	p = c.Pattern("MatMul+BiasAdd+Tanh")
	require.NotNil(t, p)
	assert.Equal(t, graph.OpFusedMatMul, p.Replacement)
	assert.Nil(t, c.Pattern("MatMul+BiasAdd+Add"), "MatMul has no Add leg")
	require.NotNil(t, c.Pattern("DepthwiseConv2dNative+BiasAdd+Relu6"))

	fold := c.Pattern("SpaceToBatchND+Conv2D+BatchToSpaceND")
	require.NotNil(t, fold)
	assert.True(t, fold.Fold)
	assert.Empty(t, fold.Tags())

	// Longer variants come first among the patterns anchored at the same operator.
	ids := patternIDs(c.PatternsRootedAt(graph.OpAdd))
	require.NotEmpty(t, ids)
	assert.Equal(t, "Conv2D+BiasAdd+Add", ids[0])
	assert.Less(t, indexOf(ids, "Conv2D+BiasAdd+Add"), indexOf(ids, "Conv2D+BiasAdd"))
	reluIDs := patternIDs(c.PatternsRootedAt(graph.OpRelu))
	assert.Less(t, indexOf(reluIDs, "Conv2D+BiasAdd+Add+Relu"), indexOf(reluIDs, "Conv2D+BiasAdd+Relu"))
}

func indexOf(ids []string, id string) int {
	for ii, v := range ids {
		if v == id {
			return ii
		}
	}
	return -1
}

func TestGeluTag(t *testing.T) {
	gelu := graph.NewNode("gelu", "Gelu", dtypes.Float32)
	assert.Equal(t, TagGeluExact, GeluTag(gelu))
	gelu.Attrs[graph.AttrApproximate] = graph.BoolAttr(true)
	assert.Equal(t, TagGeluApproximate, GeluTag(gelu))

	acts := Activations()
	for _, act := range acts {
		if act.Op != graph.OpGelu {
			continue
		}
		assert.Equal(t, act.Tag == TagGeluApproximate, act.Predicate(gelu), "activation %s", act.Tag)
	}
}

func TestDilatedConvolutionCheck(t *testing.T) {
	g := graph.NewGraph("fold")
	add := func(name string, values ...float64) {
		node := graph.NewNode(name, "Const", dtypes.Int32)
		node.Shape = []int{len(values)}
		node.Value = values
		require.NoError(t, g.AddNode(node))
	}
	add("block", 2, 2)
	add("block2", 2, 2)
	add("paddings", 2, 2, 2, 2)
	add("crops", 1, 0, 2, 1)
	add("other_block", 2, 3)
	b := &Binding{Externals: map[string]graph.Output{
		"block_shape": {Node: "block"}, "block_shape2": {Node: "block2"},
		"paddings": {Node: "paddings"}, "crops": {Node: "crops"},
	}}
	p := DilatedConvolutionFold()
	assert.True(t, p.Check(g, b))

	replacement := graph.NewNode("bts", "Conv2D", dtypes.Float32)
	b.Externals["input"] = graph.Output{Node: "x"}
	b.Externals["filter"] = graph.Output{Node: "f"}
	require.NoError(t, p.Build(g, b, replacement))
	assert.Equal(t, []int64{1, 2, 2, 1}, replacement.Attrs.IntsOr(graph.AttrDilations))
	assert.Equal(t, []int64{0, 0, 1, 2, 0, 1, 0, 0}, replacement.Attrs.IntsOr(graph.AttrExplicitPaddings))
	assert.Equal(t, "EXPLICIT", replacement.Attrs.StringOr(graph.AttrPadding, ""))
	assert.Equal(t, []graph.Output{{Node: "x"}, {Node: "f"}}, replacement.Inputs)

	b.Externals["block_shape2"] = graph.Output{Node: "other_block"}
	assert.False(t, p.Check(g, b), "block shapes differ")
	b.Externals["block_shape2"] = graph.Output{Node: "block2"}
	b.Externals["crops"] = graph.Output{Node: "paddings"}
	b.Externals["paddings"] = graph.Output{Node: "crops"}
	assert.False(t, p.Check(g, b), "crops larger than paddings")
}

// biasBinding builds conv -> Add(conv, bias) [-> Add(·, addend)] and binds it as the matcher would.
func biasBinding(t *testing.T, head graph.OpKind, filterDims, biasDims, addendDims []int) (*graph.Graph, *Binding) {
	b := graph.NewBuilder("bias_binding")
	x := b.Placeholder("x", dtypes.Float32, 1, 4, 4, 2)
	size := 1
	for _, dim := range filterDims {
		size *= dim
	}
	filter := b.Const("filter", dtypes.Float32, filterDims, make([]float64, size)...)
	conv := b.Op(head, "conv", nil, x, filter)
	size = 1
	for _, dim := range biasDims {
		size *= dim
	}
	bias := b.Const("bias", dtypes.Float32, biasDims, make([]float64, size)...)
	out := b.Op(graph.OpAddV2, "bias_add", nil, conv, bias)
	binding := &Binding{
		Nodes:     map[string]*graph.Node{labelContraction: nil, labelBias: nil},
		Externals: map[string]graph.Output{"input": x, "filter": filter, "bias": bias},
	}
	if addendDims != nil {
		addend := b.Placeholder("addend", dtypes.Float32, addendDims...)
		out = b.Op(graph.OpAdd, "add", nil, out, addend)
		binding.Externals["addend"] = addend
	}
	g := b.Finish(out)
	binding.Nodes[labelContraction] = g.Node("conv")
	binding.Nodes[labelBias] = g.Node("bias_add")
	if addendDims != nil {
		binding.Nodes[labelAdd] = g.Node("add")
	}
	require.NoError(t, g.Validate())
	return g, binding
}

func TestBiasChannels(t *testing.T) {
	c := Default()
	conv, depthwise := c.Pattern("Conv2D+BiasAdd"), c.Pattern("DepthwiseConv2dNative+BiasAdd")
	for _, tc := range []struct {
		name       string
		p          *Pattern
		head       graph.OpKind
		filterDims []int
		biasDims   []int
		want       bool
	}{
		{"conv/C", conv, graph.OpConv2D, []int{1, 1, 2, 3}, []int{3}, true},
		{"conv/1x1xC", conv, graph.OpConv2D, []int{1, 1, 2, 3}, []int{1, 1, 3}, true},
		{"conv/1x1x1xC", conv, graph.OpConv2D, []int{1, 1, 2, 3}, []int{1, 1, 1, 3}, true},
		{"conv/1x1x1x1", conv, graph.OpConv2D, []int{1, 1, 2, 3}, []int{1, 1, 1, 1}, false},
		{"conv/other channels", conv, graph.OpConv2D, []int{1, 1, 2, 3}, []int{2}, false},
		{"depthwise/C*M", depthwise, graph.OpDepthwiseConv2dNative, []int{1, 1, 2, 2}, []int{1, 1, 1, 4}, true},
		{"depthwise/M", depthwise, graph.OpDepthwiseConv2dNative, []int{1, 1, 2, 2}, []int{2}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, binding := biasBinding(t, tc.head, tc.filterDims, tc.biasDims, nil)
			assert.Equal(t, tc.want, tc.p.Check(g, binding))
		})
	}

	t.Run("unknown channels", func(t *testing.T) {
		g, binding := biasBinding(t, graph.OpConv2D, []int{1, 1, 2, 3}, []int{3}, nil)
		g.Node("filter").Shape = nil
		assert.False(t, conv.Check(g, binding))
		g.Node("conv").Shape = []int{1, 4, 4, 3}
		assert.True(t, conv.Check(g, binding), "channels taken from the convolution shape")
	})
}

func TestMatMulBiasColumns(t *testing.T) {
	p := Default().Pattern("MatMul+BiasAdd")
	build := func(transposeB bool, biasDims []int) (*graph.Graph, *Binding) {
		b := graph.NewBuilder("dense")
		x := b.Placeholder("x", dtypes.Float32, 3, 4)
		wDims := []int{4, 2}
		if transposeB {
			wDims = []int{2, 4}
		}
		w := b.Const("w", dtypes.Float32, wDims, make([]float64, 8)...)
		mm := b.Op(graph.OpMatMul, "mm", graph.Attributes{graph.AttrTransposeB: graph.BoolAttr(transposeB)}, x, w)
		bias := b.Const("bias", dtypes.Float32, biasDims, make([]float64, biasDims[len(biasDims)-1])...)
		g := b.Finish(b.Op(graph.OpAdd, "bias_add", nil, mm, bias))
		return g, &Binding{
			Nodes:     map[string]*graph.Node{labelContraction: g.Node("mm"), labelBias: g.Node("bias_add")},
			Externals: map[string]graph.Output{"a": x, "b": w, "bias": bias},
		}
	}
	for _, transposeB := range []bool{false, true} {
		g, binding := build(transposeB, []int{2})
		assert.True(t, p.Check(g, binding), "transpose_b=%v", transposeB)
		g, binding = build(transposeB, []int{1, 2})
		assert.True(t, p.Check(g, binding), "transpose_b=%v", transposeB)
		g, binding = build(transposeB, []int{1, 1})
		assert.False(t, p.Check(g, binding), "transpose_b=%v: [1,1] broadcasts to all columns", transposeB)
		g, binding = build(transposeB, []int{4})
		assert.False(t, p.Check(g, binding), "transpose_b=%v: bias sized as the contracting dimension", transposeB)
	}
}

func TestAddendShape(t *testing.T) {
	p := Default().Pattern("Conv2D+BiasAdd+Add")
	require.NotNil(t, p)

	// Unknown contraction shape: only the bias is checked.
	g, binding := biasBinding(t, graph.OpConv2D, []int{1, 1, 2, 3}, []int{3}, []int{1, 1, 1, 3})
	assert.True(t, p.Check(g, binding))

	g.Node("conv").Shape = []int{1, 4, 4, 3}
	assert.False(t, p.Check(g, binding), "addend broadcasts along the spatial axes")
	g, binding = biasBinding(t, graph.OpConv2D, []int{1, 1, 2, 3}, []int{3}, []int{1, 4, 4, 3})
	g.Node("conv").Shape = []int{1, 4, 4, 3}
	assert.True(t, p.Check(g, binding))
}
