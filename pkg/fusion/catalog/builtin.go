// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/graph"
)

// Fused operation tags, as listed in the fused_ops attribute.
const (
	TagBiasAdd         = "BiasAdd"
	TagFusedBatchNorm  = "FusedBatchNorm"
	TagAdd             = "Add"
	TagGreaterEqual    = "GreaterEqual"
	TagCast            = "Cast"
	TagGeluApproximate = "GeluApproximate"
	TagGeluExact       = "GeluExact"
)

// Activation that can be fused after a contraction.
type Activation struct {
	Tag       string
	Op        graph.OpKind
	Predicate Predicate
	CopyAttrs []AttrCopy
}

// Activations returns the activations fused by the built-in patterns, in registration order.
func Activations() []Activation {
	return []Activation{
		{Tag: "Elu", Op: graph.OpElu},
		{Tag: "LeakyRelu", Op: graph.OpLeakyRelu, CopyAttrs: []AttrCopy{{From: graph.AttrAlpha}}},
		{Tag: "Relu", Op: graph.OpRelu},
		{Tag: "Relu6", Op: graph.OpRelu6},
		{Tag: "Sigmoid", Op: graph.OpSigmoid},
		{Tag: "Tanh", Op: graph.OpTanh},
		{Tag: TagGeluApproximate, Op: graph.OpGelu, Predicate: isGelu(true)},
		{Tag: TagGeluExact, Op: graph.OpGelu, Predicate: isGelu(false)},
	}
}

// GeluTag returns the tag of a Gelu node: TagGeluApproximate or TagGeluExact, according to its
// "approximate" attribute (false if not set).
func GeluTag(node *graph.Node) string {
	if node.Attrs.BoolOr(graph.AttrApproximate, false) {
		return TagGeluApproximate
	}
	return TagGeluExact
}

func isGelu(approximate bool) Predicate {
	want := TagGeluExact
	if approximate {
		want = TagGeluApproximate
	}
	return func(node *graph.Node) bool {
		return GeluTag(node) == want
	}
}

// Predicates on attributes.

func dataFormatIn(formats ...string) Predicate {
	return func(node *graph.Node) bool {
		return slices.Contains(formats, node.Attrs.StringOr(graph.AttrDataFormat, "NHWC"))
	}
}

func isConvolution(node *graph.Node) bool {
	padding := node.Attrs.StringOr(graph.AttrPadding, "VALID")
	return dataFormatIn("NHWC", "NCHW")(node) && slices.Contains([]string{"SAME", "VALID", "EXPLICIT"}, padding)
}

func isConvolution3D(node *graph.Node) bool {
	padding := node.Attrs.StringOr(graph.AttrPadding, "VALID")
	format := node.Attrs.StringOr(graph.AttrDataFormat, "NDHWC")
	return format == "NDHWC" && slices.Contains([]string{"SAME", "VALID"}, padding)
}

func isInference(node *graph.Node) bool {
	training, found := node.Attrs.GetBool(graph.AttrIsTraining)
	return found && !training
}

// constValues returns the values of a Const node, or nil if the node is not a Const.
func constValues(node *graph.Node) []float64 {
	if node == nil || node.Op != graph.OpConst {
		return nil
	}
	return node.Value
}

// contraction describes the head of a contraction family of patterns.
type contraction struct {
	name        string
	op          graph.OpKind
	replacement graph.OpKind
	inputs      []string
	predicate   Predicate
	copyAttrs   []AttrCopy

	// channelsLast is the data format with the channels in the last axis, the only one accepted for a
	// bias added with Add/AddV2. Empty for MatMul, whose output is always [rows, columns].
	channelsLast string

	// outputChannels returns the number of output channels of the bound contraction, or 0 if unknown.
	outputChannels func(g *graph.Graph, b *Binding) int

	// biasRanks accepted for a constant bias added with Add/AddV2.
	biasRanks []int

	// Optional legs: FusedBatchNorm instead of the bias, and the Add of a residual after the normalization.
	withBatchNorm, withAdd bool
}

var convAttrs = []AttrCopy{
	{From: graph.AttrStrides}, {From: graph.AttrPadding}, {From: graph.AttrDilations},
	{From: graph.AttrDataFormat}, {From: graph.AttrExplicitPaddings},
}

var contractions = []contraction{
	{
		name: "Conv2D", op: graph.OpConv2D, replacement: graph.OpFusedConv2D,
		inputs: []string{"$input", "$filter"}, predicate: isConvolution, copyAttrs: convAttrs,
		channelsLast: "NHWC", outputChannels: filterChannels(4, false),
		biasRanks: []int{1, 3, 4}, withBatchNorm: true, withAdd: true,
	},
	{
		name: "DepthwiseConv2dNative", op: graph.OpDepthwiseConv2dNative, replacement: graph.OpFusedDepthwiseConv2dNative,
		inputs: []string{"$input", "$filter"}, predicate: isConvolution, copyAttrs: convAttrs,
		channelsLast: "NHWC", outputChannels: filterChannels(4, true),
		biasRanks: []int{1, 3, 4}, withAdd: true,
	},
	{
		name: "Conv3D", op: graph.OpConv3D, replacement: graph.OpFusedConv3D,
		inputs: []string{"$input", "$filter"}, predicate: isConvolution3D,
		copyAttrs:    []AttrCopy{{From: graph.AttrStrides}, {From: graph.AttrPadding}, {From: graph.AttrDilations}, {From: graph.AttrDataFormat}},
		channelsLast: "NDHWC", outputChannels: filterChannels(5, false),
		biasRanks: []int{1, 4, 5},
	},
	{
		name: "MatMul", op: graph.OpMatMul, replacement: graph.OpFusedMatMul,
		inputs:         []string{"$a", "$b"},
		copyAttrs:      []AttrCopy{{From: graph.AttrTransposeA}, {From: graph.AttrTransposeB}},
		outputChannels: matMulColumns,
		biasRanks:      []int{1, 2},
	},
}

// externalShape returns the shape of the named external value, or nil if unknown.
func externalShape(g *graph.Graph, b *Binding, name string) []int {
	output, found := b.Externals[name]
	if !found || output.Slot != 0 {
		return nil
	}
	if node := g.Node(output.Node); node != nil {
		return node.Shape
	}
	return nil
}

// filterChannels returns the output channels of a convolution from its filter of the given rank: the last
// dimension, multiplied by the input channels for depthwise convolutions. Filters of unknown shape fall back
// to the last dimension of the contraction's own shape, if known.
func filterChannels(rank int, depthwise bool) func(*graph.Graph, *Binding) int {
	return func(g *graph.Graph, b *Binding) int {
		if filter := externalShape(g, b, "filter"); len(filter) == rank {
			if depthwise {
				return filter[rank-2] * filter[rank-1]
			}
			return filter[rank-1]
		}
		if head := b.Node(labelContraction); len(head.Shape) == rank {
			return head.Shape[rank-1]
		}
		return 0
	}
}

// matMulColumns returns the number of columns of the MatMul result, taken from $b (transposed or not).
func matMulColumns(g *graph.Graph, b *Binding) int {
	head := b.Node(labelContraction)
	if weights := externalShape(g, b, "b"); len(weights) == 2 {
		if head.Attrs.BoolOr(graph.AttrTransposeB, false) {
			return weights[0]
		}
		return weights[1]
	}
	if len(head.Shape) == 2 {
		return head.Shape[1]
	}
	return 0
}

// Labels of the contraction family templates.
const (
	labelContraction = "contraction"
	labelBias        = "bias"
	labelBatchNorm   = "batch_norm"
	labelAdd         = "add"
	labelActivation  = "activation"
)

// normalization is the mandatory leg after the contraction: a bias or a batch normalization.
type normalization struct {
	tag      string
	template NodeTemplate
}

func biasLeg() normalization {
	return normalization{
		tag: TagBiasAdd,
		template: NodeTemplate{
			Label:       labelBias,
			Ops:         []graph.OpKind{graph.OpBiasAdd, graph.OpAdd, graph.OpAddV2},
			Inputs:      []string{labelContraction, "$bias"},
			Commutative: true,
			Tag:         TagBiasAdd,
		},
	}
}

func batchNormLeg() normalization {
	return normalization{
		tag: TagFusedBatchNorm,
		template: NodeTemplate{
			Label:     labelBatchNorm,
			Ops:       []graph.OpKind{graph.OpFusedBatchNorm, graph.OpFusedBatchNormV3},
			Inputs:    []string{labelContraction, "$scale", "$offset", "$mean", "$variance"},
			Predicate: func(node *graph.Node) bool { return isInference(node) && dataFormatIn("NHWC", "NCHW")(node) },
			Tag:       TagFusedBatchNorm,
			CopyAttrs: []AttrCopy{{From: graph.AttrEpsilon}},
		},
	}
}

// isChannelsLast returns whether the data format has the channels in the last axis ("NHWC", "NDHWC").
func isChannelsLast(format string) bool {
	return strings.HasPrefix(format, "N") && strings.HasSuffix(format, "C")
}

// checkBias accepts a BiasAdd with the same channel axis as the contraction, or an Add/AddV2 of a constant
// shaped [1, ..., 1, C] with an accepted rank, where C is the number of output channels of the contraction.
// Any other constant would broadcast differently than the fused bias, so it is rejected.
func (c contraction) checkBias(g *graph.Graph, b *Binding) bool {
	head, bias := b.Node(labelContraction), b.Node(labelBias)
	format := head.Attrs.StringOr(graph.AttrDataFormat, c.channelsLast)
	channels := c.outputChannels(g, b)
	if bias.Op == graph.OpBiasAdd {
		if c.channelsLast != "" && isChannelsLast(bias.Attrs.StringOr(graph.AttrDataFormat, "NHWC")) != isChannelsLast(format) {
			return false
		}
		if shape := externalShape(g, b, "bias"); len(shape) > 0 && channels > 0 && shape[len(shape)-1] != channels {
			return false
		}
		return checkAddend(g, b)
	}
	if c.channelsLast != "" && format != c.channelsLast {
		return false
	}
	value := b.ExternalNode(g, "bias")
	if value == nil || value.Op != graph.OpConst || value.Shape == nil || channels <= 0 {
		return false
	}
	rank := len(value.Shape)
	if !slices.Contains(c.biasRanks, rank) || value.Shape[rank-1] != channels {
		return false
	}
	for _, dim := range value.Shape[:rank-1] {
		if dim != 1 {
			return false
		}
	}
	return checkAddend(g, b)
}

func (c contraction) checkBatchNorm(g *graph.Graph, b *Binding) bool {
	head, bn := b.Node(labelContraction), b.Node(labelBatchNorm)
	if head.Attrs.StringOr(graph.AttrDataFormat, "NHWC") != bn.Attrs.StringOr(graph.AttrDataFormat, "NHWC") {
		return false
	}
	return checkAddend(g, b)
}

// checkAddend rejects an Add leg whose addend has a known shape different from the known shape of the value it
// is added to: the fused Add requires both to have the same shape.
func checkAddend(g *graph.Graph, b *Binding) bool {
	if b.Node(labelAdd) == nil {
		return true
	}
	addend := externalShape(g, b, "addend")
	if addend == nil {
		return true
	}
	for _, label := range []string{labelContraction, labelBias, labelBatchNorm, labelAdd} {
		if node := b.Node(label); node != nil && node.Shape != nil {
			return slices.Equal(node.Shape, addend)
		}
	}
	return true
}

// contractionPattern builds the pattern for contraction + norm [+ Add] [+ activation].
func contractionPattern(c contraction, norm normalization, withAdd bool, act *Activation) *Pattern {
	id := c.name + "+" + norm.tag
	nodes := []NodeTemplate{{
		Label:     labelContraction,
		Ops:       []graph.OpKind{c.op},
		Inputs:    c.inputs,
		Predicate: c.predicate,
		CopyAttrs: c.copyAttrs,
	}, norm.template}
	last := norm.template.Label
	level := LevelBasic
	if withAdd {
		id += "+" + TagAdd
		nodes = append(nodes, NodeTemplate{
			Label:       labelAdd,
			Ops:         []graph.OpKind{graph.OpAdd, graph.OpAddV2, graph.OpAddN},
			Inputs:      []string{last, "$addend"},
			Commutative: true,
			Tag:         TagAdd,
		})
		last = labelAdd
		level = LevelAdvanced
	}
	if act != nil {
		id += "+" + act.Tag
		nodes = append(nodes, NodeTemplate{
			Label:     labelActivation,
			Ops:       []graph.OpKind{act.Op},
			Inputs:    []string{last},
			Predicate: act.Predicate,
			Tag:       act.Tag,
			CopyAttrs: act.CopyAttrs,
		})
		last = labelActivation
	}
	p := &Pattern{
		ID:          id,
		Root:        last,
		Nodes:       nodes,
		Replacement: c.replacement,
		Level:       level,
	}
	if norm.tag == TagBiasAdd {
		p.Check = c.checkBias
	} else {
		p.Check = c.checkBatchNorm
	}
	return p
}

// Default returns the catalog of built-in patterns.
//
// Contraction families are registered from the longest variant to the shortest, so that when more than one
// variant can be anchored at the same node the longest wins: first the variants with both an Add leg and an
// activation, then with an activation, then with an Add leg, and finally contraction + bias (or batch norm).
func Default() *Catalog {
	c := New()
	type family struct {
		head contraction
		norm normalization
	}
	var families []family
	for _, head := range contractions {
		families = append(families, family{head, biasLeg()})
		if head.withBatchNorm {
			families = append(families, family{head, batchNormLeg()})
		}
	}
	activations := Activations()
	for _, withAdd := range []bool{true, false} {
		for _, f := range families {
			if withAdd && !f.head.withAdd {
				continue
			}
			for ii := range activations {
				c.MustRegister(contractionPattern(f.head, f.norm, withAdd, &activations[ii]))
			}
		}
	}
	for _, withAdd := range []bool{true, false} {
		for _, f := range families {
			if withAdd && !f.head.withAdd {
				continue
			}
			c.MustRegister(contractionPattern(f.head, f.norm, withAdd, nil))
		}
	}
	c.MustRegister(LeakyReluPattern())
	c.MustRegister(FusedRandomPattern())
	c.MustRegister(DilatedConvolutionFold())
	return c
}

// LeakyReluPattern rewrites Maximum(y, Mul(alpha, y)), with alpha a scalar constant in [0, 1], to LeakyRelu(y).
func LeakyReluPattern() *Pattern {
	return &Pattern{
		ID:   "Mul+Maximum",
		Root: "maximum",
		Nodes: []NodeTemplate{
			{Label: "mul", Ops: []graph.OpKind{graph.OpMul}, Inputs: []string{"$alpha", "$y"}, Commutative: true},
			{Label: "maximum", Ops: []graph.OpKind{graph.OpMaximum}, Inputs: []string{"$y", "mul"}, Commutative: true},
		},
		Replacement: graph.OpLeakyRelu,
		Level:       LevelBasic,
		Check: func(g *graph.Graph, b *Binding) bool {
			values := constValues(b.ExternalNode(g, "alpha"))
			return len(values) == 1 && values[0] >= 0 && values[0] <= 1
		},
		Build: func(g *graph.Graph, b *Binding, replacement *graph.Node) error {
			values := constValues(b.ExternalNode(g, "alpha"))
			if len(values) != 1 {
				return errors.Errorf("LeakyRelu alpha must be a scalar constant")
			}
			replacement.Attrs[graph.AttrAlpha] = graph.FloatAttr(values[0])
			replacement.Inputs = []graph.Output{b.Externals["y"]}
			return nil
		},
	}
}

// FusedRandomPattern fuses Cast(GreaterEqual(RandomUniform(shape), threshold)), the usual dropout mask.
func FusedRandomPattern() *Pattern {
	return &Pattern{
		ID:   "RandomUniform+GreaterEqual+Cast",
		Root: "cast",
		Nodes: []NodeTemplate{
			{
				Label: "random", Ops: []graph.OpKind{graph.OpRandomUniform}, Inputs: []string{"$shape"},
				CopyAttrs: []AttrCopy{{From: graph.AttrSeed}, {From: graph.AttrSeed2}, {From: graph.AttrDType}},
			},
			{
				Label: "greater_equal", Ops: []graph.OpKind{graph.OpGreaterEqual}, Inputs: []string{"random", "$threshold"},
				Tag: TagGreaterEqual,
			},
			{
				Label: "cast", Ops: []graph.OpKind{graph.OpCast}, Inputs: []string{"greater_equal"},
				Tag: TagCast, CopyAttrs: []AttrCopy{{From: graph.AttrDstT}},
			},
		},
		Replacement: graph.OpFusedRandom,
		Level:       LevelBasic,
		Build: func(_ *graph.Graph, b *Binding, replacement *graph.Node) error {
			if !replacement.Attrs.Has(graph.AttrDType) {
				replacement.Attrs[graph.AttrDType] = graph.StringAttr(b.Node("random").DType.String())
			}
			return nil
		},
	}
}

// DilatedConvolutionFold rewrites SpaceToBatchND -> Conv2D -> BatchToSpaceND, the way atrous convolutions
// used to be expressed, to a single dilated Conv2D with explicit paddings. The resulting convolution is
// marked to not take part in any later fusion.
//
// It requires a VALID, stride 1, non-dilated, NHWC convolution, the same block shape in both ends and
// crops no larger than the paddings.
func DilatedConvolutionFold() *Pattern {
	return &Pattern{
		ID:   "SpaceToBatchND+Conv2D+BatchToSpaceND",
		Root: "batch_to_space",
		Nodes: []NodeTemplate{
			{
				Label: "space_to_batch", Ops: []graph.OpKind{graph.OpSpaceToBatchND},
				Inputs: []string{"$input", "$block_shape", "$paddings"},
			},
			{
				Label: "conv", Ops: []graph.OpKind{graph.OpConv2D}, Inputs: []string{"space_to_batch", "$filter"},
				Predicate: isUndilatedValidConvolution,
				CopyAttrs: []AttrCopy{{From: graph.AttrDataFormat}},
			},
			{
				Label: "batch_to_space", Ops: []graph.OpKind{graph.OpBatchToSpaceND},
				Inputs: []string{"conv", "$block_shape2", "$crops"},
			},
		},
		Replacement: graph.OpConv2D,
		Level:       LevelBasic,
		Fold:        true,
		Check: func(g *graph.Graph, b *Binding) bool {
			_, _, _, err := foldParams(g, b)
			return err == nil
		},
		Build: buildDilatedConvolution,
	}
}

func isUndilatedValidConvolution(node *graph.Node) bool {
	if node.Attrs.StringOr(graph.AttrPadding, "VALID") != "VALID" || node.Attrs.StringOr(graph.AttrDataFormat, "NHWC") != "NHWC" {
		return false
	}
	for _, key := range []string{graph.AttrStrides, graph.AttrDilations} {
		for _, v := range node.Attrs.IntsOr(key) {
			if v != 1 {
				return false
			}
		}
	}
	return true
}

// foldParams returns the block shape, paddings and crops of a SpaceToBatchND/BatchToSpaceND pair, flattened as
// [top, bottom, left, right].
func foldParams(g *graph.Graph, b *Binding) (block, paddings, crops []int64, err error) {
	toInts := func(name string, size int) ([]int64, error) {
		values := constValues(b.ExternalNode(g, name))
		if len(values) != size {
			return nil, errors.Errorf("%s must be a constant with %d values", name, size)
		}
		ints := make([]int64, size)
		for ii, v := range values {
			ints[ii] = int64(v)
			if float64(ints[ii]) != v {
				return nil, errors.Errorf("%s must hold integer values", name)
			}
		}
		return ints, nil
	}
	if block, err = toInts("block_shape", 2); err != nil {
		return
	}
	var block2 []int64
	if block2, err = toInts("block_shape2", 2); err != nil {
		return
	}
	if !slices.Equal(block, block2) {
		err = errors.Errorf("SpaceToBatchND and BatchToSpaceND block shapes differ: %v != %v", block, block2)
		return
	}
	if block[0] < 1 || block[1] < 1 {
		err = errors.Errorf("invalid block shape %v", block)
		return
	}
	if paddings, err = toInts("paddings", 4); err != nil {
		return
	}
	if crops, err = toInts("crops", 4); err != nil {
		return
	}
	for ii := range paddings {
		if crops[ii] < 0 || paddings[ii] < 0 || crops[ii] > paddings[ii] {
			err = errors.Errorf("crops %v must be within paddings %v", crops, paddings)
			return
		}
	}
	return
}

func buildDilatedConvolution(g *graph.Graph, b *Binding, replacement *graph.Node) error {
	block, paddings, crops, err := foldParams(g, b)
	if err != nil {
		return err
	}
	replacement.Inputs = []graph.Output{b.Externals["input"], b.Externals["filter"]}
	attrs := replacement.Attrs
	attrs[graph.AttrStrides] = graph.IntsAttr(1, 1, 1, 1)
	attrs[graph.AttrDilations] = graph.IntsAttr(1, block[0], block[1], 1)
	attrs[graph.AttrPadding] = graph.StringAttr("EXPLICIT")
	attrs[graph.AttrExplicitPaddings] = graph.IntsAttr(0, 0,
		paddings[0]-crops[0], paddings[1]-crops[1], paddings[2]-crops[2], paddings[3]-crops[3], 0, 0)
	attrs[graph.AttrBlockShape] = graph.IntsAttr(block...)
	attrs[graph.AttrPaddings] = graph.IntsAttr(paddings...)
	attrs[graph.AttrCrops] = graph.IntsAttr(crops...)
	return nil
}
