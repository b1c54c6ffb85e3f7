// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

// OpKind is an enum of the operator kinds known to the remapper: the primitive operators that
// take part in a fusion pattern, the fused operators produced by the rewrites and the native-layout
// variants produced by the layout pass.
//
// Operators outside this closed set are still valid graph nodes: they parse to OpUnknown and the node
// keeps its raw operator name (see Node.Type).
type OpKind int

const (
	OpUnknown OpKind = iota
	OpPlaceholder
	OpConst
	OpIdentity

	OpMatMul
	OpBiasAdd
	OpAdd
	OpAddV2
	OpAddN
	OpMul
	OpMaximum
	OpConv2D
	OpDepthwiseConv2dNative
	OpConv3D
	OpFusedBatchNorm
	OpFusedBatchNormV3
	OpSoftmax
	OpRandomUniform
	OpGreaterEqual
	OpCast
	OpSpaceToBatchND
	OpBatchToSpaceND

	// Activations.

	OpElu
	OpLeakyRelu
	OpRelu
	OpRelu6
	OpSigmoid
	OpTanh
	OpGelu

	// Fused operators, produced by the remapper.

	OpFusedMatMul
	OpFusedConv2D
	OpFusedDepthwiseConv2dNative
	OpFusedConv3D
	OpFusedRandom

	// Native layout operators, produced by the layout pass.

	OpNativeMatMul
	OpNativeConv2D
	OpNativeDepthwiseConv2dNative
	OpNativeFusedBatchNorm
	OpNativeFusedBatchNormV3
	OpNativeFusedMatMul
	OpNativeGelu
	OpNativeSoftmax
	OpNativeRandomUniform
	OpNativeElu
	OpNativeLeakyRelu

	// OpLast should always be kept the last, it is used as a counter/marker for OpKind.
	OpLast
)

// opKindNames are the operator names as they appear in the host framework graphs.
var opKindNames = [OpLast]string{
	OpUnknown:               "Unknown",
	OpPlaceholder:           "Placeholder",
	OpConst:                 "Const",
	OpIdentity:              "Identity",
	OpMatMul:                "MatMul",
	OpBiasAdd:               "BiasAdd",
	OpAdd:                   "Add",
	OpAddV2:                 "AddV2",
	OpAddN:                  "AddN",
	OpMul:                   "Mul",
	OpMaximum:               "Maximum",
	OpConv2D:                "Conv2D",
	OpDepthwiseConv2dNative: "DepthwiseConv2dNative",
	OpConv3D:                "Conv3D",
	OpFusedBatchNorm:        "FusedBatchNorm",
	OpFusedBatchNormV3:      "FusedBatchNormV3",
	OpSoftmax:               "Softmax",
	OpRandomUniform:         "RandomUniform",
	OpGreaterEqual:          "GreaterEqual",
	OpCast:                  "Cast",
	OpSpaceToBatchND:        "SpaceToBatchND",
	OpBatchToSpaceND:        "BatchToSpaceND",

	OpElu:       "Elu",
	OpLeakyRelu: "LeakyRelu",
	OpRelu:      "Relu",
	OpRelu6:     "Relu6",
	OpSigmoid:   "Sigmoid",
	OpTanh:      "Tanh",
	OpGelu:      "Gelu",

	OpFusedMatMul:                "_FusedMatMul",
	OpFusedConv2D:                "_FusedConv2D",
	OpFusedDepthwiseConv2dNative: "_FusedDepthwiseConv2dNative",
	OpFusedConv3D:                "_FusedConv3D",
	OpFusedRandom:                "_ITEXFusedRandom",

	OpNativeMatMul:                "_ITEXMatMul",
	OpNativeConv2D:                "_ITEXConv2D",
	OpNativeDepthwiseConv2dNative: "_ITEXDepthwiseConv2dNative",
	OpNativeFusedBatchNorm:        "_ITEXFusedBatchNorm",
	OpNativeFusedBatchNormV3:      "_ITEXFusedBatchNormV3",
	OpNativeFusedMatMul:           "_ITEXFusedMatMul",
	OpNativeGelu:                  "ITEXGelu",
	OpNativeSoftmax:               "_ITEXSoftmax",
	OpNativeRandomUniform:         "_ITEXRandomUniform",
	OpNativeElu:                   "_ITEXElu",
	OpNativeLeakyRelu:             "_ITEXLeakyRelu",
}

var opKindByName = func() map[string]OpKind {
	m := make(map[string]OpKind, len(opKindNames))
	for kind, name := range opKindNames {
		if OpKind(kind) == OpUnknown {
			continue
		}
		m[name] = OpKind(kind)
	}
	return m
}()

// String returns the operator name, as used by the host framework.
func (k OpKind) String() string {
	if k < 0 || k >= OpLast {
		return "Unknown"
	}
	return opKindNames[k]
}

// OpKindString parses an operator name. Names outside the closed set return OpUnknown and false.
func OpKindString(name string) (OpKind, bool) {
	kind, found := opKindByName[name]
	return kind, found
}

// OpKinds returns all known operator kinds, excluding OpUnknown.
func OpKinds() []OpKind {
	kinds := make([]OpKind, 0, int(OpLast)-1)
	for k := OpUnknown + 1; k < OpLast; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// IsFused returns whether the kind is one of the fused operators created by the remapper.
func (k OpKind) IsFused() bool {
	switch k {
	case OpFusedMatMul, OpFusedConv2D, OpFusedDepthwiseConv2dNative, OpFusedConv3D, OpFusedRandom, OpNativeFusedMatMul:
		return true
	}
	return false
}

// IsActivation returns whether the kind is an element-wise activation that can be fused as a post-op.
func (k OpKind) IsActivation() bool {
	switch k {
	case OpElu, OpLeakyRelu, OpRelu, OpRelu6, OpSigmoid, OpTanh, OpGelu:
		return true
	}
	return false
}
