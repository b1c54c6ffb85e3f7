// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphtest

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/graph"
)

// Activation names, as used in the fused_ops tags. Gelu is split in its two variants.
const (
	geluApproximate = "GeluApproximate"
	geluExact       = "GeluExact"
)

// activationFn returns the element-wise function of the activation with the given name.
func activationFn(name string, attrs graph.Attributes) (func(float64) float64, error) {
	switch name {
	case "Relu":
		return func(x float64) float64 { return max(x, 0) }, nil
	case "Relu6":
		return func(x float64) float64 { return clamp(x, 0, 6) }, nil
	case "Elu":
		return func(x float64) float64 {
			if x > 0 {
				return x
			}
			return math.Expm1(x)
		}, nil
	case "LeakyRelu":
		alpha := attrs.FloatOr(graph.AttrAlpha, 0.2)
		return func(x float64) float64 {
			if x > 0 {
				return x
			}
			return alpha * x
		}, nil
	case "Sigmoid":
		return func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }, nil
	case "Tanh":
		return math.Tanh, nil
	case geluApproximate:
		return func(x float64) float64 {
			return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
		}, nil
	case geluExact:
		return func(x float64) float64 { return 0.5 * x * (1 + math.Erf(x/math.Sqrt2)) }, nil
	}
	return nil, errors.Errorf("unknown activation %q", name)
}

// geluTag returns the activation name of a Gelu node, according to its "approximate" attribute.
func geluTag(attrs graph.Attributes) string {
	if attrs.BoolOr(graph.AttrApproximate, false) {
		return geluApproximate
	}
	return geluExact
}

func matMul(a, b Tensor, transposeA, transposeB bool) (Tensor, error) {
	if a.Rank() != 2 || b.Rank() != 2 {
		return Tensor{}, errors.Errorf("MatMul requires rank-2 operands, got %v and %v", a.Shape, b.Shape)
	}
	rows, inner := a.Shape[0], a.Shape[1]
	if transposeA {
		rows, inner = inner, rows
	}
	innerB, cols := b.Shape[0], b.Shape[1]
	if transposeB {
		innerB, cols = cols, innerB
	}
	if inner != innerB {
		return Tensor{}, errors.Errorf("MatMul contracting dimensions differ: %v x %v (transpose_a=%v, transpose_b=%v)",
			a.Shape, b.Shape, transposeA, transposeB)
	}
	at := func(i, k int) float64 {
		if transposeA {
			return a.Data[k*a.Shape[1]+i]
		}
		return a.Data[i*a.Shape[1]+k]
	}
	bt := func(k, j int) float64 {
		if transposeB {
			return b.Data[j*b.Shape[1]+k]
		}
		return b.Data[k*b.Shape[1]+j]
	}
	result := NewTensor(rows, cols)
	for i := range rows {
		for j := range cols {
			var sum float64
			for k := range inner {
				sum += at(i, k) * bt(k, j)
			}
			result.Data[i*cols+j] = sum
		}
	}
	return result, nil
}

// channelAxis returns the channel axis for the given data format: 1 for "NCHW", the last axis otherwise.
func channelAxis(attrs graph.Attributes, rank int) int {
	if attrs.StringOr(graph.AttrDataFormat, "NHWC") == "NCHW" && rank > 2 {
		return 1
	}
	return rank - 1
}

// batchNormInference normalizes x with the given moving statistics.
func batchNormInference(x, scale, offset, mean, variance Tensor, epsilon float64, axis int) (Tensor, error) {
	n := x.Shape[axis]
	for _, param := range []Tensor{scale, offset, mean, variance} {
		if param.Size() != n {
			return Tensor{}, errors.Errorf("FusedBatchNorm parameter of shape %v doesn't match %d channels", param.Shape, n)
		}
	}
	multiplier := make([]float64, n)
	shift := make([]float64, n)
	for c := range n {
		multiplier[c] = scale.Data[c] / math.Sqrt(variance.Data[c]+epsilon)
		shift[c] = offset.Data[c] - mean.Data[c]*multiplier[c]
	}
	stride := stridesFor(x.Shape)[axis]
	result := NewTensor(x.Shape...)
	for ii, v := range x.Data {
		c := (ii / stride) % n
		result.Data[ii] = v*multiplier[c] + shift[c]
	}
	return result, nil
}

func softmax(x Tensor) Tensor {
	result := NewTensor(x.Shape...)
	if x.Rank() == 0 {
		result.Data[0] = 1
		return result
	}
	last := x.Shape[x.Rank()-1]
	for start := 0; start < x.Size(); start += last {
		row := x.Data[start : start+last]
		maxValue := math.Inf(-1)
		for _, v := range row {
			maxValue = max(maxValue, v)
		}
		var sum float64
		for ii, v := range row {
			e := math.Exp(v - maxValue)
			result.Data[start+ii] = e
			sum += e
		}
		for ii := range row {
			result.Data[start+ii] /= sum
		}
	}
	return result
}

// randomUniform generates values in [0, 1). The generator is seeded by (seed, seed2), so the same attributes
// always generate the same values.
func randomUniform(shape Tensor, attrs graph.Attributes) Tensor {
	dims := make([]int, shape.Size())
	for ii, v := range shape.Data {
		dims[ii] = int(v)
	}
	seed, _ := attrs.GetInt(graph.AttrSeed)
	seed2, _ := attrs.GetInt(graph.AttrSeed2)
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed2)))
	result := NewTensor(dims...)
	for ii := range result.Data {
		result.Data[ii] = rng.Float64()
	}
	return result
}

func toInts(t Tensor) []int {
	ints := make([]int, t.Size())
	for ii, v := range t.Data {
		ints[ii] = int(v)
	}
	return ints
}

// spaceToBatch implements SpaceToBatchND for NHWC inputs with 2 spatial dimensions.
func spaceToBatch(x Tensor, blockShape, paddings []int) (Tensor, error) {
	if x.Rank() != 4 || len(blockShape) != 2 || len(paddings) != 4 {
		return Tensor{}, errors.Errorf("SpaceToBatchND supports only 4D inputs with 2 spatial dimensions, got shape %v, "+
			"block_shape %v, paddings %v", x.Shape, blockShape, paddings)
	}
	n, h, w, c := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	bh, bw := blockShape[0], blockShape[1]
	hp, wp := h+paddings[0]+paddings[1], w+paddings[2]+paddings[3]
	if bh <= 0 || bw <= 0 || hp%bh != 0 || wp%bw != 0 {
		return Tensor{}, errors.Errorf("SpaceToBatchND: padded spatial dimensions %dx%d not divisible by block %v", hp, wp, blockShape)
	}
	oh, ow := hp/bh, wp/bw
	result := NewTensor(n*bh*bw, oh, ow, c)
	for bi := range bh {
		for bj := range bw {
			for b := range n {
				outBatch := (bi*bw+bj)*n + b
				for i := range oh {
					srcH := i*bh + bi - paddings[0]
					if srcH < 0 || srcH >= h {
						continue
					}
					for j := range ow {
						srcW := j*bw + bj - paddings[2]
						if srcW < 0 || srcW >= w {
							continue
						}
						copy(result.Data[((outBatch*oh+i)*ow+j)*c:((outBatch*oh+i)*ow+j+1)*c],
							x.Data[((b*h+srcH)*w+srcW)*c:((b*h+srcH)*w+srcW+1)*c])
					}
				}
			}
		}
	}
	return result, nil
}

// batchToSpace implements BatchToSpaceND for NHWC inputs with 2 spatial dimensions.
func batchToSpace(x Tensor, blockShape, crops []int) (Tensor, error) {
	if x.Rank() != 4 || len(blockShape) != 2 || len(crops) != 4 {
		return Tensor{}, errors.Errorf("BatchToSpaceND supports only 4D inputs with 2 spatial dimensions, got shape %v, "+
			"block_shape %v, crops %v", x.Shape, blockShape, crops)
	}
	bh, bw := blockShape[0], blockShape[1]
	if bh <= 0 || bw <= 0 || x.Shape[0]%(bh*bw) != 0 {
		return Tensor{}, errors.Errorf("BatchToSpaceND: batch %d not divisible by block %v", x.Shape[0], blockShape)
	}
	n := x.Shape[0] / (bh * bw)
	ih, iw, c := x.Shape[1], x.Shape[2], x.Shape[3]
	oh, ow := ih*bh-crops[0]-crops[1], iw*bw-crops[2]-crops[3]
	if oh <= 0 || ow <= 0 {
		return Tensor{}, errors.Errorf("BatchToSpaceND: crops %v too large for shape %v", crops, x.Shape)
	}
	result := NewTensor(n, oh, ow, c)
	for b := range n {
		for i := range oh {
			fullH := i + crops[0]
			srcH, bi := fullH/bh, fullH%bh
			for j := range ow {
				fullW := j + crops[2]
				srcW, bj := fullW/bw, fullW%bw
				srcBatch := (bi*bw+bj)*n + b
				copy(result.Data[((b*oh+i)*ow+j)*c:((b*oh+i)*ow+j+1)*c],
					x.Data[((srcBatch*ih+srcH)*iw+srcW)*c:((srcBatch*ih+srcH)*iw+srcW+1)*c])
			}
		}
	}
	return result, nil
}
