// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graphtest

import (
	"fmt"
	"math"
	"slices"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"

	"github.com/gomlx/remapper/pkg/core/dtypes"
)

// Tensor is a dense row-major tensor of float64 values, rounded to the precision of the node that produced it.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NewTensor creates a zero-filled tensor with the given shape.
func NewTensor(dims ...int) Tensor {
	return Tensor{Shape: slices.Clone(dims), Data: make([]float64, product(dims))}
}

// FromValues creates a tensor with the given shape and values.
func FromValues(dims []int, values ...float64) (Tensor, error) {
	if product(dims) != len(values) {
		return Tensor{}, errors.Errorf("shape %v requires %d values, got %d", dims, product(dims), len(values))
	}
	return Tensor{Shape: slices.Clone(dims), Data: slices.Clone(values)}, nil
}

// Rank of the tensor.
func (t Tensor) Rank() int { return len(t.Shape) }

// Size is the number of elements.
func (t Tensor) Size() int { return len(t.Data) }

// String implements fmt.Stringer.
func (t Tensor) String() string {
	if len(t.Data) > 16 {
		return fmt.Sprintf("Tensor%v%v...", t.Shape, t.Data[:16])
	}
	return fmt.Sprintf("Tensor%v%v", t.Shape, t.Data)
}

// Round rounds all values to the precision of dtype, in place, and returns t.
func (t Tensor) Round(dtype dtypes.DType) Tensor {
	for ii, v := range t.Data {
		t.Data[ii] = dtype.Round(v)
	}
	return t
}

// Map returns a new tensor with fn applied to each element.
func (t Tensor) Map(fn func(float64) float64) Tensor {
	result := NewTensor(t.Shape...)
	for ii, v := range t.Data {
		result.Data[ii] = fn(v)
	}
	return result
}

func product[T constraints.Integer](dims []T) T {
	var size T = 1
	for _, dim := range dims {
		size *= dim
	}
	return size
}

func clamp[T constraints.Float | constraints.Integer](v, lo, hi T) T {
	return max(lo, min(v, hi))
}

// stridesFor returns the row-major strides of a shape.
func stridesFor(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// broadcastShapes returns the shape resulting from broadcasting a and b, numpy style.
func broadcastShapes(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	result := make([]int, rank)
	for axis := range rank {
		dimA, dimB := 1, 1
		if idx := axis - (rank - len(a)); idx >= 0 {
			dimA = a[idx]
		}
		if idx := axis - (rank - len(b)); idx >= 0 {
			dimB = b[idx]
		}
		switch {
		case dimA == dimB || dimB == 1:
			result[axis] = dimA
		case dimA == 1:
			result[axis] = dimB
		default:
			return nil, errors.Errorf("shapes %v and %v are not broadcast compatible", a, b)
		}
	}
	return result, nil
}

// broadcastIndex maps a flat index of the broadcast shape into the flat index of an operand.
func broadcastIndex(outIdx int, outShape, outStrides, shape, strides []int) int {
	offset := len(outShape) - len(shape)
	idx := 0
	for axis, dim := range shape {
		coord := (outIdx / outStrides[axis+offset]) % outShape[axis+offset]
		if dim == 1 {
			continue
		}
		idx += coord * strides[axis]
	}
	return idx
}

// binaryOp applies fn element-wise with broadcasting.
func binaryOp(a, b Tensor, fn func(x, y float64) float64) (Tensor, error) {
	shape, err := broadcastShapes(a.Shape, b.Shape)
	if err != nil {
		return Tensor{}, err
	}
	result := NewTensor(shape...)
	outStrides := stridesFor(shape)
	stridesA, stridesB := stridesFor(a.Shape), stridesFor(b.Shape)
	for ii := range result.Data {
		x := a.Data[broadcastIndex(ii, shape, outStrides, a.Shape, stridesA)]
		y := b.Data[broadcastIndex(ii, shape, outStrides, b.Shape, stridesB)]
		result.Data[ii] = fn(x, y)
	}
	return result, nil
}

// channelOp applies fn(x, values[c]) where c is the index of each element along the channel axis.
func channelOp(x Tensor, values []float64, channelAxis int, fn func(x, v float64) float64) (Tensor, error) {
	if channelAxis < 0 || channelAxis >= x.Rank() {
		return Tensor{}, errors.Errorf("channel axis %d out of range for shape %v", channelAxis, x.Shape)
	}
	if x.Shape[channelAxis] != len(values) {
		return Tensor{}, errors.Errorf("channel dimension %d of shape %v doesn't match %d values",
			channelAxis, x.Shape, len(values))
	}
	stride := stridesFor(x.Shape)[channelAxis]
	result := NewTensor(x.Shape...)
	for ii, v := range x.Data {
		c := (ii / stride) % len(values)
		result.Data[ii] = fn(v, values[c])
	}
	return result, nil
}

// AllClose checks that got is within tolerance of want: |got-want| <= tolerance * (1 + |want|) for every element.
// Two NaNs are considered equal.
func AllClose(want, got Tensor, tolerance float64) error {
	if !slices.Equal(want.Shape, got.Shape) {
		return errors.Errorf("shapes differ: want %v, got %v", want.Shape, got.Shape)
	}
	for ii, w := range want.Data {
		g := got.Data[ii]
		if math.IsNaN(w) || math.IsNaN(g) {
			if math.IsNaN(w) && math.IsNaN(g) {
				continue
			}
			return errors.Errorf("element #%d: want %g, got %g", ii, w, g)
		}
		if math.IsInf(w, 0) && w == g {
			continue
		}
		if math.Abs(g-w) > tolerance+tolerance*math.Abs(w) {
			return errors.Errorf("element #%d: want %g, got %g (tolerance %g)", ii, w, g, tolerance)
		}
	}
	return nil
}
