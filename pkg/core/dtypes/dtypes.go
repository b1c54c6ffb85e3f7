// Package dtypes includes the DType enum for the precisions a graph node can carry.
//
// It is forked from github.com/gomlx/go-xla/pkg/types/dtypes, trimmed to the data types that show up in
// the graphs handled by the remapper, and extended with the precision-dependent helpers used to
// verify fused kernels: Tolerance and Round.
package dtypes

import (
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/gomlx/remapper/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// FromName returns the DType for the given name, which can be any of the names or aliases in MapOfNames
// (case-insensitive for the lower-case versions).
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// Size returns the number of bytes for the given DType, or 0 if unknown.
func (dtype DType) Size() int {
	switch dtype {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Float16, BFloat16:
		return 2
	case Int32, Float32:
		return 4
	case Int64, Float64:
		return 8
	}
	return 0
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// IsFloat returns whether dtype is a supported float -- float types not yet supported will return false.
// It returns false for complex numbers.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16
}

// IsFloat16 returns whether dtype is one of the 16 bits floats: Float16 or BFloat16.
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsReducedPrecision returns whether fused kernels for dtype are only expected to be close to the
// unfused computation within the loose tolerance. Same as IsFloat16 for now.
func (dtype DType) IsReducedPrecision() bool {
	return dtype.IsFloat16()
}

// IsInt returns whether dtype is a supported integer type.
func (dtype DType) IsInt() bool {
	return dtype == Int8 || dtype == Int16 || dtype == Int32 || dtype == Int64 || dtype == Uint8
}

const (
	// FullPrecisionTolerance is the absolute and relative tolerance expected between a fused kernel
	// and the unfused computation for Float32 and Float64.
	FullPrecisionTolerance = 1e-5

	// ReducedPrecisionTolerance is the equivalent of FullPrecisionTolerance for Float16 and BFloat16.
	ReducedPrecisionTolerance = 1e-2
)

// Tolerance returns the absolute and relative tolerance used to compare the results of a fused
// operation against the unfused one, for values of this dtype.
func (dtype DType) Tolerance() float64 {
	if dtype.IsReducedPrecision() {
		return ReducedPrecisionTolerance
	}
	return FullPrecisionTolerance
}

// Round converts value to the precision of dtype and back to float64.
//
// Integer types are rounded to the nearest integer, Bool maps to 0 or 1 and non-finite values are
// returned as is for float types.
func (dtype DType) Round(value float64) float64 {
	switch dtype {
	case Float64, InvalidDType:
		return value
	case Float32:
		return float64(float32(value))
	case Float16:
		return float64(float16.Fromfloat32(float32(value)).Float32())
	case BFloat16:
		return float64(bfloat16.RoundFromFloat32(float32(value)).Float32())
	case Bool:
		if value != 0 {
			return 1
		}
		return 0
	}
	if dtype.IsInt() {
		return math.Round(value)
	}
	return value
}
