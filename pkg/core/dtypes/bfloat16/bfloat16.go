// Package bfloat16 is a trivial implementation for the bfloat16 type,
// based on https://github.com/x448/float16 and the pending issue in
// https://github.com/x448/float16/issues/22
package bfloat16

import (
	"math"
	"strconv"
)

// BFloat16 (brain floating point) floating-point format occupies 16 bits in memory: it is the upper half
// of an IEEE 754 binary32, keeping the range of float32 with only 7 bits of mantissa.
type BFloat16 uint16

// Float32 converts the BFloat16 to a float32, which is exact.
func (f BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(f) << 16)
}

// FromFloat32 converts a float32 to a BFloat16 by truncating the lower 16 bits.
func FromFloat32(x float32) BFloat16 {
	return BFloat16(math.Float32bits(x) >> 16)
}

// RoundFromFloat32 converts a float32 to a BFloat16 rounding to the nearest value, ties to even.
// This is what accelerators do when storing the result of a bfloat16 kernel.
func RoundFromFloat32(x float32) BFloat16 {
	bits := math.Float32bits(x)
	if x != x { // NaN: keep it a quiet NaN.
		return BFloat16(bits>>16 | 0x0040)
	}
	lsb := (bits >> 16) & 1
	bits += 0x7FFF + lsb
	return BFloat16(bits >> 16)
}

// FromFloat64 converts a float64 to a BFloat16, rounding to the nearest value.
func FromFloat64(x float64) BFloat16 {
	return RoundFromFloat32(float32(x))
}

// Bits convert BFloat16 to an uint16.
func (f BFloat16) Bits() uint16 {
	return uint16(f)
}

// String implements fmt.Stringer, and prints a float representation of the BFloat16.
func (f BFloat16) String() string {
	return strconv.FormatFloat(float64(f.Float32()), 'f', -1, 32)
}

// Inf returns a BFloat16 with an infinity value with the specified sign.
// A sign >= 0 returns positive infinity.
// A sign < 0 returns negative infinity.
func Inf(sign int) BFloat16 {
	return FromFloat32(float32(math.Inf(sign)))
}
