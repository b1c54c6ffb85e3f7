// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"math"
	"testing"

	"github.com/gomlx/remapper/pkg/core/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOfNames(t *testing.T) {
	for name, want := range map[string]DType{
		"Float16":  Float16,
		"float16":  Float16,
		"half":     Float16,
		"F16":      Float16,
		"BFloat16": BFloat16,
		"bfloat16": BFloat16,
		"float32":  Float32,
		"float":    Float32,
		"int64":    Int64,
	} {
		got, err := FromName(name)
		require.NoError(t, err, "name=%q", name)
		assert.Equal(t, want, got, "name=%q", name)
	}
	_, err := FromName("float8")
	require.Error(t, err)
}

func TestTolerance(t *testing.T) {
	assert.Equal(t, 1e-5, Float32.Tolerance())
	assert.Equal(t, 1e-5, Float64.Tolerance())
	assert.Equal(t, 1e-2, Float16.Tolerance())
	assert.Equal(t, 1e-2, BFloat16.Tolerance())
	assert.True(t, BFloat16.IsReducedPrecision())
	assert.False(t, Float32.IsReducedPrecision())
}

func TestRound(t *testing.T) {
	assert.Equal(t, 1.0, Float16.Round(1.0))
	assert.InDelta(t, 0.1, Float16.Round(0.1), 1e-4)
	assert.NotEqual(t, 0.1, Float16.Round(0.1))
	assert.InDelta(t, 0.1, BFloat16.Round(0.1), 1e-3)
	assert.Equal(t, float64(float32(0.1)), Float32.Round(0.1))
	assert.Equal(t, 3.0, Int32.Round(2.6))
	assert.Equal(t, 1.0, Bool.Round(-2))
	assert.True(t, math.IsInf(BFloat16.Round(math.Inf(1)), 1))
}

func TestBFloat16Rounding(t *testing.T) {
	// 1 + 2^-8 is exactly half-way between two bfloat16 values: ties go to the even one (1.0).
	assert.Equal(t, float32(1), bfloat16.RoundFromFloat32(1+1.0/256).Float32())
	// Slightly above the tie it rounds up, where truncation would go down.
	x := float32(1 + 1.0/256 + 1.0/1024)
	assert.Equal(t, float32(1+1.0/128), bfloat16.RoundFromFloat32(x).Float32())
	assert.Equal(t, float32(1), bfloat16.FromFloat32(x).Float32())
}
