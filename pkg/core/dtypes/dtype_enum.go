// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import "strconv"

// DType is an enum that represents the data type (precision) attached to a node of the graph.
//
// The numeric values are kept aligned with the ones used by XLA/PJRT, so a DType can be passed
// along to a kernel-dispatch collaborator without conversion.
type DType int32

const (
	// InvalidDType is the zero value: a node whose precision is not known.
	InvalidDType DType = 0

	// Bool are two-state booleans, the output of comparisons.
	Bool DType = 1

	// Int8 is a signed integral value of 8 bits.
	Int8 DType = 2

	// Int16 is a signed integral value of 16 bits.
	Int16 DType = 3

	// Int32 is a signed integral value of 32 bits.
	Int32 DType = 4

	// Int64 is a signed integral value of 64 bits.
	Int64 DType = 5

	// Uint8 is an unsigned integral value of 8 bits.
	Uint8 DType = 6

	// Float16 is the IEEE 754 half-precision floating point.
	Float16 DType = 10

	// Float32 is the IEEE 754 single-precision floating point.
	Float32 DType = 11

	// Float64 is the IEEE 754 double-precision floating point.
	Float64 DType = 12

	// BFloat16 is the truncated 16 bit floating-point format: 1 bit for the sign, 8 bits for the exponent
	// and 7 bits for the mantissa. Same range as Float32 with much lower precision.
	BFloat16 DType = 13
)

// Aliases, matching the short names used by XLA.
const (
	INVALID = InvalidDType
	PRED    = Bool
	S8      = Int8
	S16     = Int16
	S32     = Int32
	S64     = Int64
	U8      = Uint8
	F16     = Float16
	F32     = Float32
	F64     = Float64
	BF16    = BFloat16
)

// MapOfNames maps names (and aliases) to the corresponding DType.
// Lower-case versions of every name are added during initialization.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"INVALID":      InvalidDType,
	"Bool":         Bool,
	"PRED":         Bool,
	"Int8":         Int8,
	"S8":           Int8,
	"Int16":        Int16,
	"S16":          Int16,
	"Int32":        Int32,
	"S32":          Int32,
	"Int64":        Int64,
	"S64":          Int64,
	"Uint8":        Uint8,
	"U8":           Uint8,
	"Float16":      Float16,
	"F16":          Float16,
	"Half":         Float16,
	"Float32":      Float32,
	"F32":          Float32,
	"Float":        Float32,
	"Float64":      Float64,
	"F64":          Float64,
	"Double":       Float64,
	"BFloat16":     BFloat16,
	"BF16":         BFloat16,
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}
