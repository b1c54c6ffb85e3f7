// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Attribute names used by the remapper.
const (
	// AttrFusedOps lists, in order, the primitive operations folded into a fused node after its contraction.
	AttrFusedOps = "fused_ops"

	// AttrSkipFusion marks a node that must not take part in any further fusion.
	AttrSkipFusion = "_skip_fusion"

	AttrT                = "T"
	AttrNumArgs          = "num_args"
	AttrDataFormat       = "data_format"
	AttrPadding          = "padding"
	AttrStrides          = "strides"
	AttrDilations        = "dilations"
	AttrExplicitPaddings = "explicit_paddings"
	AttrEpsilon          = "epsilon"
	AttrAlpha            = "alpha"
	AttrIsTraining       = "is_training"
	AttrApproximate      = "approximate"
	AttrTransposeA       = "transpose_a"
	AttrTransposeB       = "transpose_b"
	AttrSeed             = "seed"
	AttrSeed2            = "seed2"
	AttrDstT             = "DstT"
	AttrDType            = "dtype"
	AttrBlockShape       = "block_shape"
	AttrPaddings         = "paddings"
	AttrCrops            = "crops"
)

// AttrKind is the type of value held by an AttrValue.
type AttrKind int

const (
	AttrInvalid AttrKind = iota
	AttrString
	AttrStrings
	AttrBool
	AttrInt
	AttrFloat
	AttrInts
	AttrShape
)

// String returns the name of the attribute kind.
func (k AttrKind) String() string {
	switch k {
	case AttrString:
		return "string"
	case AttrStrings:
		return "strings"
	case AttrBool:
		return "bool"
	case AttrInt:
		return "int"
	case AttrFloat:
		return "float"
	case AttrInts:
		return "ints"
	case AttrShape:
		return "shape"
	default:
		return "invalid"
	}
}

// AttrValue is a typed attribute value. Create it with one of StringAttr, StringsAttr, BoolAttr, IntAttr,
// FloatAttr, IntsAttr or ShapeAttr.
//
// AttrValue is immutable: the list values are copied on creation and on access.
type AttrValue struct {
	kind AttrKind
	s    string
	list []string
	b    bool
	i    int64
	f    float64
	ints []int64
}

func StringAttr(v string) AttrValue { return AttrValue{kind: AttrString, s: v} }

func StringsAttr(v ...string) AttrValue {
	return AttrValue{kind: AttrStrings, list: slices.Clone(v)}
}

func BoolAttr(v bool) AttrValue { return AttrValue{kind: AttrBool, b: v} }

func IntAttr(v int64) AttrValue { return AttrValue{kind: AttrInt, i: v} }

func FloatAttr(v float64) AttrValue { return AttrValue{kind: AttrFloat, f: v} }

func IntsAttr(v ...int64) AttrValue {
	return AttrValue{kind: AttrInts, ints: slices.Clone(v)}
}

// ShapeAttr holds the dimensions of a tensor. A scalar is a shape with no dimensions.
func ShapeAttr(dims ...int) AttrValue {
	ints := make([]int64, len(dims))
	for i, d := range dims {
		ints[i] = int64(d)
	}
	return AttrValue{kind: AttrShape, ints: ints}
}

// Kind of the value.
func (v AttrValue) Kind() AttrKind { return v.kind }

// Str returns the string value, or "" if it is not an AttrString.
func (v AttrValue) Str() string { return v.s }

// Strings returns a copy of the string list value.
func (v AttrValue) Strings() []string { return slices.Clone(v.list) }

// Bool returns the bool value.
func (v AttrValue) Bool() bool { return v.b }

// Int returns the int value.
func (v AttrValue) Int() int64 { return v.i }

// Float returns the float value. Int values are converted.
func (v AttrValue) Float() float64 {
	if v.kind == AttrInt {
		return float64(v.i)
	}
	return v.f
}

// Ints returns a copy of the int list (or shape) value.
func (v AttrValue) Ints() []int64 { return slices.Clone(v.ints) }

// Dims returns the shape value as []int.
func (v AttrValue) Dims() []int {
	dims := make([]int, len(v.ints))
	for i, d := range v.ints {
		dims[i] = int(d)
	}
	return dims
}

// Equal returns whether both values have the same kind and content.
func (v AttrValue) Equal(other AttrValue) bool {
	return v.kind == other.kind && v.s == other.s && v.b == other.b && v.i == other.i && v.f == other.f &&
		slices.Equal(v.list, other.list) && slices.Equal(v.ints, other.ints)
}

// String implements fmt.Stringer.
func (v AttrValue) String() string {
	switch v.kind {
	case AttrString:
		return strconv.Quote(v.s)
	case AttrStrings:
		quoted := make([]string, len(v.list))
		for i, s := range v.list {
			quoted[i] = strconv.Quote(s)
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	case AttrBool:
		return strconv.FormatBool(v.b)
	case AttrInt:
		return strconv.FormatInt(v.i, 10)
	case AttrFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case AttrInts:
		return fmt.Sprint(v.ints)
	case AttrShape:
		return "shape" + fmt.Sprint(v.ints)
	}
	return "<invalid>"
}

// Attributes of a node, keyed by attribute name.
type Attributes map[string]AttrValue

// Clone returns a copy of the attributes map. Values are immutable, so they are shared.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return make(Attributes)
	}
	return maps.Clone(a)
}

// Has returns whether the attribute is set.
func (a Attributes) Has(key string) bool {
	_, found := a[key]
	return found
}

// GetString returns the string attribute, and whether it was set with that kind.
func (a Attributes) GetString(key string) (string, bool) {
	v, found := a[key]
	if !found || v.kind != AttrString {
		return "", false
	}
	return v.s, true
}

// StringOr returns the string attribute or the default value.
func (a Attributes) StringOr(key, defaultValue string) string {
	if s, ok := a.GetString(key); ok {
		return s
	}
	return defaultValue
}

// GetStrings returns the string list attribute, and whether it was set with that kind.
func (a Attributes) GetStrings(key string) ([]string, bool) {
	v, found := a[key]
	if !found || v.kind != AttrStrings {
		return nil, false
	}
	return v.Strings(), true
}

// GetBool returns the bool attribute, and whether it was set with that kind.
func (a Attributes) GetBool(key string) (bool, bool) {
	v, found := a[key]
	if !found || v.kind != AttrBool {
		return false, false
	}
	return v.b, true
}

// BoolOr returns the bool attribute or the default value.
func (a Attributes) BoolOr(key string, defaultValue bool) bool {
	if b, ok := a.GetBool(key); ok {
		return b
	}
	return defaultValue
}

// GetFloat returns a float (or int) attribute, and whether it was set.
func (a Attributes) GetFloat(key string) (float64, bool) {
	v, found := a[key]
	if !found || (v.kind != AttrFloat && v.kind != AttrInt) {
		return 0, false
	}
	return v.Float(), true
}

// FloatOr returns the float attribute or the default value.
func (a Attributes) FloatOr(key string, defaultValue float64) float64 {
	if f, ok := a.GetFloat(key); ok {
		return f
	}
	return defaultValue
}

// GetInt returns an int attribute, and whether it was set with that kind.
func (a Attributes) GetInt(key string) (int64, bool) {
	v, found := a[key]
	if !found || v.kind != AttrInt {
		return 0, false
	}
	return v.i, true
}

// GetInts returns an int list (or shape) attribute, and whether it was set.
func (a Attributes) GetInts(key string) ([]int64, bool) {
	v, found := a[key]
	if !found || (v.kind != AttrInts && v.kind != AttrShape) {
		return nil, false
	}
	return v.Ints(), true
}

// IntsOr returns the int list attribute or the default value.
func (a Attributes) IntsOr(key string, defaultValue ...int64) []int64 {
	if ints, ok := a.GetInts(key); ok {
		return ints
	}
	return defaultValue
}

// Keys returns the sorted attribute names.
func (a Attributes) Keys() []string {
	return slices.Sorted(maps.Keys(a))
}
