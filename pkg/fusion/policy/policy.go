// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package policy decides which fusion patterns are legal for a given device and dtype.
//
// The matcher consults a Policy after a pattern is fully bound: a refusal is not an error, the candidate is
// simply dropped and the next pattern is tried.
package policy

import (
	"path"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/core/dtypes"
	"github.com/gomlx/remapper/pkg/support/sets"
)

// DeviceKind is the kind of device a graph is optimized for.
type DeviceKind int

const (
	CPU DeviceKind = iota
	GPU
	XPU
)

// String implements fmt.Stringer.
func (d DeviceKind) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	case XPU:
		return "XPU"
	}
	return "DeviceKind(?)"
}

// IsAccelerator returns true for GPU and XPU.
func (d DeviceKind) IsAccelerator() bool {
	return d == GPU || d == XPU
}

// ParseDeviceKind parses a device kind name, case-insensitive.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToUpper(s) {
	case "CPU":
		return CPU, nil
	case "GPU":
		return GPU, nil
	case "XPU":
		return XPU, nil
	}
	return CPU, errors.Errorf("unknown device kind %q, valid values are CPU, GPU or XPU", s)
}

// Policy answers whether a pattern may be fused for a dtype on a device.
type Policy interface {
	IsAllowed(patternID string, dtype dtypes.DType, device DeviceKind) bool
}

// AllowAll is a Policy that accepts everything.
type AllowAll struct{}

// IsAllowed implements Policy.
func (AllowAll) IsAllowed(string, dtypes.DType, DeviceKind) bool { return true }

// Capabilities of a device kind.
type Capabilities struct {
	// DTypes for which fused kernels exist.
	DTypes sets.Set[dtypes.DType]
}

// Table is a table-driven Policy.
//
// A pattern is allowed if the device supports the dtype, the pattern ID matches none of the globs denied for
// the dtype and none of the Never globs. Globs use path.Match syntax, e.g. "*+GeluExact".
type Table struct {
	Devices map[DeviceKind]Capabilities
	Denied  map[dtypes.DType][]string
	Never   []string
}

var _ Policy = (*Table)(nil)

// IsAllowed implements Policy.
func (t *Table) IsAllowed(patternID string, dtype dtypes.DType, device DeviceKind) bool {
	capabilities, found := t.Devices[device]
	if !found || !capabilities.DTypes.Has(dtype) {
		return false
	}
	return !matchAny(t.Never, patternID) && !matchAny(t.Denied[dtype], patternID)
}

func matchAny(globs []string, patternID string) bool {
	return slices.ContainsFunc(globs, func(glob string) bool {
		matched, err := path.Match(glob, patternID)
		return err == nil && matched
	})
}

// Deny adds globs of pattern IDs denied for the dtype.
func (t *Table) Deny(dtype dtypes.DType, globs ...string) *Table {
	if t.Denied == nil {
		t.Denied = make(map[dtypes.DType][]string)
	}
	t.Denied[dtype] = append(t.Denied[dtype], globs...)
	return t
}

// Validate checks that every glob is well-formed.
func (t *Table) Validate() error {
	check := func(glob string) error {
		if _, err := path.Match(glob, ""); err != nil {
			return errors.Wrapf(err, "invalid pattern glob %q", glob)
		}
		return nil
	}
	for _, glob := range t.Never {
		if err := check(glob); err != nil {
			return err
		}
	}
	for _, globs := range t.Denied {
		for _, glob := range globs {
			if err := check(glob); err != nil {
				return err
			}
		}
	}
	return nil
}

// Default returns the policy of a CPU without half-precision support, with GPU and XPU accelerators:
//
//   - float16 fusions require an accelerator;
//   - bfloat16 has no fused exact (Erf based) Gelu;
//   - float32 and bfloat16 are fused on every device.
func Default() *Table {
	return newTable(false)
}

func newTable(cpuFloat16 bool) *Table {
	accelerator := Capabilities{DTypes: sets.MakeWith(dtypes.Float32, dtypes.BFloat16, dtypes.Float16)}
	cpu := Capabilities{DTypes: sets.MakeWith(dtypes.Float32, dtypes.BFloat16)}
	if cpuFloat16 {
		cpu.DTypes.Insert(dtypes.Float16)
	}
	t := &Table{
		Devices: map[DeviceKind]Capabilities{
			CPU: cpu,
			GPU: accelerator,
			XPU: accelerator,
		},
	}
	return t.Deny(dtypes.BFloat16, "*GeluExact")
}
