// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package remapper

import (
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/gomlx/remapper/pkg/fusion/catalog"
	"github.com/gomlx/remapper/pkg/fusion/policy"
	"github.com/gomlx/remapper/pkg/support/sets"
)

// ITEX_REMAPPER is the environment variable that enables (default) or disables the fusions.
// It accepts the values understood by strconv.ParseBool ("0", "1", "false", "true", ...).
const ITEX_REMAPPER = "ITEX_REMAPPER"

// ITEX_LAYOUT_OPT is the environment variable that enables (default) or disables the native layout rewrite.
const ITEX_LAYOUT_OPT = "ITEX_LAYOUT_OPT"

// Config of a remapper Pass.
type Config struct {
	// Enabled turns the fusions on. If both Enabled and LayoutEnabled are false the pass is the identity.
	Enabled bool

	// LayoutEnabled turns on the rewrite of operators to their device native versions, after the fusions.
	LayoutEnabled bool

	// Level is the highest level of patterns used.
	Level catalog.Level

	// Device the graphs are optimized for.
	Device policy.DeviceKind

	// Preserve lists node names that must survive the pass: they may be replaced by a fused node of the same
	// name, but never removed.
	Preserve sets.Set[string]
}

// DefaultConfig enables fusions at the advanced level and the layout rewrite, for a CPU.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		LayoutEnabled: true,
		Level:         catalog.LevelAdvanced,
		Device:        policy.CPU,
	}
}

// ConfigFromEnv returns DefaultConfig, with Enabled and LayoutEnabled overridden by the environment variables
// ITEX_REMAPPER and ITEX_LAYOUT_OPT, if set.
//
// The environment is only read here: the pass itself never reads it.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	for _, v := range []struct {
		name  string
		field *bool
	}{
		{ITEX_REMAPPER, &cfg.Enabled},
		{ITEX_LAYOUT_OPT, &cfg.LayoutEnabled},
	} {
		value, found := os.LookupEnv(v.name)
		if !found || value == "" {
			continue
		}
		enabled, err := strconv.ParseBool(value)
		if err != nil {
			return cfg, errors.Wrapf(err, "invalid value %q for $%s", value, v.name)
		}
		*v.field = enabled
	}
	return cfg, nil
}
