// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// remapper optimizes graphs stored as YAML files: it fuses patterns of primitive operators into fused
// operators and rewrites operators to their device native versions.
//
// Usage:
//
//	remapper -device=gpu -out=/tmp/optimized graph1.yaml graph2.yaml ...
//
// Without -out it only reports what would be fused. The defaults of -remapper and -layout are taken from
// $ITEX_REMAPPER and $ITEX_LAYOUT_OPT.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/remapper/pkg/fusion/catalog"
	"github.com/gomlx/remapper/pkg/fusion/policy"
	"github.com/gomlx/remapper/pkg/fusion/remapper"
	"github.com/gomlx/remapper/pkg/support/sets"
	"github.com/gomlx/remapper/pkg/support/xslices"
)

var (
	flagDevice   = flag.String("device", "cpu", "Device to optimize for: cpu, gpu or xpu.")
	flagRemapper = flag.Bool("remapper", true, "Enable the fusions. If not given, $"+remapper.ITEX_REMAPPER+" is used.")
	flagLayout   = flag.Bool("layout", true, "Enable the rewrite to native operators. If not given, $"+
		remapper.ITEX_LAYOUT_OPT+" is used.")
	flagLevel = flag.String("level", catalog.LevelAdvanced.String(), "Highest level of fusion patterns: basic or advanced.")
	flagHost  = flag.Bool("host", false, "Use the capabilities of this host for the CPU fusions (float16 support), "+
		"instead of the portable defaults.")
	flagOut = flag.String("out", "", "Directory where to write the optimized graphs, with the same file names. "+
		"If empty nothing is written.")
	flagVerify = flag.Bool("verify", false, "Evaluate the original and the optimized graphs on random inputs, "+
		"and report an error if they differ.")
	flagSeed        = flag.Uint64("seed", 42, "Seed for the random inputs of -verify.")
	flagParallelism = flag.Int("parallelism", 0, "Number of graphs optimized in parallel. "+
		"If 0 the number of cores is used, if negative it is unlimited.")
	flagPlain = flag.Bool("plain", false, "Plain output: no colors and no progress bar.")

	flagPreserve = xslices.Flag(nil, "preserve", nil,
		"Comma-separated list of node names that must not be removed by the fusions.",
		func(name string) (string, error) {
			if name == "" {
				return "", errors.New("empty node name in -preserve")
			}
			return name, nil
		})
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing graph files to optimize. See 'remapper -help'")
		os.Exit(1)
	}
	if *flagPlain || termenv.EnvNoColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	pass := remapper.New(must.M1(configFromFlags()), catalog.Default(), devicePolicy())
	opts := options{
		outDir:       *flagOut,
		verify:       *flagVerify,
		seed:         *flagSeed,
		parallelism:  *flagParallelism,
		showProgress: !*flagPlain && len(args) > 1,
	}
	results := optimizeFiles(pass, args, opts)
	fmt.Println(renderReport(pass.Config(), results))
	for _, r := range results {
		if r.err != nil {
			os.Exit(1)
		}
	}
}

// configFromFlags starts from the environment configuration and overrides it with the flags explicitly set.
func configFromFlags() (remapper.Config, error) {
	cfg, err := remapper.ConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	isSet := sets.Make[string]()
	flag.Visit(func(f *flag.Flag) { isSet.Insert(f.Name) })
	if isSet.Has("remapper") {
		cfg.Enabled = *flagRemapper
	}
	if isSet.Has("layout") {
		cfg.LayoutEnabled = *flagLayout
	}
	if cfg.Device, err = policy.ParseDeviceKind(*flagDevice); err != nil {
		return cfg, err
	}
	if cfg.Level, err = catalog.ParseLevel(*flagLevel); err != nil {
		return cfg, err
	}
	if len(*flagPreserve) > 0 {
		cfg.Preserve = sets.MakeWith(*flagPreserve...)
	}
	klog.V(1).Infof("remapper configuration: enabled=%v, layout=%v, level=%s, device=%s, preserve=[%s]",
		cfg.Enabled, cfg.LayoutEnabled, cfg.Level, cfg.Device, strings.Join(sets.Sorted(cfg.Preserve), ","))
	return cfg, nil
}

func devicePolicy() policy.Policy {
	if *flagHost {
		return policy.ForHost()
	}
	return policy.Default()
}
