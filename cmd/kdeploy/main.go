// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kdeploy loads a packaged MatMulAdd kernel, invokes it on generated inputs and verifies the output
// against a reference implementation. Optionally it profiles the kernel.
//
// The artifact given by -lib can be a local path or the URL of a published artifact (gs://, file://,
// http:// or https://), downloaded first into -cache_dir.
//
// Relocatable objects (".o") can only be loaded if they were linked into the kdeploy binary itself. The object
// must reach the final link only, not every cgo package, so pass it to the external linker:
//
//	go build -ldflags="-linkmode=external -extldflags=/tmp/kernels/matmul_add.o" ./cmd/kdeploy
//
// With -profile, the kernel is also timed, and -counters adds hardware performance counters (Linux perf events)
// collected around the timed calls. Counters the host doesn't support are reported as such.
//
// It exits with a non-zero status if loading, invoking or verifying the kernel fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kerneldeploy/internal/cli"
	"github.com/gomlx/kerneldeploy/internal/config"
	"github.com/gomlx/kerneldeploy/pkg/verify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagLib      = flag.String("lib", "", "Path or URL of the kernel artifact to load. Required.")
	flagKind     = flag.String("kind", "", "Kind of the artifact: DynamicLibrary or RelocatableObject. Defaults to the one given by its extension.")
	flagFunc     = flag.String("func", "", "Entry point to invoke. Defaults to the only function of the module.")
	flagN        = flag.Int("n", 64, "Number of rows of A, C and the output.")
	flagL        = flag.Int("l", 64, "Number of columns of A and rows of B.")
	flagM        = flag.Int("m", 64, "Number of columns of B, C and the output.")
	flagDType    = flag.String("dtype", "float32", "DType the kernel was compiled for.")
	flagRTol     = flag.Float64("rtol", verify.DefaultTolerance.Relative, "Relative tolerance of the verification.")
	flagATol     = flag.Float64("atol", verify.DefaultTolerance.Absolute, "Absolute tolerance of the verification.")
	flagFill     = flag.String("fill", verify.FillRandom, "How to fill the inputs: \"random\" or \"iota\".")
	flagSeed     = flag.Uint64("seed", 42, "Seed for the random inputs.")
	flagProfile  = flag.Int("profile", 0, "If > 0, number of calls to time after the verification.")
	flagWarmup   = flag.Int("warmup", 1, "Number of untimed calls before profiling.")
	flagCounters = flag.String("counters", "", "Comma-separated hardware counters collected while profiling (CYCLES, "+
		"STALLED-CYCLES-FRONTEND, STALLED-CYCLES-BACKEND, INSTRUCTIONS, CACHE-MISSES), or \"all\". Linux only.")
	flagCacheDir = flag.String("cache_dir", "~/.cache/kerneldeploy", "Directory where artifacts given by URL are downloaded.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx); err != nil {
		klog.Errorf("kdeploy failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	if *flagLib == "" {
		flag.Usage()
	}
	opts, err := optionsFromFlags()
	if err != nil {
		return err
	}
	if opts.Profile > 0 {
		bar := cli.NewProgressBar(opts.Profile, "Profiling "+opts.Func, "calls")
		opts.onProfileCall = func() { _ = bar.Add(1) }
	}
	r, err := runDeploy(ctx, opts)
	if r != nil {
		printResult(r)
	}
	return err
}

func optionsFromFlags() (deployOptions, error) {
	opts := deployOptions{
		Lib:       *flagLib,
		Kind:      *flagKind,
		Func:      *flagFunc,
		N:         *flagN,
		L:         *flagL,
		M:         *flagM,
		Tolerance: verify.Tolerance{Relative: *flagRTol, Absolute: *flagATol},
		Fill:      *flagFill,
		Seed:      *flagSeed,
		Profile:   *flagProfile,
		Warmup:    *flagWarmup,
		CacheDir:  *flagCacheDir,
	}
	var err error
	opts.DType, err = config.ParseDType(*flagDType)
	if err != nil {
		return opts, err
	}
	opts.Counters, err = verify.ParseCounters(*flagCounters)
	if err != nil {
		return opts, err
	}
	if len(opts.Counters) > 0 && opts.Profile <= 0 {
		return opts, errors.New("-counters requires -profile > 0")
	}
	return opts, nil
}

func printResult(r *deployResult) {
	result := r.Result
	table := cli.NewTable(nil, lipgloss.Left, lipgloss.Right)
	table.Row(false, "Module", r.Path)
	table.Row(false, "Kind", r.Kind.String())
	table.Row(false, "Function", r.EntryName)
	table.Row(false, "Output", result.Shape.String())
	table.Row(false, "Tolerance", result.Tolerance.String())
	table.Row(false, "Max abs deviation", fmt.Sprintf("%g", result.MaxAbsDeviation))
	table.Row(false, "Max relative deviation", fmt.Sprintf("%g", result.MaxRelativeDeviation))
	table.Row(result.NumMismatches > 0, "Mismatches",
		fmt.Sprintf("%s of %s", humanize.Comma(int64(result.NumMismatches)), humanize.Comma(int64(result.NumElements))))
	status := "PASSED"
	if !result.Passed {
		status = "FAILED"
	}
	table.Row(!result.Passed, "Verification", status)
	fmt.Println(cli.TitleStyle.Render("Kernel verification"))
	fmt.Println(table.Render())
	if r.Profile != nil {
		fmt.Println(r.Profile)
	}
}
