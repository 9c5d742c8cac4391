// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// kpack compiles MatMulAdd kernels (`out = A·B + C`) and packages each of them as a dynamic library
// ("<name>.so", entry point "<name>_dyn") and as a relocatable object ("<name>.o", entry point "<name>_sys"),
// along with a manifest.toml describing the artifacts.
//
// Kernels are given either by the flags (one kernel) or by a TOML configuration file, see package
// internal/config.
//
// Example:
//
//	kpack -out_dir=/tmp/kernels -name=matmul_add -n=64 -l=64 -m=64 -dtype=float32
//	kpack -config=kernels.toml -publish=gs://my-bucket/kernels
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/kerneldeploy/internal/cli"
	"github.com/gomlx/kerneldeploy/internal/config"
	"github.com/gomlx/kerneldeploy/pkg/compiler"
	_ "github.com/gomlx/kerneldeploy/pkg/compiler/cc"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagConfig   = flag.String("config", "", "TOML file with the kernels to package. If set, the kernel flags are ignored.")
	flagOutDir   = flag.String("out_dir", ".", "Directory where to write the artifacts. It must exist.")
	flagName     = flag.String("name", "matmul_add", "Base name of the artifacts and of their entry points.")
	flagN        = flag.Int("n", 64, "Number of rows of A, C and the output.")
	flagL        = flag.Int("l", 64, "Number of columns of A and rows of B.")
	flagM        = flag.Int("m", 64, "Number of columns of B, C and the output.")
	flagDType    = flag.String("dtype", "float32", "DType of the kernel: float32, float64, int32 or int64.")
	flagTarget   = flag.String("target", "llvm", "Compilation target, e.g. \"llvm -mcpu=native -mattr=+avx2\".")
	flagCompiler = flag.String("compiler", "", "Compiler configuration, e.g. \"cc:clang\". Defaults to $"+compiler.KERNELDEPLOY_COMPILER+".")
	flagParallel = flag.Int("parallel", runtime.NumCPU(), "Maximum number of kernels packaged at the same time.")
	flagPublish  = flag.String("publish", "", "If set, publish the artifacts to this store URL (file:// or gs://).")
	flagQuiet    = flag.Bool("quiet", false, "Don't display progress or the summary table.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx); err != nil {
		klog.Errorf("kpack failed: %+v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.OutDir = must.M1(filepath.Abs(cfg.OutDir))
	klog.V(1).Infof("kpack configuration: out_dir=%q, target=%q, %d kernel(s)", cfg.OutDir, cfg.Target, len(cfg.Kernels))

	var opts packOptions
	if !*flagQuiet {
		bar := cli.NewProgressBar(numArtifacts(cfg), "Packaging", "artifacts")
		opts.onArtifact = func() { _ = bar.Add(1) }
	}
	results, err := pack(ctx, cfg, opts)
	if err != nil {
		return err
	}
	if !*flagQuiet {
		printSummary(cfg, results)
	}
	return nil
}

// loadConfig from the -config file, or from the kernel flags.
func loadConfig() (config.Config, error) {
	if *flagConfig != "" {
		cfg, err := config.Load(*flagConfig)
		if err != nil {
			return cfg, err
		}
		// Flags explicitly set take precedence over the file.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "out_dir":
				cfg.OutDir = *flagOutDir
			case "compiler":
				cfg.Compiler = *flagCompiler
			case "parallel":
				cfg.Parallel = *flagParallel
			case "publish":
				cfg.Publish = *flagPublish
			}
		})
		return cfg, config.Validate(cfg)
	}
	cfg := config.Default()
	cfg.OutDir = *flagOutDir
	cfg.Target = *flagTarget
	cfg.Compiler = *flagCompiler
	cfg.Parallel = *flagParallel
	cfg.Publish = *flagPublish
	cfg.Kernels = []config.KernelConfig{{
		Name:   *flagName,
		N:      *flagN,
		L:      *flagL,
		M:      *flagM,
		DType:  *flagDType,
		Target: *flagTarget,
	}}
	config.ApplyDefaults(&cfg)
	return cfg, config.Validate(cfg)
}

func numArtifacts(cfg config.Config) int {
	var n int
	for _, k := range cfg.Kernels {
		n += len(k.Kinds)
	}
	return n
}

func printSummary(cfg config.Config, results []*packResult) {
	table := cli.NewTable([]string{"Kernel", "Kind", "Entry", "Target", "Size", "Location"},
		lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Left)
	var total int64
	for _, r := range results {
		location := r.Artifact.Path
		if r.URL != "" {
			location = r.URL
		}
		table.Row(false, r.Kernel.Name, r.Artifact.Kind.String(), r.Artifact.EntryName, r.Artifact.Target,
			humanize.Bytes(uint64(r.Artifact.Size)), location)
		total += r.Artifact.Size
	}
	fmt.Println(cli.TitleStyle.Render(fmt.Sprintf("Artifacts in %s", cfg.OutDir)))
	fmt.Println(table.Render())
	fmt.Printf("%s artifacts, %s total.\n", humanize.Comma(int64(len(results))), humanize.Bytes(uint64(total)))
	if cfg.Publish != "" {
		fmt.Printf("Published to %s\n", strings.TrimSuffix(cfg.Publish, "/"))
	}
}
