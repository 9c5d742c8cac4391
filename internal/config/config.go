// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the TOML configuration of the kpack tool: where to write artifacts and which kernels
// to package.
//
// Example:
//
//	out_dir = "./kernels"
//	target = "llvm -mcpu=native"
//	parallel = 4
//
//	[[kernel]]
//	name = "matmul_add"
//	n = 64
//	l = 64
//	m = 64
//	dtype = "float32"
//	kinds = ["DynamicLibrary", "RelocatableObject"]
package config

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/pkg/errors"
)

// Config of a packaging run.
type Config struct {
	// OutDir where artifacts (and their manifest) are written.
	OutDir string `toml:"out_dir"`

	// Target for the kernels, see compiler.ParseTarget. Relocatable objects are built with "--system-lib" added.
	Target string `toml:"target"`

	// Compiler configuration, see compiler.NewWithConfig. Empty for the default.
	Compiler string `toml:"compiler"`

	// Publish is the URL of the artifact store to publish to (see package store). Empty to not publish.
	Publish string `toml:"publish"`

	// Parallel is the maximum number of kernels packaged at the same time.
	Parallel int `toml:"parallel"`

	Kernels []KernelConfig `toml:"kernel"`
}

// KernelConfig describes one MatMulAdd kernel to package.
type KernelConfig struct {
	// Name is the base name of the artifact files, and of the entry points:
	// "<name>_dyn" for the dynamic library and "<name>_sys" for the relocatable object.
	Name string `toml:"name"`

	N int `toml:"n"`
	L int `toml:"l"`
	M int `toml:"m"`

	DType string `toml:"dtype"`

	// Kinds of artifacts to write. Defaults to both.
	Kinds []artifact.Kind `toml:"kinds"`

	// Target overrides Config.Target for this kernel.
	Target string `toml:"target"`
}

// Default returns the configuration used for values not set.
func Default() Config {
	return Config{
		OutDir:   ".",
		Target:   "llvm",
		Parallel: runtime.NumCPU(),
	}
}

// Load the configuration file at path, on top of Default, and validate it.
// Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrapf(err, "config parse failed (%s)", path)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("config %s: unknown keys %q", path, undecoded)
	}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

// ApplyDefaults fills in the kernel values not set: dtype float32, both kinds of artifacts and the
// configuration's target.
func ApplyDefaults(cfg *Config) {
	for i := range cfg.Kernels {
		cfg.Kernels[i].applyDefaults(*cfg)
	}
}

func (k *KernelConfig) applyDefaults(cfg Config) {
	if k.DType == "" {
		k.DType = "float32"
	}
	if len(k.Kinds) == 0 {
		k.Kinds = artifact.KindValues()
	}
	if k.Target == "" {
		k.Target = cfg.Target
	}
}

// Validate the configuration.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.OutDir) == "" {
		return errors.New("out_dir is required")
	}
	if _, err := compiler.ParseTarget(cfg.Target); err != nil {
		return errors.WithMessagef(err, "invalid target")
	}
	if cfg.Parallel < 1 {
		return errors.Errorf("parallel must be at least 1, got %d", cfg.Parallel)
	}
	if len(cfg.Kernels) == 0 {
		return errors.New("no kernels configured")
	}
	var names []string
	for i, k := range cfg.Kernels {
		if err := ValidateKernel(k); err != nil {
			return errors.WithMessagef(err, "kernel[%d] invalid", i)
		}
		if slices.Contains(names, k.Name) {
			return errors.Errorf("kernel[%d]: name %q used more than once", i, k.Name)
		}
		names = append(names, k.Name)
	}
	return nil
}

// ValidateKernel checks a single kernel configuration.
func ValidateKernel(k KernelConfig) error {
	if err := compiler.ValidateEntryName(k.Name); err != nil {
		return errors.Errorf("name %q must be a C identifier starting with a letter", k.Name)
	}
	if k.N <= 0 || k.L <= 0 || k.M <= 0 {
		return errors.Errorf("dimensions must be positive, got n=%d, l=%d, m=%d", k.N, k.L, k.M)
	}
	if _, err := ParseDType(k.DType); err != nil {
		return err
	}
	for _, kind := range k.Kinds {
		if !kind.IsAKind() {
			return errors.Errorf("invalid kind %s", kind)
		}
	}
	if _, err := compiler.ParseTarget(k.Target); err != nil {
		return errors.WithMessagef(err, "invalid target")
	}
	return nil
}

// EntryName returns the entry point name of the kernel for the given kind of artifact.
func (k KernelConfig) EntryName(kind artifact.Kind) string {
	if kind == artifact.RelocatableObject {
		return k.Name + "_sys"
	}
	return k.Name + "_dyn"
}

// String implements fmt.Stringer.
func (k KernelConfig) String() string {
	return fmt.Sprintf("%s[n=%d, l=%d, m=%d, %s]", k.Name, k.N, k.L, k.M, k.DType)
}

var dtypeNames = map[string]dtypes.DType{
	"float16": dtypes.Float16,
	"f16":     dtypes.Float16,
	"float32": dtypes.Float32,
	"f32":     dtypes.Float32,
	"float64": dtypes.Float64,
	"f64":     dtypes.Float64,
	"int32":   dtypes.Int32,
	"i32":     dtypes.Int32,
	"int64":   dtypes.Int64,
	"i64":     dtypes.Int64,
}

// ParseDType parses a dtype name, e.g. "float32" or "f32", case-insensitive.
func ParseDType(name string) (dtypes.DType, error) {
	dtype, found := dtypeNames[strings.ToLower(strings.TrimSpace(name))]
	if !found {
		return dtypes.InvalidDType, errors.Errorf("unknown dtype %q, valid values are float16, float32, float64, int32 and int64", name)
	}
	return dtype, nil
}
