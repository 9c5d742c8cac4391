// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package compiler defines the interface to the external compiler that lowers a Computation to machine code.
//
// The compiler itself is an opaque collaborator: it takes a Computation, a Target and the name of the entry point,
// and returns a compiled Kernel handle, which package artifact then packages into a dynamic library or a
// relocatable object.
//
// Implementations register themselves with Register (see package compiler/cc, registered as "cc"), and are
// selected with New or NewWithConfig, in the same way GoMLX selects backends.
package compiler

import (
	"context"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrCompilation is returned (wrapped) whenever the compiler rejects a computation, a target or an entry name,
// or the underlying toolchain fails.
var ErrCompilation = errors.New("compilation error")

// Compiler is the API an external compiler needs to implement.
type Compiler interface {
	// Name returns the short name of the compiler. E.g.: "cc" for the host C toolchain.
	Name() string

	// Build compiles the computation for the target, exposing it under entryName.
	// The computation is not modified.
	Build(ctx context.Context, computation Computation, target Target, entryName string) (*Kernel, error)

	// LinkShared links a compiled kernel into a dynamic library written to outputPath.
	LinkShared(ctx context.Context, kernel *Kernel, outputPath string) error

	// Finalize releases all the associated resources (temporary files), and makes the compiler invalid.
	Finalize()
}

// Kernel is the handle to a compiled computation, returned by Compiler.Build.
//
// The object file is owned by the kernel: call Finalize to remove it once the kernel is packaged.
type Kernel struct {
	// EntryName is the symbol under which the kernel is exported. Fixed at build time.
	EntryName string

	// Target the kernel was compiled for.
	Target Target

	// Signature of the entry point: the shapes of the inputs followed by the shape of the output.
	Signature []shapes.Shape

	// ObjectPath is the relocatable object produced by the compiler.
	ObjectPath string

	// Compiler that built the kernel, used for linking.
	Compiler string

	cleanup func()
}

// NewKernel is used by Compiler implementations to create a Kernel handle.
// cleanup, if not nil, is called by Kernel.Finalize.
func NewKernel(entryName string, target Target, signature []shapes.Shape, objectPath, compilerName string, cleanup func()) *Kernel {
	return &Kernel{
		EntryName:  entryName,
		Target:     target,
		Signature:  slices.Clone(signature),
		ObjectPath: objectPath,
		Compiler:   compilerName,
		cleanup:    cleanup,
	}
}

// Inputs returns the shapes of the input arguments.
func (k *Kernel) Inputs() []shapes.Shape {
	if len(k.Signature) == 0 {
		return nil
	}
	return k.Signature[:len(k.Signature)-1]
}

// Output returns the shape of the output argument.
func (k *Kernel) Output() shapes.Shape {
	if len(k.Signature) == 0 {
		return shapes.Invalid()
	}
	return k.Signature[len(k.Signature)-1]
}

// Finalize releases the files owned by the kernel. It's safe to call more than once.
func (k *Kernel) Finalize() {
	if k == nil || k.cleanup == nil {
		return
	}
	k.cleanup()
	k.cleanup = nil
}

var entryNameRegexp = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidateEntryName returns an ErrCompilation if name can't be used as an entry point: it must be a C identifier
// not starting with "_", which is reserved for the toolchain.
func ValidateEntryName(name string) error {
	if !entryNameRegexp.MatchString(name) {
		return errors.Wrapf(ErrCompilation, "invalid entry point name %q: it must be a C identifier starting with a letter", name)
	}
	return nil
}

// Constructor takes a config string (optionally empty) and returns a Compiler.
type Constructor func(config string) (Compiler, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register compiler with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the compiler constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered compilers, sorted.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default compiler configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// KERNELDEPLOY_COMPILER is the environment variable with the default compiler configuration to use.
//
// The format of config is "<compiler_name>:<compiler_configuration>".
// The "<compiler_name>" is the name of a registered compiler (e.g.: "cc") and
// "<compiler_configuration>" is compiler specific (e.g.: for "cc" it is the C compiler binary, like "clang").
const KERNELDEPLOY_COMPILER = "KERNELDEPLOY_COMPILER" //nolint:revive // Environment variable names are upper case.

// New returns a new default Compiler.
//
// The default is:
//
// 1. The environment KERNELDEPLOY_COMPILER is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered compiler is used with an empty configuration.
func New() (Compiler, error) {
	config, found := os.LookupEnv(KERNELDEPLOY_COMPILER)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configurations string formated as "<compiler_name>:<compiler_configuration>".
// If "<compiler_name>" is omitted, the first registered compiler is used.
func NewWithConfig(config string) (Compiler, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.Wrapf(ErrCompilation, `no registered compilers -- maybe import the default one with import _ "github.com/gomlx/kerneldeploy/pkg/compiler/cc"?`)
	}
	compilerName := firstRegistered
	compilerConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		compilerName = config[:idx]
		compilerConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		compilerName = config
		compilerConfig = ""
	}
	constructor, found := registeredConstructors[compilerName]
	if !found {
		return nil, errors.Wrapf(ErrCompilation, "can't find compiler %q for configuration %q given, registered compilers: %v",
			compilerName, config, Registered())
	}
	klog.V(1).Infof("compiler: using %q with configuration %q", compilerName, compilerConfig)
	return constructor(compilerConfig)
}
