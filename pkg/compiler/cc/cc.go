// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cc implements a compiler.Compiler that lowers computations to C and compiles them with the host
// C toolchain ("cc", "gcc", "clang", ...).
//
// It registers itself as "cc": import it for its side effect, and select it with compiler.New:
//
//	import _ "github.com/gomlx/kerneldeploy/pkg/compiler/cc"
//
// The configuration string is the C compiler command, e.g. "cc:clang" or "cc:ccache gcc". If empty, the
// environment variable CC is used, and "cc" if that is not set either.
package cc

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the compiler in the compiler registry.
const Name = "cc"

func init() {
	compiler.Register(Name, func(config string) (compiler.Compiler, error) {
		c, err := New(config)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Compiler drives the host C toolchain. It is safe for concurrent use.
type Compiler struct {
	command []string
	workDir string
	goarch  string

	mu        sync.Mutex
	finalized bool
}

var _ compiler.Compiler = (*Compiler)(nil)

// baseFlags are used for every kernel: position independent so the object can go into a shared library,
// and only the entry points (marked with default visibility) exported.
var baseFlags = []string{"-std=c11", "-O3", "-fPIC", "-fvisibility=hidden"}

// New returns a Compiler using the given C compiler command.
// It returns an ErrCompilation if the command can't be found.
func New(command string) (*Compiler, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		command = os.Getenv("CC")
	}
	if command == "" {
		command = "cc"
	}
	fields := strings.Fields(command)
	if _, err := exec.LookPath(fields[0]); err != nil {
		return nil, errors.Wrapf(compiler.ErrCompilation, "C compiler %q not found: %v", fields[0], err)
	}
	workDir, err := os.MkdirTemp("", "kerneldeploy_cc_")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create work directory for the C compiler")
	}
	return &Compiler{
		command: fields,
		workDir: workDir,
		goarch:  runtime.GOARCH,
	}, nil
}

// Name implements compiler.Compiler.
func (c *Compiler) Name() string { return Name }

// Command returns the C compiler command used.
func (c *Compiler) Command() string { return strings.Join(c.command, " ") }

// Build implements compiler.Compiler.
func (c *Compiler) Build(ctx context.Context, computation compiler.Computation, target compiler.Target, entryName string) (*compiler.Kernel, error) {
	if err := c.checkValid(); err != nil {
		return nil, err
	}
	lowerer, ok := computation.(compiler.CLowerer)
	if !ok {
		return nil, errors.Wrapf(compiler.ErrCompilation, "computation %q (%T) can't be lowered to C", computation.Name(), computation)
	}
	targetFlags, err := target.CFlags(c.goarch)
	if err != nil {
		return nil, err
	}
	source, err := lowerer.LowerC(entryName, target.SystemLib)
	if err != nil {
		return nil, err
	}

	kernelDir, err := os.MkdirTemp(c.workDir, entryName+"_")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create work directory for %q", entryName)
	}
	cleanup := func() {
		if err := os.RemoveAll(kernelDir); err != nil {
			klog.Warningf("cc: failed to remove %q: %v", kernelDir, err)
		}
	}
	sourcePath := filepath.Join(kernelDir, entryName+".c")
	objectPath := filepath.Join(kernelDir, entryName+".o")
	if err := os.WriteFile(sourcePath, []byte(source), 0o644); err != nil {
		cleanup()
		return nil, errors.Wrapf(err, "failed to write generated source for %q", entryName)
	}

	args := append([]string{}, baseFlags...)
	args = append(args, targetFlags...)
	args = append(args, "-c", sourcePath, "-o", objectPath)
	start := time.Now()
	if err := c.run(ctx, args); err != nil {
		cleanup()
		return nil, errors.WithMessagef(err, "compiling %s for target %q as %q", computation.Name(), target, entryName)
	}
	klog.V(1).Infof("cc: compiled %s for target %q as %q in %s", computation.Name(), target, entryName, time.Since(start))
	return compiler.NewKernel(entryName, target, computation.Signature(), objectPath, Name, cleanup), nil
}

// LinkShared implements compiler.Compiler.
func (c *Compiler) LinkShared(ctx context.Context, kernel *compiler.Kernel, outputPath string) error {
	if err := c.checkValid(); err != nil {
		return err
	}
	if kernel == nil || kernel.ObjectPath == "" {
		return errors.Wrapf(compiler.ErrCompilation, "no compiled object to link into %q", outputPath)
	}
	if kernel.Compiler != Name {
		return errors.Wrapf(compiler.ErrCompilation, "kernel %q was built by compiler %q, can't be linked by %q",
			kernel.EntryName, kernel.Compiler, Name)
	}
	sharedFlag := "-shared"
	if runtime.GOOS == "darwin" {
		sharedFlag = "-dynamiclib"
	}
	args := []string{sharedFlag, "-o", outputPath, kernel.ObjectPath}
	if err := c.run(ctx, args); err != nil {
		return errors.WithMessagef(err, "linking %q into %q", kernel.EntryName, outputPath)
	}
	return nil
}

// run the C compiler with the given arguments, returning an ErrCompilation with its output on failure.
func (c *Compiler) run(ctx context.Context, args []string) error {
	fullArgs := append(append([]string{}, c.command[1:]...), args...)
	cmd := exec.CommandContext(ctx, c.command[0], fullArgs...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	klog.V(2).Infof("cc: running %s %s", c.command[0], strings.Join(fullArgs, " "))
	if err := cmd.Run(); err != nil {
		return errors.Wrapf(compiler.ErrCompilation, "%s failed: %v\n%s", c.command[0], err, strings.TrimSpace(output.String()))
	}
	return nil
}

func (c *Compiler) checkValid() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return errors.Wrapf(compiler.ErrCompilation, "compiler %q already finalized", Name)
	}
	return nil
}

// Finalize implements compiler.Compiler. It removes the work directory, including the objects of kernels
// not yet finalized.
func (c *Compiler) Finalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return
	}
	c.finalized = true
	if err := os.RemoveAll(c.workDir); err != nil {
		klog.Warningf("cc: failed to remove work directory %q: %v", c.workDir, err)
	}
}
