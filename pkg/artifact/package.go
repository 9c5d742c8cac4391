// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifact packages compiled kernels into artifact files, and inspects them.
//
// An artifact is either a DynamicLibrary, loaded at run time with dlopen, or a RelocatableObject, to be
// linked into the host binary where its entry point registers itself with the system symbol table
// (see package deploy).
//
// Artifacts are immutable once written: they are committed to disk durably and atomically, so a
// reader never sees a partially written file.
package artifact

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/gomlx/kerneldeploy/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrIO is returned (wrapped) when an artifact can't be written or read, e.g.: the output directory
// doesn't exist or is not writable.
var ErrIO = errors.New("artifact I/O error")

// Artifact describes a packaged kernel.
type Artifact struct {
	// Kind of the artifact file.
	Kind Kind `toml:"kind"`

	// Path to the artifact file.
	Path string `toml:"path"`

	// EntryName is the name of the exported entry point, fixed at build time.
	EntryName string `toml:"entry_name"`

	// Target is the canonical target string the kernel was compiled for.
	Target string `toml:"target"`

	// Size of the file in bytes.
	Size int64 `toml:"size"`
}

// String implements fmt.Stringer.
func (a *Artifact) String() string {
	return fmt.Sprintf("%s %q (entry %q, target %q)", a.Kind, a.Path, a.EntryName, a.Target)
}

// Linker links compiled kernels into dynamic libraries. It is implemented by every compiler.Compiler.
type Linker interface {
	LinkShared(ctx context.Context, kernel *compiler.Kernel, outputPath string) error
}

// Package writes the compiled kernel as an artifact of the given kind to outputPath.
//
//   - DynamicLibrary: the kernel object is linked by linker into a shared library exporting only the entry point.
//   - RelocatableObject: the kernel object itself. The kernel must have been built for a "--system-lib" target,
//     so it registers its entry point with the host system symbol table when linked in.
//
// Exactly one file is written, and it's only visible at outputPath once complete. The kernel is not modified,
// and it can be packaged again (e.g. into another kind).
//
// It returns a compiler.ErrCompilation if the kernel can't be packaged as the given kind or linking fails,
// and an ErrIO if outputPath can't be written.
func Package(ctx context.Context, linker Linker, kernel *compiler.Kernel, kind Kind, outputPath string) (*Artifact, error) {
	if kernel == nil || kernel.ObjectPath == "" {
		return nil, errors.Wrapf(compiler.ErrCompilation, "artifact.Package(%q): no compiled kernel given", outputPath)
	}
	if err := compiler.ValidateEntryName(kernel.EntryName); err != nil {
		return nil, err
	}
	if err := checkOutputDir(outputPath); err != nil {
		return nil, err
	}

	start := time.Now()
	switch kind {
	case DynamicLibrary:
		if linker == nil {
			return nil, errors.Wrapf(compiler.ErrCompilation, "artifact.Package(%q): a linker is required for %s", outputPath, kind)
		}
		if err := packageDynamicLibrary(ctx, linker, kernel, outputPath); err != nil {
			return nil, err
		}
	case RelocatableObject:
		if !kernel.Target.SystemLib {
			return nil, errors.Wrapf(compiler.ErrCompilation,
				"artifact.Package(%q): kernel %q was built for target %q, a --system-lib target is required for %s",
				outputPath, kernel.EntryName, kernel.Target, kind)
		}
		if err := fsutil.CopyFileAtomic(kernel.ObjectPath, outputPath, 0o644); err != nil {
			return nil, errors.Wrapf(ErrIO, "artifact.Package(%q): %v", outputPath, err)
		}
	default:
		return nil, errors.Errorf("artifact.Package(%q): invalid artifact kind %s", outputPath, kind)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "artifact.Package(%q): %v", outputPath, err)
	}
	a := &Artifact{
		Kind:      kind,
		Path:      outputPath,
		EntryName: kernel.EntryName,
		Target:    kernel.Target.String(),
		Size:      stat.Size(),
	}
	klog.V(1).Infof("artifact: packaged %s in %s", a, time.Since(start))
	return a, nil
}

func checkOutputDir(outputPath string) error {
	dir := filepath.Dir(outputPath)
	stat, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(ErrIO, "output directory for %q: %v", outputPath, err)
	}
	if !stat.IsDir() {
		return errors.Wrapf(ErrIO, "output directory for %q: %q is not a directory", outputPath, dir)
	}
	if stat, err := os.Stat(outputPath); err == nil && stat.IsDir() {
		return errors.Wrapf(ErrIO, "output path %q is a directory", outputPath)
	}
	return nil
}

// packageDynamicLibrary links into a scratch directory and then commits the library to outputPath.
func packageDynamicLibrary(ctx context.Context, linker Linker, kernel *compiler.Kernel, outputPath string) error {
	scratch, err := os.MkdirTemp("", "kerneldeploy_link_")
	if err != nil {
		return errors.Wrapf(ErrIO, "artifact.Package(%q): failed to create scratch directory: %v", outputPath, err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			klog.Warningf("artifact: failed to remove %q: %v", scratch, err)
		}
	}()
	linked := filepath.Join(scratch, filepath.Base(outputPath))
	if err := linker.LinkShared(ctx, kernel, linked); err != nil {
		return err
	}
	if err := fsutil.CopyFileAtomic(linked, outputPath, 0o755); err != nil {
		return errors.Wrapf(ErrIO, "artifact.Package(%q): %v", outputPath, err)
	}
	return nil
}
