// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package deploy loads kernel artifacts and invokes their entry points through a generic, name-addressed
// calling interface.
//
// A DynamicLibrary artifact is opened with dlopen and exposes the functions it exports. A RelocatableObject
// is statically linked into the host binary instead, so loading it exposes the entry points registered in a
// SymbolRegistry (by default the SystemRegistry).
//
// Example:
//
//	module, err := deploy.Load("test_dll.so", artifact.DynamicLibrary)
//	if err != nil { ... }
//	defer module.Finalize()
//	err = deploy.Invoke(module, "matmul_add_dyn", []*tensor.Buffer{a, b, c}, out)
package deploy

import (
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Loader creates Modules from artifacts.
type Loader struct {
	registry SymbolRegistry
}

// NewLoader returns a Loader that resolves RelocatableObject artifacts with the given registry.
// The registry may be nil, in which case only DynamicLibrary artifacts can be loaded.
func NewLoader(registry SymbolRegistry) *Loader {
	return &Loader{registry: registry}
}

// Load the artifact at path, of the given kind, using the SystemRegistry for relocatable objects.
func Load(path string, kind artifact.Kind) (*Module, error) {
	return NewLoader(SystemRegistry()).Load(path, kind)
}

// Load the artifact at path, treating it as the given kind. There is no fallback between kinds: a relocatable
// object loaded as a DynamicLibrary fails.
//
// A RelocatableObject Module exposes the registered entry points defined by the object at path, or, if the
// file is absent, by its entry in the manifest of the same directory (see artifact.ReadManifest).
//
// Errors are wrapped ErrLoad. Either a complete Module is returned or nothing was acquired.
func (l *Loader) Load(path string, kind artifact.Kind) (*Module, error) {
	switch kind {
	case artifact.DynamicLibrary:
		return l.loadDynamicLibrary(path)
	case artifact.RelocatableObject:
		return l.loadSystemLibrary(path)
	}
	return nil, errors.Wrapf(ErrLoad, "%q: invalid artifact kind %s", path, kind)
}

func (l *Loader) loadDynamicLibrary(path string) (*Module, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrLoad, "%s %q: %v", artifact.DynamicLibrary, path, err)
	}
	info, err := artifact.Inspect(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "%s %q: %v", artifact.DynamicLibrary, path, err)
	}
	if info.Kind != artifact.DynamicLibrary {
		return nil, errors.Wrapf(ErrLoad, "%q is a %s, not a %s", path, info.Kind, artifact.DynamicLibrary)
	}
	if info.Machine != runtime.GOARCH {
		return nil, errors.Wrapf(ErrLoad, "%q was built for %s, this host is %s", path, info.Machine, runtime.GOARCH)
	}
	handle, err := dlopen(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "dlopen(%q): %v", path, err)
	}
	m := newModule(artifact.DynamicLibrary, path, info.Exported)
	m.lib = handle
	runtime.AddCleanup(m, func(h *libHandle) {
		if err := h.close(); err != nil {
			klog.Warningf("deploy: closing garbage collected module: %v", err)
		}
	}, handle)
	klog.V(1).Infof("deploy: loaded %s", m)
	return m, nil
}

func (l *Loader) loadSystemLibrary(path string) (*Module, error) {
	kind := artifact.RelocatableObject
	if l.registry == nil {
		return nil, errors.Wrapf(ErrLoad, "%s %q: no symbol registry given", kind, path)
	}
	entries, err := systemLibraryEntries(path)
	if err != nil {
		return nil, errors.Wrapf(ErrLoad, "%s %q: %v", kind, path, err)
	}
	var names []string
	for _, name := range l.registry.Names() {
		if slices.Contains(entries, name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, errors.Wrapf(ErrLoad, "%s %q: none of its entry points %q is registered, is the object linked into the binary?",
			kind, path, entries)
	}
	m := newModule(kind, path, names)
	m.registry = l.registry
	klog.V(1).Infof("deploy: loaded %s", m)
	return m, nil
}

// systemLibraryEntries returns the entry points defined by the relocatable object at path. The object itself
// is only inspected, never opened for execution. If the file is not available (e.g. it was only shipped to the
// machine that built the host binary), the entry points are taken from the manifest in its directory.
func systemLibraryEntries(path string) ([]string, error) {
	if _, err := os.Stat(path); err == nil {
		info, err := artifact.Inspect(path)
		if err != nil {
			return nil, err
		}
		if info.Kind != artifact.RelocatableObject {
			return nil, errors.Errorf("it is a %s", info.Kind)
		}
		if info.Machine != runtime.GOARCH {
			return nil, errors.Errorf("built for %s, this host is %s", info.Machine, runtime.GOARCH)
		}
		if len(info.Exported) == 0 {
			return nil, errors.New("it defines no entry points")
		}
		return info.Exported, nil
	}
	manifest, err := artifact.ReadManifest(filepath.Dir(path))
	if err != nil {
		return nil, errors.Errorf("file not found and no manifest describes it")
	}
	var entries []string
	for _, a := range manifest.Artifacts {
		if a.Kind == artifact.RelocatableObject && filepath.Clean(a.Path) == filepath.Clean(path) {
			entries = append(entries, a.EntryName)
		}
	}
	if len(entries) == 0 {
		return nil, errors.Errorf("file not found and not listed in %s", artifact.ManifestFile)
	}
	return entries, nil
}
