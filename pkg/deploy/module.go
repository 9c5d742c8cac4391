// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy

import (
	"fmt"
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is a loaded artifact, exposing its entry points by name.
//
// It is safe for concurrent use. Finalize releases it, waiting for in-flight calls.
type Module struct {
	kind     artifact.Kind
	path     string
	names    []string
	lib      *libHandle
	registry SymbolRegistry

	// mu is held for reading by calls, and for writing by Finalize.
	mu        sync.RWMutex
	finalized bool

	functionsMu sync.Mutex
	functions   map[string]*Function
}

func newModule(kind artifact.Kind, path string, names []string) *Module {
	return &Module{
		kind:      kind,
		path:      path,
		names:     slices.Clone(names),
		functions: make(map[string]*Function),
	}
}

// Kind of the loaded artifact.
func (m *Module) Kind() artifact.Kind { return m.kind }

// Path of the loaded artifact.
func (m *Module) Path() string { return m.path }

// String implements fmt.Stringer.
func (m *Module) String() string {
	return fmt.Sprintf("Module(%s %q, entry points %q)", m.kind, m.path, m.names)
}

// Functions returns the names of the entry points exposed by the module, sorted.
func (m *Module) Functions() []string {
	return slices.Clone(m.names)
}

// IsFinalized returns whether the module was released.
func (m *Module) IsFinalized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.finalized
}

// GetFunction resolves the entry point with the given name.
// Resolution is idempotent: the same *Function is returned for the same name.
//
// It returns an ErrSymbolNotFound if the module doesn't expose name, and an ErrLoad if the module was released.
func (m *Module) GetFunction(name string) (*Function, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.finalized {
		return nil, errors.Wrapf(ErrLoad, "GetFunction(%q): module %q already finalized", name, m.path)
	}
	m.functionsMu.Lock()
	defer m.functionsMu.Unlock()
	if fn, found := m.functions[name]; found {
		return fn, nil
	}
	if !slices.Contains(m.names, name) {
		return nil, errors.Wrapf(ErrSymbolNotFound, "%q in %s %q, available: %q", name, m.kind, m.path, m.names)
	}
	var ptr unsafe.Pointer
	switch m.kind {
	case artifact.DynamicLibrary:
		var err error
		ptr, err = m.lib.symbol(name)
		if err != nil {
			return nil, errors.Wrapf(ErrSymbolNotFound, "dlsym(%q) in %q: %v", name, m.path, err)
		}
	default:
		var found bool
		ptr, found = m.registry.Lookup(name)
		if !found || ptr == nil {
			return nil, errors.Wrapf(ErrSymbolNotFound, "%q in the symbol registry", name)
		}
	}
	fn := &Function{module: m, name: name, ptr: ptr}
	m.functions[name] = fn
	return fn, nil
}

// Finalize releases the OS resources of the module, after in-flight calls finish.
// Afterwards, resolution and calls fail. It's safe to call it more than once.
func (m *Module) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.finalized = true
	if m.lib != nil {
		if err := m.lib.close(); err != nil {
			klog.Warningf("deploy: failed to close %q: %v", m.path, err)
		}
	}
	klog.V(2).Infof("deploy: released %s", m)
}
