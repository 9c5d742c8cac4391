// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy

/*
#include "kd_registry.h"
*/
import "C"

import (
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/pkg/errors"
)

// SymbolRegistry maps entry names to the addresses of compiled kernels.
//
// It's used to load RelocatableObject artifacts ("system library" mode): their code is linked into the host
// binary, so instead of opening a file the loader exposes the symbols of a registry.
type SymbolRegistry interface {
	// Lookup returns the address of the kernel registered under name.
	Lookup(name string) (unsafe.Pointer, bool)

	// Names returns the registered names, sorted.
	Names() []string
}

// Registry is an explicit, in-memory SymbolRegistry. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	symbols map[string]unsafe.Pointer
}

var _ SymbolRegistry = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{symbols: make(map[string]unsafe.Pointer)}
}

// Register fn, the address of a kernel entry point, under name.
// It fails if the name is not a valid entry name, fn is nil, or the name is already registered.
func (r *Registry) Register(name string, fn unsafe.Pointer) error {
	if err := compiler.ValidateEntryName(name); err != nil {
		return errors.Errorf("Registry.Register(%q): invalid name", name)
	}
	if fn == nil {
		return errors.Errorf("Registry.Register(%q): nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.symbols[name]; found {
		return errors.Errorf("Registry.Register(%q): name already registered", name)
	}
	r.symbols[name] = fn
	return nil
}

// Lookup implements SymbolRegistry.
func (r *Registry) Lookup(name string) (unsafe.Pointer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, found := r.symbols[name]
	return fn, found
}

// Names implements SymbolRegistry.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.symbols))
	for name := range r.symbols {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// systemRegistry is backed by the C table kernels built for a "--system-lib" target register with.
type systemRegistry struct{}

// SystemRegistry returns the process-wide registry of kernels statically linked into the binary.
//
// Relocatable objects produced by package artifact register their entry points in it from a static
// constructor, so they only need to be linked into the final binary with the external linker, e.g.:
//
//	go build -ldflags="-linkmode=external -extldflags=/path/to/kernel.o" ./cmd/kdeploy
func SystemRegistry() SymbolRegistry { return systemRegistry{} }

// Lookup implements SymbolRegistry.
func (systemRegistry) Lookup(name string) (unsafe.Pointer, bool) {
	cName := cString(name)
	defer cFree(cName)
	fn := C.kd_lookup_system_symbol(cName)
	return fn, fn != nil
}

// Names implements SymbolRegistry.
func (systemRegistry) Names() []string {
	n := int(C.kd_num_system_symbols())
	names := make([]string, 0, n)
	for ii := range n {
		cName := C.kd_system_symbol_name(C.int(ii))
		if cName == nil {
			break
		}
		names = append(names, C.GoString(cName))
	}
	slices.Sort(names)
	return names
}

// RegisterSystemSymbol adds fn to the system registry under name, as static constructors of linked kernels do.
// It fails if the name is invalid, fn is nil, or the name is already registered.
func RegisterSystemSymbol(name string, fn unsafe.Pointer) error {
	if err := compiler.ValidateEntryName(name); err != nil {
		return errors.Errorf("RegisterSystemSymbol(%q): invalid name", name)
	}
	if fn == nil {
		return errors.Errorf("RegisterSystemSymbol(%q): nil function", name)
	}
	cName := cString(name)
	defer cFree(cName)
	switch C.kd_register_system_symbol(cName, fn) {
	case C.KD_REGISTRY_OK:
		return nil
	case C.KD_REGISTRY_DUPLICATE:
		return errors.Errorf("RegisterSystemSymbol(%q): name already registered", name)
	case C.KD_REGISTRY_NO_MEMORY:
		return errors.Errorf("RegisterSystemSymbol(%q): out of memory", name)
	}
	return errors.Errorf("RegisterSystemSymbol(%q): invalid symbol", name)
}
