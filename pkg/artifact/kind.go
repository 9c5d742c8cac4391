// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Kind of artifact file. It determines how the deploy loader treats it.
type Kind int

const (
	// DynamicLibrary is a shared library (".so", ".dylib") loaded at run time with dlopen.
	DynamicLibrary Kind = iota

	// RelocatableObject is an object file (".o") meant to be statically linked into the host binary,
	// where it registers its entry point with the system symbol table.
	RelocatableObject
)

//go:generate go tool enumer -type Kind -text -output=gen_kind_enumer.go kind.go

// Extension returns the conventional file extension for the kind on the host OS, including the dot.
func (k Kind) Extension(goos string) string {
	switch k {
	case DynamicLibrary:
		if goos == "darwin" {
			return ".dylib"
		}
		return ".so"
	case RelocatableObject:
		return ".o"
	}
	return ""
}

// KindFromPath infers the kind of artifact from the file extension.
func KindFromPath(path string) (Kind, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".so", ".dylib":
		return DynamicLibrary, nil
	case ".o":
		return RelocatableObject, nil
	}
	return 0, errors.Errorf("can't infer the kind of artifact of %q from its extension, valid kinds are %q",
		path, KindStrings())
}
