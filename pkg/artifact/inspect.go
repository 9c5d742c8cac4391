// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifact

import (
	"debug/elf"
	"debug/macho"
	"encoding/binary"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownFormat is returned (wrapped) by Inspect for files that are neither ELF nor Mach-O.
var ErrUnknownFormat = errors.New("unknown artifact file format")

// Info describes the contents of an artifact file, as read from its headers.
type Info struct {
	// Kind of the file: a shared library or a relocatable object.
	Kind Kind

	// Format of the file: "elf" or "macho".
	Format string

	// Machine the code was built for, named as runtime.GOARCH (e.g. "amd64").
	// "unknown(<code>)" if not recognized.
	Machine string

	// Exported lists the names of the functions defined and exported by the file, sorted.
	// Names starting with "_" (reserved for the toolchain) are omitted.
	Exported []string

	// Size of the file in bytes.
	Size int64
}

// Inspect reads the headers and symbol table of the artifact file at path.
func Inspect(path string) (*Info, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to inspect artifact")
	}
	if stat.IsDir() {
		return nil, errors.Wrapf(ErrUnknownFormat, "%q is a directory", path)
	}
	info, elfErr := inspectELF(path)
	if elfErr == nil {
		info.Size = stat.Size()
		return info, nil
	}
	info, machoErr := inspectMachO(path)
	if machoErr == nil {
		info.Size = stat.Size()
		return info, nil
	}
	return nil, errors.Wrapf(ErrUnknownFormat, "%q: not ELF (%v) nor Mach-O (%v)", path, elfErr, machoErr)
}

var elfMachines = map[elf.Machine]string{
	elf.EM_X86_64:    "amd64",
	elf.EM_386:       "386",
	elf.EM_AARCH64:   "arm64",
	elf.EM_ARM:       "arm",
	elf.EM_RISCV:     "riscv64",
	elf.EM_S390:      "s390x",
	elf.EM_LOONGARCH: "loong64",
}

func inspectELF(path string) (*Info, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info := &Info{Format: "elf"}
	var symbols []elf.Symbol
	switch f.Type {
	case elf.ET_DYN:
		info.Kind = DynamicLibrary
		symbols, err = f.DynamicSymbols()
	case elf.ET_REL:
		info.Kind = RelocatableObject
		symbols, err = f.Symbols()
	default:
		return nil, errors.Errorf("ELF file type %s is neither a shared library nor a relocatable object", f.Type)
	}
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, errors.Wrapf(err, "failed to read ELF symbols")
	}

	info.Machine = elfMachines[f.Machine]
	if f.Machine == elf.EM_PPC64 {
		info.Machine = "ppc64"
		if f.ByteOrder == binary.LittleEndian {
			info.Machine = "ppc64le"
		}
	}
	if info.Machine == "" {
		info.Machine = "unknown(" + f.Machine.String() + ")"
	}

	for _, sym := range symbols {
		if elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF {
			continue
		}
		if bind := elf.ST_BIND(sym.Info); bind != elf.STB_GLOBAL && bind != elf.STB_WEAK {
			continue
		}
		if elf.ST_VISIBILITY(sym.Other) != elf.STV_DEFAULT {
			continue
		}
		info.addExported(sym.Name)
	}
	slices.Sort(info.Exported)
	return info, nil
}

// Mach-O n_type bits, from <mach-o/nlist.h>.
const (
	machoNExt  = 0x01
	machoNPExt = 0x10
	machoNType = 0x0e
	machoNSect = 0x0e
)

func inspectMachO(path string) (*Info, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info := &Info{Format: "macho"}
	switch f.Type {
	case macho.TypeDylib, macho.TypeBundle:
		info.Kind = DynamicLibrary
	case macho.TypeObj:
		info.Kind = RelocatableObject
	default:
		return nil, errors.Errorf("Mach-O file type %s is neither a shared library nor a relocatable object", f.Type)
	}
	switch f.Cpu {
	case macho.CpuAmd64:
		info.Machine = "amd64"
	case macho.CpuArm64:
		info.Machine = "arm64"
	default:
		info.Machine = "unknown(" + f.Cpu.String() + ")"
	}
	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Type&machoNExt == 0 || sym.Type&machoNPExt != 0 || sym.Type&machoNType != machoNSect {
				continue
			}
			// C symbols are mangled with a leading underscore.
			info.addExported(strings.TrimPrefix(sym.Name, "_"))
		}
	}
	slices.Sort(info.Exported)
	return info, nil
}

func (info *Info) addExported(name string) {
	if name == "" || strings.HasPrefix(name, "_") || slices.Contains(info.Exported, name) {
		return
	}
	info.Exported = append(info.Exported, name)
}

// Exports returns whether the artifact exports the given function name.
func (info *Info) Exports(name string) bool {
	_, found := slices.BinarySearch(info.Exported, name)
	return found
}
