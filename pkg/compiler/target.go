// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// Target describes what a kernel is compiled for: the code generator backend, the CPU and its features,
// and whether it is built in "system library" mode.
//
// The textual form follows the usual compiler target strings, e.g.: "llvm -mcpu=skylake -mattr=+avx2,+fma --system-lib".
type Target struct {
	// Backend generating the code. "llvm" and "c" are accepted, both lower through the C toolchain.
	Backend string

	// CPU to tune and generate code for, e.g. "native" or "skylake". Empty for the generic one.
	CPU string

	// Features enabled ("+avx2") or disabled ("-avx2").
	Features []string

	// SystemLib builds kernels that register themselves with the host binary's system symbol table
	// when linked into it, see package deploy.
	SystemLib bool
}

var knownBackends = []string{"llvm", "c"}

// ParseTarget parses a target string. It returns an ErrCompilation for unknown backends or options.
func ParseTarget(spec string) (Target, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return Target{}, errors.Wrapf(ErrCompilation, "empty target")
	}
	t := Target{Backend: fields[0]}
	if !slices.Contains(knownBackends, t.Backend) {
		return Target{}, errors.Wrapf(ErrCompilation, "target %q: backend %q not supported, valid backends are %q",
			spec, t.Backend, knownBackends)
	}
	for _, field := range fields[1:] {
		switch {
		case field == "--system-lib" || field == "-system-lib":
			t.SystemLib = true
		case strings.HasPrefix(field, "-mcpu="):
			t.CPU = strings.TrimPrefix(field, "-mcpu=")
			if t.CPU == "" {
				return Target{}, errors.Wrapf(ErrCompilation, "target %q: empty -mcpu", spec)
			}
		case strings.HasPrefix(field, "-mattr="):
			for _, feature := range strings.Split(strings.TrimPrefix(field, "-mattr="), ",") {
				if len(feature) < 2 || (feature[0] != '+' && feature[0] != '-') {
					return Target{}, errors.Wrapf(ErrCompilation, "target %q: feature %q must be prefixed with + or -", spec, feature)
				}
				t.Features = append(t.Features, feature)
			}
		default:
			return Target{}, errors.Wrapf(ErrCompilation, "target %q: unknown option %q", spec, field)
		}
	}
	return t, nil
}

// MustParseTarget parses a target string and panics on error.
func MustParseTarget(spec string) Target {
	t, err := ParseTarget(spec)
	if err != nil {
		panic(err)
	}
	return t
}

// HostTarget returns a target for the generic "llvm" backend with the features detected on the host CPU.
func HostTarget() Target {
	t := Target{Backend: "llvm"}
	if runtime.GOARCH == "amd64" {
		if cpu.X86.HasAVX2 {
			t.Features = append(t.Features, "+avx2")
		}
		if cpu.X86.HasFMA {
			t.Features = append(t.Features, "+fma")
		}
		if cpu.X86.HasAVX512F {
			t.Features = append(t.Features, "+avx512f")
		}
	}
	return t
}

// WithSystemLib returns a copy of the target with the system library mode set.
func (t Target) WithSystemLib(systemLib bool) Target {
	t.Features = slices.Clone(t.Features)
	t.SystemLib = systemLib
	return t
}

// String returns the canonical textual form of the target, the one recorded in artifacts.
func (t Target) String() string {
	parts := []string{t.Backend}
	if t.CPU != "" {
		parts = append(parts, "-mcpu="+t.CPU)
	}
	if len(t.Features) > 0 {
		parts = append(parts, "-mattr="+strings.Join(t.Features, ","))
	}
	if t.SystemLib {
		parts = append(parts, "--system-lib")
	}
	return strings.Join(parts, " ")
}

// CFlags returns the C compiler flags that select the target's CPU and features for the given architecture
// (as in runtime.GOARCH).
func (t Target) CFlags(goarch string) ([]string, error) {
	var flags []string
	if t.CPU != "" {
		switch goarch {
		case "amd64", "386":
			flags = append(flags, "-march="+t.CPU)
		default:
			flags = append(flags, "-mcpu="+t.CPU)
		}
	}
	if len(t.Features) > 0 && goarch != "amd64" && goarch != "386" {
		return nil, errors.Wrapf(ErrCompilation, "target %q: features not supported for architecture %s", t, goarch)
	}
	for _, feature := range t.Features {
		name := feature[1:]
		if feature[0] == '+' {
			flags = append(flags, fmt.Sprintf("-m%s", name))
		} else {
			flags = append(flags, fmt.Sprintf("-mno-%s", name))
		}
	}
	return flags, nil
}
