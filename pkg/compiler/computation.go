// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package compiler

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/pkg/abi"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Computation is the description of a numeric kernel, as consumed by a Compiler.
//
// Its internals are opaque to everything but the compiler: the rest of the system only sees its name and signature.
type Computation interface {
	// Name of the computation, used for logging and default entry names.
	Name() string

	// Signature returns the shapes of the inputs followed by the shape of the output.
	Signature() []shapes.Shape
}

// CLowerer is implemented by computations that can be lowered to C source code, following the calling
// convention in package abi.
type CLowerer interface {
	// LowerC returns a C translation unit defining entryName.
	// If systemLib is true, the unit also registers entryName with the host's system symbol table when loaded.
	LowerC(entryName string, systemLib bool) (string, error)
}

// MatMulAddComputation computes `out = A·B + C`, with A shaped [N, L], B shaped [L, M] and C and out shaped [N, M].
type MatMulAddComputation struct {
	N, L, M int
	DType   dtypes.DType
}

var _ CLowerer = (*MatMulAddComputation)(nil)

// MatMulAdd returns the computation `out = A·B + C`, the kernel compiled by default.
//
// Invalid dimensions or dtypes are reported by the compiler when building it.
func MatMulAdd(n, l, m int, dtype dtypes.DType) *MatMulAddComputation {
	return &MatMulAddComputation{N: n, L: l, M: m, DType: dtype}
}

// Name implements Computation.
func (c *MatMulAddComputation) Name() string { return "matmul_add" }

// Signature implements Computation. It returns nil if the dimensions are not valid.
func (c *MatMulAddComputation) Signature() []shapes.Shape {
	if c.Validate() != nil {
		return nil
	}
	return []shapes.Shape{
		shapes.Make(c.DType, c.N, c.L),
		shapes.Make(c.DType, c.L, c.M),
		shapes.Make(c.DType, c.N, c.M),
		shapes.Make(c.DType, c.N, c.M),
	}
}

// String implements fmt.Stringer.
func (c *MatMulAddComputation) String() string {
	return fmt.Sprintf("%s(N=%d, L=%d, M=%d, %s)", c.Name(), c.N, c.L, c.M, c.DType)
}

// Validate returns an ErrCompilation if the computation can't be compiled.
func (c *MatMulAddComputation) Validate() error {
	if c.N <= 0 || c.L <= 0 || c.M <= 0 {
		return errors.Wrapf(ErrCompilation, "%s: dimensions must be positive", c)
	}
	if _, ok := abi.CType(c.DType); !ok {
		return errors.Wrapf(ErrCompilation, "%s: dtype %s not supported by the code generator", c, c.DType)
	}
	return nil
}

var matMulAddTemplate = template.Must(template.New("matmul_add").Parse(`// Generated kernel: {{.Computation}}.
{{.Header}}
#include <stddef.h>

#define KD_EXPORT __attribute__((visibility("default")))

static const int64_t kd_expected_shapes[4][2] = {
  { {{.N}}, {{.L}} }, { {{.L}}, {{.M}} }, { {{.N}}, {{.M}} }, { {{.N}}, {{.M}} },
};

static int32_t {{.Entry}}_check_args(const KDTensor* args, int32_t num_args) {
  if (num_args != 4) return KD_ERR_NUM_ARGS;
  for (int32_t i = 0; i < 4; ++i) {
    const KDTensor* t = &args[i];
    if (t->device_type != KD_DEVICE_CPU) return KD_ERR_DEVICE;
    if (t->dtype.code != {{.Code}} || t->dtype.bits != {{.Bits}} || t->dtype.lanes != 1) return KD_ERR_DTYPE;
    if (t->ndim != 2) return KD_ERR_RANK;
    if (t->shape == NULL || t->shape[0] != kd_expected_shapes[i][0] || t->shape[1] != kd_expected_shapes[i][1]) return KD_ERR_SHAPE;
    if (t->strides != NULL && (t->strides[1] != 1 || t->strides[0] != t->shape[1])) return KD_ERR_LAYOUT;
    if (t->data == NULL) return KD_ERR_NULL_DATA;
  }
  const uintptr_t out_begin = (uintptr_t)args[3].data + args[3].byte_offset;
  const uintptr_t out_end = out_begin + (uintptr_t){{.N}} * {{.M}} * sizeof({{.CType}});
  for (int32_t i = 0; i < 3; ++i) {
    const uintptr_t in_begin = (uintptr_t)args[i].data + args[i].byte_offset;
    const uintptr_t in_end = in_begin + (uintptr_t)(kd_expected_shapes[i][0] * kd_expected_shapes[i][1]) * sizeof({{.CType}});
    if (in_begin < out_end && out_begin < in_end) return KD_ERR_ALIASED_OUTPUT;
  }
  return KD_OK;
}

KD_EXPORT int32_t {{.Entry}}(KDTensor* args, int32_t num_args) {
  int32_t status = {{.Entry}}_check_args(args, num_args);
  if (status != KD_OK) return status;
  const {{.CType}}* restrict a = (const {{.CType}}*)((const char*)args[0].data + args[0].byte_offset);
  const {{.CType}}* restrict b = (const {{.CType}}*)((const char*)args[1].data + args[1].byte_offset);
  const {{.CType}}* restrict c = (const {{.CType}}*)((const char*)args[2].data + args[2].byte_offset);
  {{.CType}}* restrict out = ({{.CType}}*)((char*)args[3].data + args[3].byte_offset);
  for (int64_t i = 0; i < {{.N}}; ++i) {
    {{.CType}}* restrict row = out + i * {{.M}};
    for (int64_t j = 0; j < {{.M}}; ++j) row[j] = 0;
    for (int64_t k = 0; k < {{.L}}; ++k) {
      const {{.CType}} aik = a[i * {{.L}} + k];
      const {{.CType}}* restrict bk = b + k * {{.M}};
      for (int64_t j = 0; j < {{.M}}; ++j) row[j] += aik * bk[j];
    }
    for (int64_t j = 0; j < {{.M}}; ++j) row[j] += c[i * {{.M}} + j];
  }
  return KD_OK;
}
{{if .SystemLib}}
extern int kd_register_system_symbol(const char* name, void* fn) __attribute__((weak));

__attribute__((constructor)) static void {{.Entry}}_register(void) {
  if (kd_register_system_symbol != NULL) {
    (void)kd_register_system_symbol("{{.Entry}}", (void*)&{{.Entry}});
  }
}
{{end}}`))

// LowerC implements CLowerer.
func (c *MatMulAddComputation) LowerC(entryName string, systemLib bool) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	if err := ValidateEntryName(entryName); err != nil {
		return "", err
	}
	cType, _ := abi.CType(c.DType)
	dataType, _ := abi.DataTypeOf(c.DType)
	var buf bytes.Buffer
	err := matMulAddTemplate.Execute(&buf, map[string]any{
		"Computation": c.String(),
		"Header":      abi.Header,
		"Entry":       entryName,
		"N":           c.N,
		"L":           c.L,
		"M":           c.M,
		"CType":       cType,
		"Code":        int(dataType.Code),
		"Bits":        int(dataType.Bits),
		"SystemLib":   systemLib,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to generate C source for %s", c)
	}
	return buf.String(), nil
}
