// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify

import (
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// MatMulAdd is the Reference for `out = A·B + C`, computed in float64 with gonum.
// The output has the dtype of A.
func MatMulAdd(inputs []*tensor.Buffer) (shapes.Shape, []float64, error) {
	if len(inputs) != 3 {
		return shapes.Invalid(), nil, errors.Errorf("verify.MatMulAdd: 3 inputs (A, B, C) required, got %d", len(inputs))
	}
	for ii, input := range inputs {
		if input == nil || input.IsFinalized() {
			return shapes.Invalid(), nil, errors.Errorf("verify.MatMulAdd: input #%d is nil or finalized", ii)
		}
		if input.Shape().Rank() != 2 {
			return shapes.Invalid(), nil, errors.Errorf("verify.MatMulAdd: input #%d must be a matrix, got shape %s", ii, input.Shape())
		}
	}
	aShape, bShape, cShape := inputs[0].Shape(), inputs[1].Shape(), inputs[2].Shape()
	n, l, m := aShape.Dim(0), aShape.Dim(1), bShape.Dim(1)
	if bShape.Dim(0) != l || cShape.Dim(0) != n || cShape.Dim(1) != m {
		return shapes.Invalid(), nil, errors.Errorf("verify.MatMulAdd: incompatible shapes A=%s, B=%s, C=%s", aShape, bShape, cShape)
	}

	dense := make([]*mat.Dense, 3)
	for ii, input := range inputs {
		values, err := input.Float64s()
		if err != nil {
			return shapes.Invalid(), nil, err
		}
		shape := input.Shape()
		dense[ii] = mat.NewDense(shape.Dim(0), shape.Dim(1), values)
	}
	out := mat.NewDense(n, m, nil)
	out.Mul(dense[0], dense[1])
	out.Add(out, dense[2])
	return shapes.Make(aShape.DType, n, m), out.RawMatrix().Data, nil
}
