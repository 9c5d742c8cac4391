// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify

import (
	"math/rand/v2"

	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/pkg/errors"
)

// RandomUniform returns a new buffer filled with uniform random values from rng: in [0, 1) for float dtypes
// and in [0, 10) for integer dtypes.
func RandomUniform(rng *rand.Rand, shape shapes.Shape) (*tensor.Buffer, error) {
	values := make([]float64, shape.Size())
	isFloat := shape.DType.IsFloat()
	for ii := range values {
		if isFloat {
			values[ii] = rng.Float64()
		} else {
			values[ii] = float64(rng.IntN(10))
		}
	}
	return fill(shape, values)
}

// Iota returns a new buffer where each element is set to its flat index.
func Iota(shape shapes.Shape) (*tensor.Buffer, error) {
	values := make([]float64, shape.Size())
	for ii := range values {
		values[ii] = float64(ii)
	}
	return fill(shape, values)
}

func fill(shape shapes.Shape, values []float64) (*tensor.Buffer, error) {
	b, err := tensor.New(shape)
	if err != nil {
		return nil, err
	}
	if err := b.SetFloat64s(values); err != nil {
		b.Finalize()
		return nil, err
	}
	return b, nil
}

// Fill kinds accepted by NewInputs.
const (
	FillRandom = "random"
	FillIota   = "iota"
)

// NewInputs allocates one buffer per shape filled as given by fill (FillRandom or FillIota).
// On error, the buffers already allocated are finalized.
func NewInputs(rng *rand.Rand, fillKind string, inputShapes []shapes.Shape) ([]*tensor.Buffer, error) {
	inputs := make([]*tensor.Buffer, 0, len(inputShapes))
	for _, shape := range inputShapes {
		var b *tensor.Buffer
		var err error
		switch fillKind {
		case FillRandom:
			b, err = RandomUniform(rng, shape)
		case FillIota:
			b, err = Iota(shape)
		default:
			err = errUnknownFill(fillKind)
		}
		if err != nil {
			for _, input := range inputs {
				input.Finalize()
			}
			return nil, err
		}
		inputs = append(inputs, b)
	}
	return inputs, nil
}

func errUnknownFill(fillKind string) error {
	return errors.Errorf("unknown fill %q, valid values are %q and %q", fillKind, FillRandom, FillIota)
}
