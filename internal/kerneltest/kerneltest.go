// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kerneltest holds test utilities for packages that need compiled kernel artifacts.
package kerneltest

import (
	"context"
	"math/rand/v2"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/gomlx/kerneldeploy/pkg/compiler/cc"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/gomlx/kerneldeploy/pkg/verify"
	"github.com/stretchr/testify/require"
)

// Compiler returns a new "cc" compiler, finalized at the end of the test.
// The test is skipped if there is no C toolchain available.
func Compiler(t testing.TB) compiler.Compiler {
	t.Helper()
	if _, err := exec.LookPath("cc"); err != nil {
		t.Skipf("C toolchain not available: %v", err)
	}
	c, err := cc.New("cc")
	require.NoError(t, err)
	t.Cleanup(c.Finalize)
	return c
}

// Kernel describes a MatMulAdd kernel artifact to build.
type Kernel struct {
	N, L, M   int
	DType     dtypes.DType
	Kind      artifact.Kind
	EntryName string
}

// Build compiles and packages the kernel into a temporary directory of the test, and returns the artifact.
// RelocatableObject kernels are built for a "--system-lib" target.
func Build(t testing.TB, c compiler.Compiler, k Kernel) *artifact.Artifact {
	t.Helper()
	ctx := context.Background()
	target := compiler.HostTarget().WithSystemLib(k.Kind == artifact.RelocatableObject)
	kernel, err := c.Build(ctx, compiler.MatMulAdd(k.N, k.L, k.M, k.DType), target, k.EntryName)
	require.NoError(t, err)
	defer kernel.Finalize()
	outputPath := filepath.Join(t.TempDir(), k.EntryName+k.Kind.Extension(runtime.GOOS))
	a, err := artifact.Package(ctx, c, kernel, k.Kind, outputPath)
	require.NoError(t, err)
	return a
}

// Inputs returns the A, B and C buffers of the kernel filled with uniform random values from rng
// ([0, 1) for floats, [0, 10) for integers), plus a zeroed output buffer.
// All of them are finalized at the end of the test.
func Inputs(t testing.TB, rng *rand.Rand, k Kernel) (inputs []*tensor.Buffer, output *tensor.Buffer) {
	t.Helper()
	signature := compiler.MatMulAdd(k.N, k.L, k.M, k.DType).Signature()
	require.NotNil(t, signature)
	for _, shape := range signature[:3] {
		inputs = append(inputs, Random(t, rng, shape))
	}
	output = Zeros(t, signature[3])
	return inputs, output
}

// Random returns a buffer shaped as shape with uniform random values, finalized at the end of the test.
func Random(t testing.TB, rng *rand.Rand, shape shapes.Shape) *tensor.Buffer {
	t.Helper()
	b, err := verify.RandomUniform(rng, shape)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

// Zeros returns a zeroed buffer, finalized at the end of the test.
func Zeros(t testing.TB, shape shapes.Shape) *tensor.Buffer {
	t.Helper()
	b, err := tensor.New(shape)
	require.NoError(t, err)
	t.Cleanup(b.Finalize)
	return b
}

// MatMulAdd computes the expected `A·B + C` with a plain triple loop in float64.
func MatMulAdd(t testing.TB, inputs []*tensor.Buffer) []float64 {
	t.Helper()
	require.Len(t, inputs, 3)
	a, err := inputs[0].Float64s()
	require.NoError(t, err)
	b, err := inputs[1].Float64s()
	require.NoError(t, err)
	c, err := inputs[2].Float64s()
	require.NoError(t, err)
	aShape, bShape := inputs[0].Shape(), inputs[1].Shape()
	n, l, m := aShape.Dimensions[0], aShape.Dimensions[1], bShape.Dimensions[1]
	out := make([]float64, n*m)
	for i := range n {
		for j := range m {
			sum := c[i*m+j]
			for k := range l {
				sum += a[i*l+k] * b[k*m+j]
			}
			out[i*m+j] = sum
		}
	}
	return out
}
