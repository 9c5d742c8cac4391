// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify_test

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/internal/kerneltest"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/gomlx/kerneldeploy/pkg/verify"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompare(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	want := []float32{1, 2, 3, 4, 5, 6}

	r := verify.Compare(want, want, shape, verify.DefaultTolerance)
	require.True(t, r.Passed)
	require.NoError(t, r.Err())
	assert.Equal(t, 6, r.NumElements)
	assert.Zero(t, r.MaxAbsDeviation)
	assert.Nil(t, r.First)

	got := []float32{1, 2, 3, 4.01, 5, 7}
	r = verify.Compare(got, want, shape, verify.DefaultTolerance)
	require.False(t, r.Passed)
	assert.Equal(t, 2, r.NumMismatches)
	require.NotNil(t, r.First)
	assert.Equal(t, 3, r.First.Index)
	assert.Equal(t, []int{1, 0}, r.First.Position)
	assert.InDelta(t, 1.0, r.MaxAbsDeviation, 1e-6)
	assert.InDelta(t, 1.0/6.0, r.MaxRelativeDeviation, 1e-6)
	err := r.Err()
	require.True(t, errors.Is(err, verify.ErrVerificationMismatch))
	require.ErrorContains(t, err, "2 mismatched elements")

	// Within a looser tolerance.
	r = verify.Compare(got, want, shape, verify.Tolerance{Relative: 1e-3, Absolute: 1})
	require.True(t, r.Passed, "result: %s", r)

	// Integers.
	r = verify.Compare([]int64{1, 2, 3, 5, 5, 6}, []int64{1, 2, 3, 4, 5, 6}, shape, verify.DefaultTolerance)
	require.False(t, r.Passed)
	assert.Equal(t, []int{1, 0}, r.First.Position)

	// NaN and infinities.
	nan, inf := math.NaN(), math.Inf(1)
	vecShape := shapes.Make(dtypes.Float64, 3)
	require.True(t, verify.Compare([]float64{nan, inf, 1}, []float64{nan, inf, 1}, vecShape, verify.DefaultTolerance).Passed)
	require.False(t, verify.Compare([]float64{nan, inf, 1}, []float64{0, inf, 1}, vecShape, verify.DefaultTolerance).Passed)
	require.False(t, verify.Compare([]float64{0, -inf, 1}, []float64{0, inf, 1}, vecShape, verify.DefaultTolerance).Passed)

	// Different sizes.
	r = verify.Compare([]float64{1}, []float64{1, 2, 3}, vecShape, verify.DefaultTolerance)
	require.False(t, r.Passed)
	require.Error(t, r.Err())
}

func TestMatMulAddReference(t *testing.T) {
	a, err := tensor.FromFlat([]float32{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	defer a.Finalize()
	b, err := tensor.FromFlat([]float32{5, 6, 7, 8}, 2, 2)
	require.NoError(t, err)
	defer b.Finalize()
	c, err := tensor.FromFlat([]float32{1, 1, 1, 1}, 2, 2)
	require.NoError(t, err)
	defer c.Finalize()

	shape, want, err := verify.MatMulAdd([]*tensor.Buffer{a, b, c})
	require.NoError(t, err)
	assert.True(t, shape.Equal(shapes.Make(dtypes.Float32, 2, 2)))
	assert.Equal(t, []float64{20, 23, 44, 51}, want)

	_, _, err = verify.MatMulAdd([]*tensor.Buffer{a, b})
	require.Error(t, err)
	v, err := tensor.FromFlat([]float32{1, 2, 3})
	require.NoError(t, err)
	defer v.Finalize()
	_, _, err = verify.MatMulAdd([]*tensor.Buffer{a, v, c})
	require.Error(t, err)
}

func TestInputs(t *testing.T) {
	shape := shapes.Make(dtypes.Int32, 3, 4)
	iota, err := verify.Iota(shape)
	require.NoError(t, err)
	defer iota.Finalize()
	values, err := tensor.CopyFlat[int32](iota)
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, values)

	random1, err := verify.RandomUniform(rand.New(rand.NewPCG(1, 1)), shapes.Make(dtypes.Float64, 100))
	require.NoError(t, err)
	defer random1.Finalize()
	random2, err := verify.RandomUniform(rand.New(rand.NewPCG(1, 1)), shapes.Make(dtypes.Float64, 100))
	require.NoError(t, err)
	defer random2.Finalize()
	flat1, err := tensor.CopyFlat[float64](random1)
	require.NoError(t, err)
	flat2, err := tensor.CopyFlat[float64](random2)
	require.NoError(t, err)
	require.Equal(t, flat1, flat2)
	for _, v := range flat1 {
		require.True(t, v >= 0 && v < 1)
	}

	ints, err := verify.RandomUniform(rand.New(rand.NewPCG(2, 2)), shapes.Make(dtypes.Int64, 50))
	require.NoError(t, err)
	defer ints.Finalize()
	intValues, err := tensor.CopyFlat[int64](ints)
	require.NoError(t, err)
	for _, v := range intValues {
		require.True(t, v >= 0 && v < 10)
	}

	inputs, err := verify.NewInputs(nil, verify.FillIota, []shapes.Shape{shape, shape})
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	for _, input := range inputs {
		input.Finalize()
	}
	_, err = verify.NewInputs(nil, "ones", []shapes.Shape{shape})
	require.Error(t, err)
}

func loadKernel(t *testing.T, k kerneltest.Kernel) *deploy.Module {
	c := kerneltest.Compiler(t)
	a := kerneltest.Build(t, c, k)
	module, err := deploy.Load(a.Path, artifact.DynamicLibrary)
	require.NoError(t, err)
	t.Cleanup(module.Finalize)
	return module
}

func TestVerify(t *testing.T) {
	k := kerneltest.Kernel{N: 64, L: 64, M: 64, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	rng := rand.New(rand.NewPCG(42, 42))
	inputs, _ := kerneltest.Inputs(t, rng, k)

	r, err := verify.Verify(module, k.EntryName, inputs, verify.MatMulAdd, verify.DefaultTolerance)
	require.NoError(t, err)
	require.True(t, r.Passed, "result: %s", r)
	require.NoError(t, r.Err())
	assert.Equal(t, 64*64, r.NumElements)

	// A reference that disagrees is reported, not returned as an error.
	shifted := func(inputs []*tensor.Buffer) (shapes.Shape, []float64, error) {
		shape, want, err := verify.MatMulAdd(inputs)
		if err == nil {
			want[5] += 1
		}
		return shape, want, err
	}
	r, err = verify.Verify(module, k.EntryName, inputs, shifted, verify.DefaultTolerance)
	require.NoError(t, err)
	require.False(t, r.Passed)
	assert.Equal(t, 1, r.NumMismatches)
	assert.Equal(t, []int{0, 5}, r.First.Position)
	require.True(t, errors.Is(r.Err(), verify.ErrVerificationMismatch))

	// Invocation errors are returned.
	_, err = verify.Verify(module, "matmul_add_sys", inputs, verify.MatMulAdd, verify.DefaultTolerance)
	require.True(t, errors.Is(err, deploy.ErrSymbolNotFound), "got %v", err)
	wrongOutput := func(inputs []*tensor.Buffer) (shapes.Shape, []float64, error) {
		return shapes.Make(dtypes.Float32, k.N, k.M+1), make([]float64, k.N*(k.M+1)), nil
	}
	_, err = verify.Verify(module, k.EntryName, inputs, wrongOutput, verify.DefaultTolerance)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
}

func TestVerifyIota(t *testing.T) {
	k := kerneltest.Kernel{N: 4, L: 5, M: 6, DType: dtypes.Float64, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	inputs, err := verify.NewInputs(nil, verify.FillIota, []shapes.Shape{
		shapes.Make(k.DType, k.N, k.L), shapes.Make(k.DType, k.L, k.M), shapes.Make(k.DType, k.N, k.M)})
	require.NoError(t, err)
	defer func() {
		for _, input := range inputs {
			input.Finalize()
		}
	}()
	r, err := verify.Verify(module, k.EntryName, inputs, verify.MatMulAdd, verify.Tolerance{Relative: 1e-12})
	require.NoError(t, err)
	require.True(t, r.Passed, "result: %s", r)
}

func TestProfile(t *testing.T) {
	k := kerneltest.Kernel{N: 32, L: 32, M: 32, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	fn, err := module.GetFunction(k.EntryName)
	require.NoError(t, err)
	inputs, output := kerneltest.Inputs(t, rand.New(rand.NewPCG(0, 1)), k)
	args := []*tensor.Buffer{inputs[0], inputs[1], inputs[2], output}

	var iterations []int
	report, err := verify.Profile(fn, args, verify.ProfileOptions{
		Warmup:     2,
		Iterations: 5,
		OnIteration: func(iteration int, elapsed time.Duration) {
			iterations = append(iterations, iteration)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, iterations)
	assert.Equal(t, 5, report.Iterations)
	assert.LessOrEqual(t, report.Min, report.Mean)
	assert.LessOrEqual(t, report.Mean, report.Max)
	assert.Contains(t, report.String(), "5 calls")

	_, err = verify.Profile(fn, args, verify.ProfileOptions{})
	require.Error(t, err)
	_, err = verify.Profile(fn, inputs, verify.ProfileOptions{Iterations: 1})
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
}

func TestProfileCounters(t *testing.T) {
	k := kerneltest.Kernel{N: 16, L: 16, M: 16, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	fn, err := module.GetFunction(k.EntryName)
	require.NoError(t, err)
	inputs, output := kerneltest.Inputs(t, rand.New(rand.NewPCG(0, 1)), k)
	args := []*tensor.Buffer{inputs[0], inputs[1], inputs[2], output}

	report, err := verify.Profile(fn, args, verify.ProfileOptions{Iterations: 3, Counters: verify.DefaultCounters})
	require.NoError(t, err)
	require.Len(t, report.Counters, len(verify.DefaultCounters))
	for ii, reading := range report.Counters {
		assert.Equal(t, verify.DefaultCounters[ii], reading.Counter)
		assert.Contains(t, report.String(), reading.Counter.String())
		if reading.Err != nil {
			// No PMU (virtual machines) or perf_event_paranoid restrictions.
			assert.True(t, errors.Is(reading.Err, verify.ErrCountersUnsupported), "got %v", reading.Err)
			assert.Contains(t, reading.String(), "unsupported")
			continue
		}
		assert.InDelta(t, float64(reading.Total)/3, reading.PerCall, 1e-9)
		if reading.Counter == verify.Instructions {
			// At least one instruction per output element per call.
			assert.Greater(t, reading.Total, uint64(3*16*16))
		}
	}
}

func TestParseCounters(t *testing.T) {
	counters, err := verify.ParseCounters("")
	require.NoError(t, err)
	assert.Empty(t, counters)

	counters, err = verify.ParseCounters("all")
	require.NoError(t, err)
	assert.Equal(t, verify.DefaultCounters, counters)

	counters, err = verify.ParseCounters("perf::CYCLES, instructions,Stalled-Cycles-Backend")
	require.NoError(t, err)
	assert.Equal(t, []verify.Counter{verify.Cycles, verify.Instructions, verify.StalledCyclesBackend}, counters)
	assert.Equal(t, "STALLED-CYCLES-BACKEND", counters[2].String())

	_, err = verify.ParseCounters("CYCLES,BRANCHES")
	require.ErrorContains(t, err, `unknown counter "BRANCHES"`)
}
