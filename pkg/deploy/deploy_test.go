// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy_test

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/internal/kerneltest"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireClose(t *testing.T, want, got []float64, rtol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for ii := range want {
		if math.Abs(got[ii]-want[ii]) > rtol*math.Abs(want[ii]) {
			require.Failf(t, "values differ", "element #%d: got %g, want %g (rtol=%g)", ii, got[ii], want[ii], rtol)
		}
	}
}

func loadKernel(t *testing.T, k kerneltest.Kernel) *deploy.Module {
	c := kerneltest.Compiler(t)
	a := kerneltest.Build(t, c, k)
	module, err := deploy.Load(a.Path, artifact.DynamicLibrary)
	require.NoError(t, err)
	t.Cleanup(module.Finalize)
	return module
}

func TestMatMulAdd64(t *testing.T) {
	k := kerneltest.Kernel{N: 64, L: 64, M: 64, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	assert.Equal(t, []string{"matmul_add_dyn"}, module.Functions())
	assert.Equal(t, artifact.DynamicLibrary, module.Kind())

	rng := rand.New(rand.NewPCG(42, 0))
	inputs, output := kerneltest.Inputs(t, rng, k)
	require.NoError(t, deploy.Invoke(module, "matmul_add_dyn", inputs, output))
	got, err := output.Float64s()
	require.NoError(t, err)
	requireClose(t, kerneltest.MatMulAdd(t, inputs), got, 1e-3)
}

func TestDimensionsAndDTypes(t *testing.T) {
	c := kerneltest.Compiler(t)
	rng := rand.New(rand.NewPCG(7, 11))
	for _, k := range []kerneltest.Kernel{
		{N: 1, L: 1, M: 1, DType: dtypes.Float32},
		{N: 3, L: 5, M: 7, DType: dtypes.Float32},
		{N: 128, L: 32, M: 16, DType: dtypes.Float64},
		{N: 16, L: 9, M: 33, DType: dtypes.Int32},
		{N: 8, L: 8, M: 2, DType: dtypes.Int64},
	} {
		k.Kind = artifact.DynamicLibrary
		k.EntryName = "matmul_add"
		t.Run(fmt.Sprintf("%dx%dx%d_%s", k.N, k.L, k.M, k.DType), func(t *testing.T) {
			a := kerneltest.Build(t, c, k)
			module, err := deploy.Load(a.Path, artifact.DynamicLibrary)
			require.NoError(t, err)
			defer module.Finalize()

			inputs, output := kerneltest.Inputs(t, rng, k)
			require.NoError(t, deploy.Invoke(module, k.EntryName, inputs, output))
			got, err := output.Float64s()
			require.NoError(t, err)
			want := kerneltest.MatMulAdd(t, inputs)
			if k.DType.IsFloat() {
				requireClose(t, want, got, 1e-3)
			} else {
				require.Equal(t, want, got)
			}
		})
	}
}

func TestResolution(t *testing.T) {
	k := kerneltest.Kernel{N: 4, L: 3, M: 2, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)

	fn1, err := module.GetFunction("matmul_add_dyn")
	require.NoError(t, err)
	fn2, err := module.GetFunction("matmul_add_dyn")
	require.NoError(t, err)
	assert.Same(t, fn1, fn2)
	assert.Equal(t, fn1.Pointer(), fn2.Pointer())
	assert.Equal(t, "matmul_add_dyn", fn1.Name())
	assert.Same(t, module, fn1.Module())

	for _, name := range []string{"matmul_add_sys", "matmul_add_dyn_check_args", "", "dlopen"} {
		_, err := module.GetFunction(name)
		require.Truef(t, errors.Is(err, deploy.ErrSymbolNotFound), "name %q: got %v", name, err)
	}
	err = deploy.Invoke(module, "unknown", nil, nil)
	require.True(t, errors.Is(err, deploy.ErrSymbolNotFound), "got %v", err)
}

func TestDeterminism(t *testing.T) {
	k := kerneltest.Kernel{N: 32, L: 17, M: 9, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	fn, err := module.GetFunction(k.EntryName)
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	inputs, output := kerneltest.Inputs(t, rng, k)
	require.NoError(t, fn.Call(inputs[0], inputs[1], inputs[2], output))
	first, err := tensor.CopyFlat[float32](output)
	require.NoError(t, err)
	require.NoError(t, fn.Call(inputs[0], inputs[1], inputs[2], output))
	second, err := tensor.CopyFlat[float32](output)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestConcurrentCalls(t *testing.T) {
	k := kerneltest.Kernel{N: 16, L: 16, M: 16, DType: dtypes.Float64, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	rng := rand.New(rand.NewPCG(3, 4))
	inputs, _ := kerneltest.Inputs(t, rng, k)
	want := kerneltest.MatMulAdd(t, inputs)

	const numCalls = 8
	outputs := make([]*tensor.Buffer, numCalls)
	for ii := range outputs {
		outputs[ii] = kerneltest.Zeros(t, shapes.Make(dtypes.Float64, k.N, k.M))
	}
	var wg sync.WaitGroup
	errs := make([]error, numCalls)
	for ii := range numCalls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[ii] = deploy.Invoke(module, k.EntryName, inputs, outputs[ii])
		}()
	}
	wg.Wait()
	for ii := range numCalls {
		require.NoError(t, errs[ii])
		got, err := outputs[ii].Float64s()
		require.NoError(t, err)
		requireClose(t, want, got, 1e-9)
	}
}

func TestBoundary(t *testing.T) {
	k := kerneltest.Kernel{N: 8, L: 4, M: 2, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	rng := rand.New(rand.NewPCG(5, 6))
	inputs, output := kerneltest.Inputs(t, rng, k)

	sentinel := func(b *tensor.Buffer) []float64 {
		values := make([]float64, b.Size())
		for ii := range values {
			values[ii] = -12345
		}
		require.NoError(t, b.SetFloat64s(values))
		return values
	}

	// Wrong size output: rejected and left untouched.
	wrongSize := kerneltest.Zeros(t, shapes.Make(dtypes.Float32, k.N, k.M+1))
	wantUntouched := sentinel(wrongSize)
	err := deploy.Invoke(module, k.EntryName, inputs, wrongSize)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
	require.ErrorContains(t, err, "shape mismatch")
	got, err := wrongSize.Float64s()
	require.NoError(t, err)
	require.Equal(t, wantUntouched, got)

	// Wrong dtype, wrong rank, wrong number of arguments.
	wrongDType := kerneltest.Zeros(t, shapes.Make(dtypes.Float64, k.N, k.M))
	err = deploy.Invoke(module, k.EntryName, inputs, wrongDType)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
	require.ErrorContains(t, err, "dtype mismatch")
	wrongRank := kerneltest.Zeros(t, shapes.Make(dtypes.Float32, k.N*k.M))
	err = deploy.Invoke(module, k.EntryName, inputs, wrongRank)
	require.ErrorContains(t, err, "rank mismatch")
	err = deploy.Invoke(module, k.EntryName, inputs[:2], output)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
	require.ErrorContains(t, err, "number of arguments")

	// Swapped inputs.
	err = deploy.Invoke(module, k.EntryName, []*tensor.Buffer{inputs[1], inputs[0], inputs[2]}, output)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)

	// Output aliasing an input: rejected, and the input is left untouched.
	wantC, err := inputs[2].Float64s()
	require.NoError(t, err)
	err = deploy.Invoke(module, k.EntryName, inputs, inputs[2])
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
	require.ErrorContains(t, err, "output overlaps an input")
	gotC, err := inputs[2].Float64s()
	require.NoError(t, err)
	require.Equal(t, wantC, gotC)

	// Finalized and nil buffers are rejected by the invoker.
	finalized := kerneltest.Zeros(t, shapes.Make(dtypes.Float32, k.N, k.M))
	finalized.Finalize()
	err = deploy.Invoke(module, k.EntryName, inputs, finalized)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
	err = deploy.Invoke(module, k.EntryName, inputs, nil)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)

	// Untouched output is still usable.
	require.NoError(t, deploy.Invoke(module, k.EntryName, inputs, output))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := deploy.Load(filepath.Join(dir, "missing.so"), artifact.DynamicLibrary)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)

	textFile := filepath.Join(dir, "text.so")
	require.NoError(t, os.WriteFile(textFile, []byte("not a library"), 0o644))
	_, err = deploy.Load(textFile, artifact.DynamicLibrary)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)

	_, err = deploy.Load(textFile, artifact.Kind(7))
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)

	_, err = deploy.NewLoader(nil).Load("test_sys.o", artifact.RelocatableObject)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)
	_, err = deploy.NewLoader(deploy.NewRegistry()).Load("test_sys.o", artifact.RelocatableObject)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)

	// A relocatable object is never loaded as a dynamic library.
	c := kerneltest.Compiler(t)
	obj := kerneltest.Build(t, c, kerneltest.Kernel{N: 2, L: 2, M: 2, DType: dtypes.Float32,
		Kind: artifact.RelocatableObject, EntryName: "matmul_add_sys"})
	_, err = deploy.Load(obj.Path, artifact.DynamicLibrary)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)
	require.ErrorContains(t, err, "RelocatableObject")
}

func TestFinalize(t *testing.T) {
	k := kerneltest.Kernel{N: 2, L: 2, M: 2, DType: dtypes.Int32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	module := loadKernel(t, k)
	fn, err := module.GetFunction(k.EntryName)
	require.NoError(t, err)
	inputs, output := kerneltest.Inputs(t, rand.New(rand.NewPCG(0, 0)), k)

	module.Finalize()
	require.True(t, module.IsFinalized())
	module.Finalize()
	_, err = module.GetFunction(k.EntryName)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)
	err = fn.Call(inputs[0], inputs[1], inputs[2], output)
	require.True(t, errors.Is(err, deploy.ErrInvocation), "got %v", err)
}

func TestRegistry(t *testing.T) {
	k := kerneltest.Kernel{N: 8, L: 8, M: 8, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	provider := loadKernel(t, k)
	fn, err := provider.GetFunction(k.EntryName)
	require.NoError(t, err)

	registry := deploy.NewRegistry()
	require.NoError(t, registry.Register("matmul_add_sys", fn.Pointer()))
	require.Error(t, registry.Register("matmul_add_sys", fn.Pointer()))
	require.Error(t, registry.Register("other", nil))
	require.Error(t, registry.Register("_reserved", fn.Pointer()))
	assert.Equal(t, []string{"matmul_add_sys"}, registry.Names())

	obj := kerneltest.Build(t, kerneltest.Compiler(t), kerneltest.Kernel{N: k.N, L: k.L, M: k.M, DType: k.DType,
		Kind: artifact.RelocatableObject, EntryName: "matmul_add_sys"})
	module, err := deploy.NewLoader(registry).Load(obj.Path, artifact.RelocatableObject)
	require.NoError(t, err)
	defer module.Finalize()
	assert.Equal(t, artifact.RelocatableObject, module.Kind())
	assert.Equal(t, []string{"matmul_add_sys"}, module.Functions())
	_, err = module.GetFunction("matmul_add_dyn")
	require.True(t, errors.Is(err, deploy.ErrSymbolNotFound), "got %v", err)

	inputs, output := kerneltest.Inputs(t, rand.New(rand.NewPCG(9, 9)), k)
	require.NoError(t, deploy.Invoke(module, "matmul_add_sys", inputs, output))
	got, err := output.Float64s()
	require.NoError(t, err)
	requireClose(t, kerneltest.MatMulAdd(t, inputs), got, 1e-3)
}

func TestSystemRegistry(t *testing.T) {
	k := kerneltest.Kernel{N: 4, L: 4, M: 4, DType: dtypes.Float64, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	provider := loadKernel(t, k)
	fn, err := provider.GetFunction(k.EntryName)
	require.NoError(t, err)

	require.NoError(t, deploy.RegisterSystemSymbol("kerneldeploy_test_sys", fn.Pointer()))
	require.Error(t, deploy.RegisterSystemSymbol("kerneldeploy_test_sys", fn.Pointer()))
	require.Error(t, deploy.RegisterSystemSymbol("kerneldeploy_test_nil", nil))
	require.Contains(t, deploy.SystemRegistry().Names(), "kerneldeploy_test_sys")
	ptr, found := deploy.SystemRegistry().Lookup("kerneldeploy_test_sys")
	require.True(t, found)
	require.Equal(t, fn.Pointer(), ptr)

	// Concurrent registrations of the same name: exactly one wins, and keeps its function.
	const numRegistrations = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var numSucceeded int
	for range numRegistrations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if deploy.RegisterSystemSymbol("kerneldeploy_test_race", fn.Pointer()) == nil {
				mu.Lock()
				numSucceeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, numSucceeded)
	ptr, found = deploy.SystemRegistry().Lookup("kerneldeploy_test_race")
	require.True(t, found)
	require.Equal(t, fn.Pointer(), ptr)

	c := kerneltest.Compiler(t)
	obj := kerneltest.Build(t, c, kerneltest.Kernel{N: k.N, L: k.L, M: k.M, DType: k.DType,
		Kind: artifact.RelocatableObject, EntryName: "kerneldeploy_test_sys"})
	module, err := deploy.Load(obj.Path, artifact.RelocatableObject)
	require.NoError(t, err)
	defer module.Finalize()
	inputs, output := kerneltest.Inputs(t, rand.New(rand.NewPCG(8, 8)), k)
	require.NoError(t, deploy.Invoke(module, "kerneldeploy_test_sys", inputs, output))
	got, err := output.Float64s()
	require.NoError(t, err)
	requireClose(t, kerneltest.MatMulAdd(t, inputs), got, 1e-9)
	assert.Equal(t, []string{"kerneldeploy_test_sys"}, module.Functions())

	// A system library kernel linked as a shared library still loads: its registration hook is weak.
	sysKernel := kerneltest.Kernel{N: 2, L: 3, M: 4, DType: dtypes.Float32, Kind: artifact.RelocatableObject,
		EntryName: "kerneldeploy_test_hooked"}
	hookedObj := kerneltest.Build(t, c, sysKernel)
	sharedPath := filepath.Join(t.TempDir(), "hooked.so")
	require.NoError(t, c.LinkShared(context.Background(), &compiler.Kernel{
		EntryName:  sysKernel.EntryName,
		ObjectPath: hookedObj.Path,
		Compiler:   c.Name(),
	}, sharedPath))
	hooked, err := deploy.Load(sharedPath, artifact.DynamicLibrary)
	require.NoError(t, err)
	defer hooked.Finalize()
	assert.Equal(t, []string{"kerneldeploy_test_hooked"}, hooked.Functions())
}

func TestSystemLibraryScope(t *testing.T) {
	k := kerneltest.Kernel{N: 4, L: 3, M: 2, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}
	provider := loadKernel(t, k)
	fn, err := provider.GetFunction(k.EntryName)
	require.NoError(t, err)
	registry := deploy.NewRegistry()
	require.NoError(t, registry.Register("other_kernel_sys", fn.Pointer()))
	loader := deploy.NewLoader(registry)

	// Missing object, not described by any manifest.
	_, err = loader.Load("/does/not/exist/matmul_add.o", artifact.RelocatableObject)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)

	// The object's entry point is not registered.
	c := kerneltest.Compiler(t)
	obj := kerneltest.Build(t, c, kerneltest.Kernel{N: k.N, L: k.L, M: k.M, DType: k.DType,
		Kind: artifact.RelocatableObject, EntryName: "matmul_add_sys"})
	_, err = loader.Load(obj.Path, artifact.RelocatableObject)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)
	require.ErrorContains(t, err, "matmul_add_sys")

	// Only the object's own entry points are exposed.
	require.NoError(t, registry.Register("matmul_add_sys", fn.Pointer()))
	module, err := loader.Load(obj.Path, artifact.RelocatableObject)
	require.NoError(t, err)
	defer module.Finalize()
	assert.Equal(t, []string{"matmul_add_sys"}, module.Functions())
	_, err = module.GetFunction("other_kernel_sys")
	require.True(t, errors.Is(err, deploy.ErrSymbolNotFound), "got %v", err)

	// A dynamic library is not a relocatable object.
	dyn := kerneltest.Build(t, c, kerneltest.Kernel{N: k.N, L: k.L, M: k.M, DType: k.DType,
		Kind: artifact.DynamicLibrary, EntryName: "matmul_add_sys"})
	_, err = loader.Load(dyn.Path, artifact.RelocatableObject)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)

	// Object not shipped, but described by the manifest of its directory.
	shipped := t.TempDir()
	absent := filepath.Join(shipped, "matmul_add.o")
	require.NoError(t, artifact.WriteManifest(shipped, []*artifact.Artifact{
		{Kind: artifact.RelocatableObject, Path: absent, EntryName: "matmul_add_sys", Target: obj.Target, Size: obj.Size},
		{Kind: artifact.RelocatableObject, Path: filepath.Join(shipped, "other.o"), EntryName: "other_kernel_sys"},
	}))
	module, err = loader.Load(absent, artifact.RelocatableObject)
	require.NoError(t, err)
	defer module.Finalize()
	assert.Equal(t, []string{"matmul_add_sys"}, module.Functions())
	_, err = loader.Load(filepath.Join(shipped, "unlisted.o"), artifact.RelocatableObject)
	require.True(t, errors.Is(err, deploy.ErrLoad), "got %v", err)
}
