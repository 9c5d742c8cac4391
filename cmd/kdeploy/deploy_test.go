// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/internal/kerneltest"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/artifact/store"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/gomlx/kerneldeploy/pkg/verify"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKernel = kerneltest.Kernel{N: 5, L: 3, M: 7, DType: dtypes.Float32, Kind: artifact.DynamicLibrary, EntryName: "matmul_add_dyn"}

func buildKernel(t *testing.T) *artifact.Artifact {
	return kerneltest.Build(t, kerneltest.Compiler(t), testKernel)
}

func testOptions(lib string) deployOptions {
	return deployOptions{
		Lib:       lib,
		N:         testKernel.N,
		L:         testKernel.L,
		M:         testKernel.M,
		DType:     testKernel.DType,
		Tolerance: verify.DefaultTolerance,
		Fill:      verify.FillRandom,
		Seed:      42,
		CacheDir:  filepath.Join(os.TempDir(), "kdeploy_test_cache"),
	}
}

func TestRunDeploy(t *testing.T) {
	a := buildKernel(t)
	ctx := context.Background()

	// Kind from the extension, and the only function of the module.
	r, err := runDeploy(ctx, testOptions(a.Path))
	require.NoError(t, err)
	assert.Equal(t, artifact.DynamicLibrary, r.Kind)
	assert.Equal(t, testKernel.EntryName, r.EntryName)
	assert.True(t, r.Result.Passed)
	assert.Equal(t, testKernel.N*testKernel.M, r.Result.NumElements)
	assert.Nil(t, r.Profile)

	// Explicit kind and function, profiled.
	opts := testOptions(a.Path)
	opts.Kind = "DynamicLibrary"
	opts.Func = testKernel.EntryName
	opts.Fill = verify.FillIota
	opts.Profile = 4
	opts.Warmup = 1
	opts.Counters = []verify.Counter{verify.Cycles, verify.Instructions}
	var calls int
	opts.onProfileCall = func() { calls++ }
	r, err = runDeploy(ctx, opts)
	require.NoError(t, err)
	require.NotNil(t, r.Profile)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, r.Profile.Iterations)
	require.Len(t, r.Profile.Counters, 2)
	for _, reading := range r.Profile.Counters {
		if reading.Err != nil {
			assert.True(t, errors.Is(reading.Err, verify.ErrCountersUnsupported), "got %v", reading.Err)
		}
	}

	// Published artifact, fetched by URL.
	storeURL := "file://" + t.TempDir()
	url, err := store.Publish(ctx, storeURL, a.Path)
	require.NoError(t, err)
	opts = testOptions(url)
	opts.CacheDir = t.TempDir()
	r, err = runDeploy(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, opts.CacheDir, filepath.Dir(r.Path))
	assert.True(t, r.Result.Passed)
}

func TestRunDeployErrors(t *testing.T) {
	a := buildKernel(t)
	ctx := context.Background()

	_, err := runDeploy(ctx, testOptions(""))
	require.ErrorContains(t, err, "-lib is required")

	_, err = runDeploy(ctx, testOptions(filepath.Join(t.TempDir(), "missing.so")))
	require.ErrorIs(t, err, deploy.ErrLoad)

	_, err = runDeploy(ctx, testOptions(filepath.Join(t.TempDir(), "kernel.txt")))
	require.ErrorContains(t, err, "can't infer the kind")

	opts := testOptions(a.Path)
	opts.Kind = "Executable"
	_, err = runDeploy(ctx, opts)
	require.ErrorContains(t, err, "invalid -kind")

	opts = testOptions(a.Path)
	opts.Func = "matmul_add_sys"
	_, err = runDeploy(ctx, opts)
	require.ErrorIs(t, err, deploy.ErrSymbolNotFound)

	// Shapes the kernel wasn't compiled for are rejected by the kernel itself.
	opts = testOptions(a.Path)
	opts.N = testKernel.N + 1
	_, err = runDeploy(ctx, opts)
	require.ErrorIs(t, err, deploy.ErrInvocation)

	opts = testOptions(a.Path)
	opts.DType = dtypes.Float64
	_, err = runDeploy(ctx, opts)
	require.ErrorIs(t, err, deploy.ErrInvocation)

	// A tolerance no output can meet: the result is still returned, for reporting.
	opts = testOptions(a.Path)
	opts.Tolerance = verify.Tolerance{Absolute: -1}
	r, err := runDeploy(ctx, opts)
	require.ErrorIs(t, err, verify.ErrVerificationMismatch)
	require.NotNil(t, r)
	assert.False(t, r.Result.Passed)
	assert.Equal(t, r.Result.NumElements, r.Result.NumMismatches)
}

func TestArtifactKind(t *testing.T) {
	kind, err := artifactKind("/tmp/matmul_add.o", "")
	require.NoError(t, err)
	assert.Equal(t, artifact.RelocatableObject, kind)
	kind, err = artifactKind("/tmp/matmul_add.so", "")
	require.NoError(t, err)
	assert.Equal(t, artifact.DynamicLibrary, kind)
	kind, err = artifactKind("/tmp/matmul_add.so", "RelocatableObject")
	require.NoError(t, err)
	assert.Equal(t, artifact.RelocatableObject, kind)
	_, err = artifactKind("/tmp/matmul_add", "")
	require.Error(t, err)
}

// TestMain runs the kdeploy main function instead of the tests if KDEPLOY_RUN_MAIN is set, so tests can check
// its exit status.
func TestMain(m *testing.M) {
	if os.Getenv("KDEPLOY_RUN_MAIN") != "" {
		os.Args = append([]string{"kdeploy"}, os.Args[1:]...)
		main()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runMain(t *testing.T, args ...string) (output string, exitCode int) {
	t.Helper()
	cmd := exec.Command(os.Args[0], args...)
	cmd.Env = append(os.Environ(), "KDEPLOY_RUN_MAIN=1")
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0
	}
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "running kdeploy: %v", err)
	return string(out), exitErr.ExitCode()
}

func TestExitStatus(t *testing.T) {
	a := buildKernel(t)
	dims := []string{"-n=5", "-l=3", "-m=7"}

	output, code := runMain(t, append([]string{"-lib=" + a.Path}, dims...)...)
	assert.Equal(t, 0, code, "output: %s", output)
	assert.Contains(t, output, "PASSED")

	output, code = runMain(t, append([]string{"-lib=" + a.Path, "-func=unknown_kernel"}, dims...)...)
	assert.Equal(t, 1, code, "output: %s", output)
	assert.Contains(t, output, "symbol not found")

	output, code = runMain(t, "-lib="+a.Path, "-n=6", "-l=3", "-m=7")
	assert.Equal(t, 1, code, "output: %s", output)

	output, code = runMain(t, append([]string{"-lib=" + a.Path, "-atol=-1"}, dims...)...)
	assert.Equal(t, 1, code, "output: %s", output)
	assert.Contains(t, output, "FAILED")

	output, code = runMain(t, append([]string{"-lib=" + a.Path, "-counters=CYCLES"}, dims...)...)
	assert.Equal(t, 1, code, "output: %s", output)
	assert.Contains(t, output, "-counters requires -profile")

	_, code = runMain(t)
	assert.Equal(t, 1, code)
}
