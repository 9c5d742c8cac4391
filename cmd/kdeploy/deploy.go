// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/artifact/store"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/gomlx/kerneldeploy/pkg/verify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type deployOptions struct {
	// Lib is the path or URL of the artifact, and Kind its kind name: empty to take it from the extension.
	Lib, Kind string

	// Func is the entry point to invoke: empty for the only function of the module.
	Func string

	N, L, M   int
	DType     dtypes.DType
	Tolerance verify.Tolerance
	Fill      string
	Seed      uint64

	// Profile is the number of timed calls after a successful verification, 0 to skip profiling.
	Profile, Warmup int
	Counters        []verify.Counter

	// CacheDir where artifacts given by URL are downloaded.
	CacheDir string

	// onProfileCall is called after each timed call.
	onProfileCall func()
}

type deployResult struct {
	Path      string
	Kind      artifact.Kind
	EntryName string
	Result    *verify.Result

	// Profile report, nil if not profiled.
	Profile *verify.ProfileReport
}

// runDeploy loads the kernel, verifies it on generated inputs and profiles it if requested.
//
// If the verification fails it returns the result along with an error wrapping verify.ErrVerificationMismatch.
func runDeploy(ctx context.Context, opts deployOptions) (*deployResult, error) {
	if opts.Lib == "" {
		return nil, errors.New("-lib is required")
	}
	libPath, err := store.Fetch(ctx, opts.Lib, opts.CacheDir)
	if err != nil {
		return nil, err
	}
	kind, err := artifactKind(libPath, opts.Kind)
	if err != nil {
		return nil, err
	}

	module, err := deploy.Load(libPath, kind)
	if err != nil {
		return nil, err
	}
	defer module.Finalize()
	entryName, err := selectFunction(module, opts.Func)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("verifying %s from %s", entryName, module)

	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed))
	inputs, err := verify.NewInputs(rng, opts.Fill, matMulAddInputs(opts.DType, opts.N, opts.L, opts.M))
	if err != nil {
		return nil, err
	}
	defer finalizeAll(inputs)

	r := &deployResult{Path: module.Path(), Kind: module.Kind(), EntryName: entryName}
	r.Result, err = verify.Verify(module, entryName, inputs, verify.MatMulAdd, opts.Tolerance)
	if err != nil {
		return nil, err
	}
	if err := r.Result.Err(); err != nil {
		return r, err
	}

	if opts.Profile > 0 {
		r.Profile, err = profile(module, entryName, inputs, opts)
		if err != nil {
			return r, err
		}
	}
	return r, nil
}

// artifactKind parses kindName, or if empty derives the kind from the extension of libPath.
func artifactKind(libPath, kindName string) (artifact.Kind, error) {
	if kindName != "" {
		kind, err := artifact.KindString(kindName)
		if err != nil {
			return kind, errors.WithMessagef(err, "invalid -kind, valid values are %q", artifact.KindStrings())
		}
		return kind, nil
	}
	return artifact.KindFromPath(libPath)
}

// selectFunction returns name, or the only function of the module if name is empty.
func selectFunction(module *deploy.Module, name string) (string, error) {
	if name != "" {
		return name, nil
	}
	functions := module.Functions()
	if len(functions) != 1 {
		return "", errors.Errorf("%s has %d functions %q, select one with -func", module, len(functions), functions)
	}
	return functions[0], nil
}

func matMulAddInputs(dtype dtypes.DType, n, l, m int) []shapes.Shape {
	return []shapes.Shape{
		shapes.Make(dtype, n, l),
		shapes.Make(dtype, l, m),
		shapes.Make(dtype, n, m),
	}
}

func finalizeAll(buffers []*tensor.Buffer) {
	for _, b := range buffers {
		b.Finalize()
	}
}

func profile(module *deploy.Module, entryName string, inputs []*tensor.Buffer, opts deployOptions) (*verify.ProfileReport, error) {
	fn, err := module.GetFunction(entryName)
	if err != nil {
		return nil, err
	}
	output, err := tensor.New(inputs[2].Shape())
	if err != nil {
		return nil, err
	}
	defer output.Finalize()
	args := []*tensor.Buffer{inputs[0], inputs[1], inputs[2], output}
	return verify.Profile(fn, args, verify.ProfileOptions{
		Warmup:     opts.Warmup,
		Iterations: opts.Profile,
		Counters:   opts.Counters,
		OnIteration: func(int, time.Duration) {
			if opts.onProfileCall != nil {
				opts.onProfileCall()
			}
		},
	})
}
