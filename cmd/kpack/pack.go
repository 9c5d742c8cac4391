// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/gomlx/kerneldeploy/internal/config"
	"github.com/gomlx/kerneldeploy/internal/workerspool"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/artifact/store"
	"github.com/gomlx/kerneldeploy/pkg/compiler"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

type packOptions struct {
	// onArtifact is called after each artifact is written.
	onArtifact func()
}

type packResult struct {
	Kernel   config.KernelConfig
	Artifact *artifact.Artifact

	// URL where the artifact was published, if any.
	URL string
}

// pack compiles and packages every kernel in cfg, writes the manifest and publishes the artifacts if
// configured to. Results are in the order of the kernels and their kinds.
func pack(ctx context.Context, cfg config.Config, opts packOptions) ([]*packResult, error) {
	var c compiler.Compiler
	var err error
	if cfg.Compiler != "" {
		c, err = compiler.NewWithConfig(cfg.Compiler)
	} else {
		c, err = compiler.New()
	}
	if err != nil {
		return nil, err
	}
	defer c.Finalize()

	perKernel := make([][]*packResult, len(cfg.Kernels))
	var mu sync.Mutex
	pool := workerspool.New()
	pool.SetMaxParallelism(cfg.Parallel)
	err = pool.Run(ctx, len(cfg.Kernels), func(ctx context.Context, i int) error {
		results, err := packKernel(ctx, c, cfg.OutDir, cfg.Kernels[i], opts)
		if err != nil {
			return errors.WithMessagef(err, "kernel %s", cfg.Kernels[i])
		}
		mu.Lock()
		perKernel[i] = results
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}

	var results []*packResult
	var artifacts []*artifact.Artifact
	for _, kernelResults := range perKernel {
		for _, r := range kernelResults {
			results = append(results, r)
			artifacts = append(artifacts, r.Artifact)
		}
	}
	if err := artifact.WriteManifest(cfg.OutDir, artifacts); err != nil {
		return nil, err
	}
	if cfg.Publish != "" {
		for _, r := range results {
			r.URL, err = store.Publish(ctx, cfg.Publish, r.Artifact.Path)
			if err != nil {
				return nil, err
			}
			klog.V(1).Infof("kpack: published %s to %s", r.Artifact.Path, r.URL)
		}
	}
	return results, nil
}

// packKernel builds the kernel once per kind of artifact: relocatable objects need a "--system-lib" target.
func packKernel(ctx context.Context, c compiler.Compiler, outDir string, k config.KernelConfig, opts packOptions) ([]*packResult, error) {
	dtype, err := config.ParseDType(k.DType)
	if err != nil {
		return nil, err
	}
	target, err := compiler.ParseTarget(k.Target)
	if err != nil {
		return nil, err
	}
	computation := compiler.MatMulAdd(k.N, k.L, k.M, dtype)
	results := make([]*packResult, 0, len(k.Kinds))
	for _, kind := range k.Kinds {
		kindTarget := target.WithSystemLib(kind == artifact.RelocatableObject)
		kernel, err := c.Build(ctx, computation, kindTarget, k.EntryName(kind))
		if err != nil {
			return nil, err
		}
		outputPath := filepath.Join(outDir, k.Name+kind.Extension(runtime.GOOS))
		a, err := artifact.Package(ctx, c, kernel, kind, outputPath)
		kernel.Finalize()
		if err != nil {
			return nil, err
		}
		results = append(results, &packResult{Kernel: k, Artifact: a})
		if opts.onArtifact != nil {
			opts.onArtifact()
		}
	}
	return results, nil
}
