// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// syshost is a host binary for relocatable kernel objects: it is built with the object linked in, e.g.:
//
//	go build -ldflags="-linkmode=external -extldflags=/path/to/kernel.o" ./testdata/syshost
//
// It prints the system registry, then loads the object and verifies its entry point.
package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/pkg/artifact"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/gomlx/kerneldeploy/pkg/verify"
)

var (
	flagObject = flag.String("object", "", "Path to the relocatable object linked into this binary.")
	flagFunc   = flag.String("func", "", "Entry point to verify.")
	flagN      = flag.Int("n", 4, "N")
	flagL      = flag.Int("l", 4, "L")
	flagM      = flag.Int("m", 4, "M")
)

func main() {
	flag.Parse()
	fmt.Printf("registered: %s\n", strings.Join(deploy.SystemRegistry().Names(), ","))
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "syshost: %+v\n", err)
		os.Exit(1)
	}
}

func run() error {
	module, err := deploy.Load(*flagObject, artifact.RelocatableObject)
	if err != nil {
		return err
	}
	defer module.Finalize()
	fmt.Printf("functions: %s\n", strings.Join(module.Functions(), ","))
	rng := rand.New(rand.NewPCG(1, 2))
	inputs, err := verify.NewInputs(rng, verify.FillRandom, []shapes.Shape{
		shapes.Make(dtypes.Float32, *flagN, *flagL),
		shapes.Make(dtypes.Float32, *flagL, *flagM),
		shapes.Make(dtypes.Float32, *flagN, *flagM),
	})
	if err != nil {
		return err
	}
	result, err := verify.Verify(module, *flagFunc, inputs, verify.MatMulAdd, verify.DefaultTolerance)
	if err != nil {
		return err
	}
	if err := result.Err(); err != nil {
		return err
	}
	fmt.Println("PASSED")
	return nil
}
