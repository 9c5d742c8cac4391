// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package verify checks the outputs of deployed kernels against reference computations.
//
// Verify allocates the output of a kernel, invokes it and compares the result element-wise against an
// independent reference, within a Tolerance. A mismatch is not a failure of the harness: it's reported in
// the Result, and Result.Err converts it to an error (ErrVerificationMismatch) for callers that want one.
package verify

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// ErrVerificationMismatch is returned (wrapped) by Result.Err when the outputs differ from the reference.
var ErrVerificationMismatch = errors.New("verification mismatch")

// Tolerance for element-wise comparisons: an element fails if |got - want| > Absolute + Relative * |want|.
type Tolerance struct {
	Relative, Absolute float64
}

// DefaultTolerance is a relative tolerance of 1e-3.
var DefaultTolerance = Tolerance{Relative: 1e-3}

// String implements fmt.Stringer.
func (tol Tolerance) String() string {
	return fmt.Sprintf("rtol=%g, atol=%g", tol.Relative, tol.Absolute)
}

// Mismatch describes an element outside the tolerance.
type Mismatch struct {
	// Index of the element in the flat (row-major) output, and its Position (per axis).
	Index    int
	Position []int

	Got, Want float64

	// Deviation is |Got - Want|.
	Deviation float64
}

// Result of a comparison.
type Result struct {
	Passed bool

	// Shape of the compared output.
	Shape shapes.Shape

	Tolerance Tolerance

	// NumElements compared, and NumMismatches of them outside the tolerance.
	NumElements, NumMismatches int

	// MaxAbsDeviation is max |got - want|. MaxRelativeDeviation is MaxAbsDeviation / max |want|.
	MaxAbsDeviation, MaxRelativeDeviation float64

	// First mismatching element, nil if passed.
	First *Mismatch
}

// Err returns nil if the comparison passed, or an error wrapping ErrVerificationMismatch describing it.
func (r *Result) Err() error {
	if r.Passed {
		return nil
	}
	return errors.Wrapf(ErrVerificationMismatch, "%s", r)
}

// String implements fmt.Stringer.
func (r *Result) String() string {
	var sb strings.Builder
	if r.Passed {
		sb.WriteString("passed: ")
	} else {
		sb.WriteString("failed: ")
	}
	_, _ = fmt.Fprintf(&sb, "%d elements of %s compared with %s", r.NumElements, r.Shape, r.Tolerance)
	_, _ = fmt.Fprintf(&sb, ", max abs deviation %g, max relative deviation %g", r.MaxAbsDeviation, r.MaxRelativeDeviation)
	if r.First != nil {
		_, _ = fmt.Fprintf(&sb, "; %d mismatched elements, first at %v: got %g, want %g",
			r.NumMismatches, r.First.Position, r.First.Got, r.First.Want)
	}
	return sb.String()
}

// Number is any integer or float type that can be compared.
type Number interface {
	constraints.Integer | constraints.Float
}

// Compare got against want, element-wise, for an output of the given shape.
// NaNs are considered equal to NaNs, and infinities to infinities of the same sign.
func Compare[T Number](got, want []T, shape shapes.Shape, tol Tolerance) *Result {
	r := &Result{Passed: true, Shape: shape.Clone(), Tolerance: tol, NumElements: len(want)}
	if len(got) != len(want) {
		r.Passed = false
		r.MaxAbsDeviation = math.Inf(1)
		r.MaxRelativeDeviation = math.Inf(1)
		klog.V(1).Infof("verify: got %d elements, want %d", len(got), len(want))
		return r
	}
	var maxWant float64
	for ii := range want {
		g, w := float64(got[ii]), float64(want[ii])
		deviation := math.Abs(g - w)
		var ok bool
		switch {
		case math.IsNaN(g) || math.IsNaN(w):
			ok = math.IsNaN(g) && math.IsNaN(w)
			deviation = 0
			if !ok {
				deviation = math.Inf(1)
			}
		case math.IsInf(w, 0) || math.IsInf(g, 0):
			ok = g == w
			deviation = 0
			if !ok {
				deviation = math.Inf(1)
			}
		default:
			ok = deviation <= tol.Absolute+tol.Relative*math.Abs(w)
			maxWant = max(maxWant, math.Abs(w))
		}
		r.MaxAbsDeviation = max(r.MaxAbsDeviation, deviation)
		if ok {
			continue
		}
		r.Passed = false
		r.NumMismatches++
		if r.First == nil {
			r.First = &Mismatch{Index: ii, Got: g, Want: w, Deviation: deviation}
			if position, err := shape.Position(ii); err == nil {
				r.First.Position = position
			} else {
				r.First.Position = []int{ii}
			}
		}
	}
	switch {
	case maxWant > 0:
		r.MaxRelativeDeviation = r.MaxAbsDeviation / maxWant
	case r.MaxAbsDeviation > 0:
		r.MaxRelativeDeviation = math.Inf(1)
	}
	return r
}

// Reference computes the expected output of a kernel from its inputs, in float64.
// It returns the shape of the output and its flat (row-major) values.
type Reference func(inputs []*tensor.Buffer) (shapes.Shape, []float64, error)

// Verify invokes entryName of module with the inputs and a newly allocated output, and compares the
// output against the reference.
//
// Errors resolving or invoking the entry point (deploy.ErrSymbolNotFound, deploy.ErrInvocation) are returned
// as errors. A comparison failure is reported in the Result instead, see Result.Err.
func Verify(module *deploy.Module, entryName string, inputs []*tensor.Buffer, reference Reference, tol Tolerance) (*Result, error) {
	outputShape, want, err := reference(inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "computing reference for %q", entryName)
	}
	output, err := tensor.New(outputShape)
	if err != nil {
		return nil, errors.WithMessagef(err, "allocating output for %q", entryName)
	}
	defer output.Finalize()
	if err := deploy.Invoke(module, entryName, inputs, output); err != nil {
		return nil, err
	}
	got, err := output.Float64s()
	if err != nil {
		return nil, err
	}
	r := Compare(got, want, outputShape, tol)
	klog.V(1).Infof("verify: %q %s", entryName, r)
	return r, nil
}
