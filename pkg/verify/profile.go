// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/gomlx/kerneldeploy/pkg/deploy"
	"github.com/pkg/errors"
)

// ProfileOptions configures Profile.
type ProfileOptions struct {
	// Warmup calls made before timing, to page in code and data.
	Warmup int

	// Iterations timed. At least 1.
	Iterations int

	// OnIteration, if set, is called after each timed call.
	OnIteration func(iteration int, elapsed time.Duration)

	// Counters are hardware performance counters collected around the timed calls only.
	// Counters the host can't collect are reported with an error, they don't fail Profile.
	Counters []Counter
}

// ProfileReport summarizes the timed calls.
type ProfileReport struct {
	Iterations     int
	Total          time.Duration
	Mean, Min, Max time.Duration

	// Counters in the order requested in ProfileOptions.Counters.
	Counters []CounterReading
}

// String implements fmt.Stringer.
func (r *ProfileReport) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d calls in %s: mean %s, min %s, max %s", r.Iterations, r.Total, r.Mean, r.Min, r.Max)
	for _, reading := range r.Counters {
		fmt.Fprintf(&sb, "\n  %s", reading)
	}
	return sb.String()
}

// Profile calls fn with args repeatedly and reports how long the calls took, and optionally
// the hardware performance counters over the calls.
// The first error from a call is returned.
func Profile(fn *deploy.Function, args []*tensor.Buffer, opts ProfileOptions) (*ProfileReport, error) {
	if opts.Iterations < 1 {
		return nil, errors.Errorf("verify.Profile: at least 1 iteration required, got %d", opts.Iterations)
	}
	for ii := range opts.Warmup {
		if err := fn.Call(args...); err != nil {
			return nil, errors.WithMessagef(err, "warmup call #%d", ii)
		}
	}
	var counters *counterSet
	if len(opts.Counters) > 0 {
		// perf events count the thread that opened them.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		counters = openCounterSet(opts.Counters)
		defer counters.close()
	}
	r := &ProfileReport{Iterations: opts.Iterations}
	for ii := range opts.Iterations {
		if counters != nil {
			counters.start()
		}
		start := time.Now()
		err := fn.Call(args...)
		elapsed := time.Since(start)
		if counters != nil {
			counters.stop()
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "profiled call #%d", ii)
		}
		r.Total += elapsed
		if ii == 0 || elapsed < r.Min {
			r.Min = elapsed
		}
		r.Max = max(r.Max, elapsed)
		if opts.OnIteration != nil {
			opts.OnIteration(ii, elapsed)
		}
	}
	r.Mean = r.Total / time.Duration(r.Iterations)
	if counters != nil {
		r.Counters = counters.readings(r.Iterations)
	}
	return r, nil
}
