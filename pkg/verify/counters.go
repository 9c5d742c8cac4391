// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Counter is a hardware performance counter collected while profiling, named as in `perf list`.
type Counter int

const (
	Cycles Counter = iota
	StalledCyclesFrontend
	StalledCyclesBackend
	Instructions
	CacheMisses
)

// DefaultCounters are the counters collected by default: all of them.
var DefaultCounters = []Counter{Cycles, StalledCyclesFrontend, StalledCyclesBackend, Instructions, CacheMisses}

var counterNames = map[Counter]string{
	Cycles:                "CYCLES",
	StalledCyclesFrontend: "STALLED-CYCLES-FRONTEND",
	StalledCyclesBackend:  "STALLED-CYCLES-BACKEND",
	Instructions:          "INSTRUCTIONS",
	CacheMisses:           "CACHE-MISSES",
}

// String implements fmt.Stringer.
func (c Counter) String() string {
	if name, found := counterNames[c]; found {
		return name
	}
	return fmt.Sprintf("Counter(%d)", int(c))
}

// ErrCountersUnsupported is returned (wrapped) for counters the host can't collect: not Linux, no PMU
// (e.g. some virtual machines), or perf events restricted by kernel.perf_event_paranoid.
var ErrCountersUnsupported = errors.New("hardware performance counters not supported")

// ParseCounters parses a comma-separated list of counter names, case-insensitive, with or without the
// "perf::" prefix. "all" selects DefaultCounters and "" none.
func ParseCounters(list string) ([]Counter, error) {
	list = strings.TrimSpace(list)
	if list == "" {
		return nil, nil
	}
	if strings.EqualFold(list, "all") {
		return DefaultCounters, nil
	}
	var counters []Counter
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "PERF::")
		found := false
		for _, c := range DefaultCounters {
			if counterNames[c] == name {
				counters = append(counters, c)
				found = true
				break
			}
		}
		if !found {
			return nil, errors.Errorf("unknown counter %q, valid counters are %s", name, DefaultCounters)
		}
	}
	return counters, nil
}

// CounterReading is the value of one counter over all the profiled calls.
type CounterReading struct {
	Counter Counter

	// Total over all profiled calls, and PerCall average. Scaled if the kernel multiplexed the counter.
	Total   uint64
	PerCall float64

	// Err is set, wrapping ErrCountersUnsupported, if the counter couldn't be collected.
	Err error
}

// String implements fmt.Stringer.
func (r CounterReading) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: unsupported: %v", r.Counter, r.Err)
	}
	return fmt.Sprintf("%s: %d (%.1f per call)", r.Counter, r.Total, r.PerCall)
}

// counterSet collects counters for the calling thread. Counters that can't be opened are kept with an error.
type counterSet struct {
	counters []*perfCounter
}

func openCounterSet(counters []Counter) *counterSet {
	s := &counterSet{}
	for _, c := range counters {
		pc, err := openPerfCounter(c)
		if err != nil {
			pc = &perfCounter{counter: c, err: err}
		}
		s.counters = append(s.counters, pc)
	}
	return s
}

// start counting, for counters still healthy.
func (s *counterSet) start() {
	for _, pc := range s.counters {
		if pc.err == nil {
			pc.err = pc.enable()
		}
	}
}

func (s *counterSet) stop() {
	for _, pc := range s.counters {
		if pc.err == nil {
			pc.err = pc.disable()
		}
	}
}

// readings returns the totals, averaged over iterations.
func (s *counterSet) readings(iterations int) []CounterReading {
	readings := make([]CounterReading, 0, len(s.counters))
	for _, pc := range s.counters {
		r := CounterReading{Counter: pc.counter, Err: pc.err}
		if r.Err == nil {
			r.Total, r.Err = pc.read()
			r.PerCall = float64(r.Total) / float64(iterations)
		}
		readings = append(readings, r)
	}
	return readings
}

func (s *counterSet) close() {
	for _, pc := range s.counters {
		pc.close()
	}
}
