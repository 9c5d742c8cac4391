// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

//go:build !linux

package verify

import (
	"runtime"

	"github.com/pkg/errors"
)

type perfCounter struct {
	counter Counter
	err     error
}

func openPerfCounter(c Counter) (*perfCounter, error) {
	return nil, errors.Wrapf(ErrCountersUnsupported, "%s: not available on %s", c, runtime.GOOS)
}

func (pc *perfCounter) enable() error         { return pc.err }
func (pc *perfCounter) disable() error        { return pc.err }
func (pc *perfCounter) read() (uint64, error) { return 0, pc.err }
func (pc *perfCounter) close()                {}
