// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package verify

import (
	"encoding/binary"
	"math/bits"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var perfConfigs = map[Counter]uint64{
	Cycles:                unix.PERF_COUNT_HW_CPU_CYCLES,
	StalledCyclesFrontend: unix.PERF_COUNT_HW_STALLED_CYCLES_FRONTEND,
	StalledCyclesBackend:  unix.PERF_COUNT_HW_STALLED_CYCLES_BACKEND,
	Instructions:          unix.PERF_COUNT_HW_INSTRUCTIONS,
	CacheMisses:           unix.PERF_COUNT_HW_CACHE_MISSES,
}

// perfCounter is a Linux perf event counting user space events of the calling thread, on any CPU.
type perfCounter struct {
	counter Counter
	fd      int
	err     error
}

func openPerfCounter(c Counter) (*perfCounter, error) {
	config, found := perfConfigs[c]
	if !found {
		return nil, errors.Wrapf(ErrCountersUnsupported, "unknown counter %s", c)
	}
	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_HARDWARE,
		Config:      config,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
		Bits:        unix.PerfBitDisabled | unix.PerfBitExcludeKernel | unix.PerfBitExcludeHv,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))
	fd, err := unix.PerfEventOpen(&attr, 0, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, errors.Wrapf(ErrCountersUnsupported, "perf_event_open(%s): %v", c, err)
	}
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		_ = unix.Close(fd)
		return nil, errors.Wrapf(ErrCountersUnsupported, "resetting %s: %v", c, err)
	}
	return &perfCounter{counter: c, fd: fd}, nil
}

func (pc *perfCounter) enable() error {
	if err := unix.IoctlSetInt(pc.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return errors.Wrapf(ErrCountersUnsupported, "enabling %s: %v", pc.counter, err)
	}
	return nil
}

func (pc *perfCounter) disable() error {
	if err := unix.IoctlSetInt(pc.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return errors.Wrapf(ErrCountersUnsupported, "disabling %s: %v", pc.counter, err)
	}
	return nil
}

// read the counter value, scaled by enabled/running time if the kernel multiplexed it with other events.
func (pc *perfCounter) read() (uint64, error) {
	var buf [24]byte
	n, err := unix.Read(pc.fd, buf[:])
	if err != nil || n != len(buf) {
		return 0, errors.Wrapf(ErrCountersUnsupported, "reading %s: read %d bytes, %v", pc.counter, n, err)
	}
	value := binary.NativeEndian.Uint64(buf[0:8])
	enabled := binary.NativeEndian.Uint64(buf[8:16])
	running := binary.NativeEndian.Uint64(buf[16:24])
	if running == 0 {
		if enabled > 0 {
			return 0, errors.Wrapf(ErrCountersUnsupported, "%s never scheduled on the PMU", pc.counter)
		}
		return value, nil
	}
	if running < enabled {
		hi, lo := bits.Mul64(value, enabled)
		value, _ = bits.Div64(hi, lo, running)
	}
	return value, nil
}

func (pc *perfCounter) close() {
	if pc.fd > 0 {
		_ = unix.Close(pc.fd)
		pc.fd = -1
	}
}
