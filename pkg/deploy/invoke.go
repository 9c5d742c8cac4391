// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy

/*
#include "kd_tensor.h"

static int32_t kd_call(void* fn, KDTensor* args, int32_t num_args) {
  return ((KDKernelFn)fn)(args, num_args);
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/gomlx/kerneldeploy/pkg/abi"
	"github.com/gomlx/kerneldeploy/pkg/core/tensor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Function is a resolved entry point of a Module.
type Function struct {
	module *Module
	name   string
	ptr    unsafe.Pointer
}

// Name of the entry point.
func (f *Function) Name() string { return f.name }

// Module the function belongs to.
func (f *Function) Module() *Module { return f.module }

// Pointer returns the address of the entry point, e.g. to register it in a Registry.
// It's only valid while the module is not finalized.
func (f *Function) Pointer() unsafe.Pointer { return f.ptr }

// String implements fmt.Stringer.
func (f *Function) String() string { return fmt.Sprintf("Function(%q in %q)", f.name, f.module.path) }

// Call invokes the entry point with the given buffers: the inputs in declared order followed by the output.
//
// The kernel writes the output in place. The invoker itself doesn't check shapes: the kernel validates its
// arguments and a rejection (non-zero status) is returned as an ErrInvocation, with the output left untouched.
// Calling a function of a finalized module, or passing finalized buffers, also returns an ErrInvocation.
//
// Concurrent calls are safe as long as they use disjoint output buffers.
func (f *Function) Call(args ...*tensor.Buffer) error {
	m := f.module
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.finalized {
		return errors.Wrapf(ErrInvocation, "%s: module already finalized", f)
	}
	for ii, arg := range args {
		if arg == nil {
			return errors.Wrapf(ErrInvocation, "%s: argument #%d is nil", f, ii)
		}
		if arg.IsFinalized() {
			return errors.Wrapf(ErrInvocation, "%s: argument #%d already finalized", f, ii)
		}
		if arg.Device().Type != tensor.CPU {
			return errors.Wrapf(ErrInvocation, "%s: argument #%d is on device %s, only host memory is supported",
				f, ii, arg.Device())
		}
	}

	descriptors, release, err := newDescriptors(args)
	if err != nil {
		return errors.Wrapf(ErrInvocation, "%s: %v", f, err)
	}
	defer release()
	status := abi.Status(C.kd_call(f.ptr, descriptors, C.int32_t(len(args))))
	runtime.KeepAlive(args)
	if status != abi.StatusOK {
		return errors.Wrapf(ErrInvocation, "%s rejected its arguments %v: %s", f, args, status)
	}
	klog.V(3).Infof("deploy: called %s", f)
	return nil
}

// newDescriptors builds the C array of tensor descriptors for args. release frees it.
func newDescriptors(args []*tensor.Buffer) (descriptors *C.KDTensor, release func(), err error) {
	n := len(args)
	shapes := make([]*C.int64_t, n)
	release = func() {
		for _, s := range shapes {
			cFree(s)
		}
		cFree(descriptors)
	}
	for ii, arg := range args {
		if _, ok := abi.DataTypeOf(arg.DType()); !ok {
			release()
			return nil, nil, errors.Errorf("argument #%d has dtype %s, which can't be passed to kernels", ii, arg.DType())
		}
		dims := arg.Shape().Dimensions
		if len(dims) > 0 {
			shapes[ii] = mallocArrayAndSet[C.int64_t](len(dims), func(i int) C.int64_t { return C.int64_t(dims[i]) })
		}
	}
	descriptors = mallocArrayAndSet[C.KDTensor](n, func(ii int) C.KDTensor {
		arg := args[ii]
		dataType, _ := abi.DataTypeOf(arg.DType())
		return C.KDTensor{
			data:        arg.UnsafePointer(),
			device_type: C.int32_t(arg.Device().Type),
			device_id:   C.int32_t(arg.Device().ID),
			ndim:        C.int32_t(arg.Shape().Rank()),
			dtype: C.KDDataType{
				code:  C.uint8_t(dataType.Code),
				bits:  C.uint8_t(dataType.Bits),
				lanes: C.uint16_t(dataType.Lanes),
			},
			shape: shapes[ii],
		}
	})
	return descriptors, release, nil
}

// Invoke resolves entryName in module and calls it with the inputs followed by the output.
// See Function.Call.
func Invoke(module *Module, entryName string, inputs []*tensor.Buffer, output *tensor.Buffer) error {
	fn, err := module.GetFunction(entryName)
	if err != nil {
		return err
	}
	args := make([]*tensor.Buffer, 0, len(inputs)+1)
	args = append(args, inputs...)
	args = append(args, output)
	return fn.Call(args...)
}
