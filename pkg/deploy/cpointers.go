// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package deploy

// This file includes the `cgo` tools used to build the arguments of a call in the C heap.

/*
#cgo CFLAGS: -I${SRCDIR}/../abi
#cgo linux LDFLAGS: -ldl
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"reflect"
	"unsafe"
)

// sizeOf returns the size of the given type in bytes, including padding.
func sizeOf[T any]() C.size_t {
	var ptr *T
	return C.size_t(reflect.TypeOf(ptr).Elem().Size())
}

// mallocArray allocates space to hold n copies of T in the C heap and initializes it to zero.
// It must be manually freed with cFree.
func mallocArray[T any](n int) *T {
	size := sizeOf[T]() * C.size_t(n)
	ptr := C.malloc(size)
	if ptr == nil {
		panic("deploy: C heap allocation failed")
	}
	C.memset(ptr, 0, size)
	return (*T)(ptr)
}

// mallocArrayAndSet allocates space to hold n copies of T in the C heap, and set each element `i` with the
// result of `setFn(i)`.
func mallocArrayAndSet[T any](n int, setFn func(i int) T) *T {
	ptr := mallocArray[T](n)
	slice := unsafe.Slice(ptr, n)
	for ii := range slice {
		slice[ii] = setFn(ii)
	}
	return ptr
}

func cFree[T any](ptr *T) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

// cString returns a C copy of s, to be freed with cFree.
func cString(s string) *C.char {
	return C.CString(s)
}

// strFree converts the allocated C string (char *) to a Go `string` and frees the C string immediately.
func strFree(cstr *C.char) string {
	if cstr == nil {
		return ""
	}
	str := C.GoString(cstr)
	C.free(unsafe.Pointer(cstr))
	return str
}
