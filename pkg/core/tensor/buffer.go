// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensor implements Buffer, the shaped and typed block of host memory exchanged with compiled kernels.
//
// The storage of a Buffer is allocated in the C heap, 64-byte aligned (the DLPack alignment requirement),
// so its address is stable and can be handed to a kernel without pinning Go memory.
// A Buffer is never resized: Reshape returns a new Buffer.
//
// Buffers should be released with Finalize once no longer needed. If not, the storage is released
// when the Buffer is garbage collected.
package tensor

/*
#include <stdlib.h>
#include <string.h>

static void* kd_aligned_alloc(size_t alignment, size_t size) {
  void* ptr = NULL;
  if (posix_memalign(&ptr, alignment, size) != 0) {
    return NULL;
  }
  memset(ptr, 0, size);
  return ptr;
}
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kerneldeploy/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Alignment in bytes of the storage of every Buffer.
const Alignment = 64

// DeviceType where the buffer storage lives. Numbered as in DLPack.
type DeviceType int32

const (
	// CPU is host memory, the only device type supported.
	CPU DeviceType = 1
)

// Device identifies where a buffer lives.
type Device struct {
	Type DeviceType
	ID   int
}

// HostDevice returns the device tag for host memory.
func HostDevice() Device { return Device{Type: CPU} }

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Type == CPU {
		return fmt.Sprintf("cpu:%d", d.ID)
	}
	return fmt.Sprintf("device(%d):%d", d.Type, d.ID)
}

// Element enumerates the Go types that can be used to access the storage of a Buffer.
type Element interface {
	float32 | float64 | int32 | int64 | float16.Float16
}

// DTypeFor returns the dtype matching the Go type T.
func DTypeFor[T Element]() dtypes.DType {
	var t T
	switch any(t).(type) {
	case float32:
		return dtypes.Float32
	case float64:
		return dtypes.Float64
	case int32:
		return dtypes.Int32
	case int64:
		return dtypes.Int64
	case float16.Float16:
		return dtypes.Float16
	}
	return dtypes.InvalidDType
}

// IsSupported returns whether buffers can be created with the given dtype.
func IsSupported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Int32, dtypes.Int64, dtypes.Float16:
		return true
	}
	return false
}

// storage owns the C memory. It's kept separate from the Buffer so the GC cleanup can release it
// without referencing the Buffer itself.
type storage struct {
	mu  sync.Mutex
	ptr unsafe.Pointer
}

func (s *storage) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptr == nil {
		return
	}
	C.free(s.ptr)
	s.ptr = nil
}

// Buffer is a shaped, typed, contiguous (row-major) block of host memory.
//
// It is exclusively owned by whoever allocated it: kernels read the inputs and write the output storage in place.
type Buffer struct {
	shape  shapes.Shape
	device Device
	mem    *storage
}

// New allocates a zero-initialized Buffer with the given shape on the host.
func New(shape shapes.Shape) (*Buffer, error) {
	if err := shape.Check(); err != nil {
		return nil, err
	}
	if !IsSupported(shape.DType) {
		return nil, errors.Errorf("tensor.New(%s): dtype %s not supported", shape, shape.DType)
	}
	memory := shape.Memory()
	ptr := C.kd_aligned_alloc(C.size_t(Alignment), C.size_t(memory))
	if ptr == nil {
		return nil, errors.Errorf("tensor.New(%s): failed to allocate %d bytes", shape, memory)
	}
	b := &Buffer{
		shape:  shape.Clone(),
		device: HostDevice(),
		mem:    &storage{ptr: ptr},
	}
	runtime.AddCleanup(b, func(mem *storage) {
		if mem.ptr != nil {
			klog.V(2).Infof("tensor.Buffer garbage collected without Finalize, releasing its storage")
		}
		mem.free()
	}, b.mem)
	return b, nil
}

// NewOnDevice allocates a Buffer on the given device. Only the host device is supported.
func NewOnDevice(shape shapes.Shape, device Device) (*Buffer, error) {
	if device.Type != CPU || device.ID != 0 {
		return nil, errors.Errorf("tensor.NewOnDevice(%s): device %s not supported, only host memory (%s)",
			shape, device, HostDevice())
	}
	return New(shape)
}

// FromFlat returns a Buffer with a copy of flat, shaped with the given dimensions.
// If no dimensions are given, flat is taken as a 1D tensor. Use FromScalar for scalars.
func FromFlat[T Element](flat []T, dimensions ...int) (*Buffer, error) {
	if len(dimensions) == 0 {
		dimensions = []int{len(flat)}
	}
	shape := shapes.Shape{DType: DTypeFor[T](), Dimensions: dimensions}
	if err := shape.Check(); err != nil {
		return nil, err
	}
	if shape.Size() != len(flat) {
		return nil, errors.Errorf("tensor.FromFlat: %d values given for shape %s of size %d", len(flat), shape, shape.Size())
	}
	b, err := New(shape)
	if err != nil {
		return nil, err
	}
	copy(unsafe.Slice((*T)(b.mem.ptr), len(flat)), flat)
	return b, nil
}

// FromScalar returns a rank-0 Buffer holding value.
func FromScalar[T Element](value T) (*Buffer, error) {
	b, err := New(shapes.Shape{DType: DTypeFor[T]()})
	if err != nil {
		return nil, err
	}
	*(*T)(b.mem.ptr) = value
	return b, nil
}

// Shape of the buffer. The returned shape is a copy.
func (b *Buffer) Shape() shapes.Shape { return b.shape.Clone() }

// DType of the elements of the buffer.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Device where the buffer lives.
func (b *Buffer) Device() Device { return b.device }

// Size is the number of elements in the buffer.
func (b *Buffer) Size() int { return b.shape.Size() }

// Memory is the size of the storage in bytes. It's always Size() times the size of an element.
func (b *Buffer) Memory() uintptr { return b.shape.Memory() }

// IsFinalized returns true if the buffer storage has already been released.
func (b *Buffer) IsFinalized() bool {
	return b == nil || b.mem == nil || b.mem.ptr == nil
}

// AssertValid panics if the buffer has been finalized.
func (b *Buffer) AssertValid() {
	if b.IsFinalized() {
		panic(errors.New("tensor.Buffer already finalized, its storage was released"))
	}
}

// Finalize releases the storage immediately. The buffer can't be used afterwards.
// It's safe to call it more than once.
func (b *Buffer) Finalize() {
	if b == nil || b.mem == nil {
		return
	}
	b.mem.free()
}

// UnsafePointer returns the address of the storage, to be handed to compiled kernels.
// It returns nil if the buffer was finalized.
//
// The caller must keep the Buffer alive (runtime.KeepAlive) while the pointer is in use.
func (b *Buffer) UnsafePointer() unsafe.Pointer {
	if b.IsFinalized() {
		return nil
	}
	return b.mem.ptr
}

// Bytes returns a view of the raw storage. It's only valid until the buffer is finalized.
func (b *Buffer) Bytes() []byte {
	b.AssertValid()
	return unsafe.Slice((*byte)(b.mem.ptr), int(b.Memory()))
}

// Flat returns a typed view of the storage of b. Changes to the slice change the buffer.
// It's only valid until the buffer is finalized.
//
// It returns an error if T doesn't match the buffer dtype.
func Flat[T Element](b *Buffer) ([]T, error) {
	if b.IsFinalized() {
		return nil, errors.New("tensor.Flat: buffer already finalized")
	}
	if dtype := DTypeFor[T](); dtype != b.DType() {
		return nil, errors.Errorf("tensor.Flat[%s]: buffer has dtype %s", dtype, b.DType())
	}
	return unsafe.Slice((*T)(b.mem.ptr), b.Size()), nil
}

// CopyFlat returns a copy of the contents of b as a flat slice of T.
func CopyFlat[T Element](b *Buffer) ([]T, error) {
	view, err := Flat[T](b)
	if err != nil {
		return nil, err
	}
	return append([]T(nil), view...), nil
}

// Float64s returns the contents of b converted to float64, whatever its dtype.
// Used to compare results of kernels of different dtypes against a common reference.
func (b *Buffer) Float64s() ([]float64, error) {
	if b.IsFinalized() {
		return nil, errors.New("Buffer.Float64s: buffer already finalized")
	}
	out := make([]float64, b.Size())
	switch b.DType() {
	case dtypes.Float32:
		convertTo(out, unsafe.Slice((*float32)(b.mem.ptr), b.Size()))
	case dtypes.Float64:
		copy(out, unsafe.Slice((*float64)(b.mem.ptr), b.Size()))
	case dtypes.Int32:
		convertTo(out, unsafe.Slice((*int32)(b.mem.ptr), b.Size()))
	case dtypes.Int64:
		convertTo(out, unsafe.Slice((*int64)(b.mem.ptr), b.Size()))
	case dtypes.Float16:
		for i, v := range unsafe.Slice((*float16.Float16)(b.mem.ptr), b.Size()) {
			out[i] = float64(v.Float32())
		}
	default:
		return nil, errors.Errorf("Buffer.Float64s: dtype %s not supported", b.DType())
	}
	return out, nil
}

// SetFloat64s overwrites the contents of b with values, converted to the buffer dtype.
// Integer dtypes truncate towards zero.
func (b *Buffer) SetFloat64s(values []float64) error {
	if b.IsFinalized() {
		return errors.New("Buffer.SetFloat64s: buffer already finalized")
	}
	if len(values) != b.Size() {
		return errors.Errorf("Buffer.SetFloat64s: %d values given for buffer shaped %s", len(values), b.shape)
	}
	switch b.DType() {
	case dtypes.Float32:
		convertTo(unsafe.Slice((*float32)(b.mem.ptr), b.Size()), values)
	case dtypes.Float64:
		copy(unsafe.Slice((*float64)(b.mem.ptr), b.Size()), values)
	case dtypes.Int32:
		convertTo(unsafe.Slice((*int32)(b.mem.ptr), b.Size()), values)
	case dtypes.Int64:
		convertTo(unsafe.Slice((*int64)(b.mem.ptr), b.Size()), values)
	case dtypes.Float16:
		flat := unsafe.Slice((*float16.Float16)(b.mem.ptr), b.Size())
		for i, v := range values {
			flat[i] = float16.Fromfloat32(float32(v))
		}
	default:
		return errors.Errorf("Buffer.SetFloat64s: dtype %s not supported", b.DType())
	}
	return nil
}

type realNumber interface {
	float32 | float64 | int32 | int64
}

func convertTo[To, From realNumber](to []To, from []From) {
	for i, v := range from {
		to[i] = To(v)
	}
}

// Reshape returns a new Buffer with a copy of the contents of b and the given dimensions.
// The total size must be the same. b itself is never modified.
func (b *Buffer) Reshape(dimensions ...int) (*Buffer, error) {
	if b.IsFinalized() {
		return nil, errors.New("Buffer.Reshape: buffer already finalized")
	}
	newShape := shapes.Shape{DType: b.DType(), Dimensions: dimensions}
	if err := newShape.Check(); err != nil {
		return nil, err
	}
	if newShape.Size() != b.Size() {
		return nil, errors.Errorf("Buffer.Reshape: cannot reshape %s to %s, sizes differ", b.shape, newShape)
	}
	newB, err := New(newShape)
	if err != nil {
		return nil, err
	}
	copy(newB.Bytes(), b.Bytes())
	return newB, nil
}

// CopyFrom copies the contents of src into b. Shapes must be equal.
func (b *Buffer) CopyFrom(src *Buffer) error {
	if b.IsFinalized() || src.IsFinalized() {
		return errors.New("Buffer.CopyFrom: buffer already finalized")
	}
	if !b.shape.Equal(src.shape) {
		return errors.Errorf("Buffer.CopyFrom: source shaped %s, destination shaped %s", src.shape, b.shape)
	}
	copy(b.Bytes(), src.Bytes())
	return nil
}

// String implements fmt.Stringer. It doesn't print the contents.
func (b *Buffer) String() string {
	if b.IsFinalized() {
		return fmt.Sprintf("Buffer%s(finalized)", b.shape)
	}
	return fmt.Sprintf("Buffer%s@%s", b.shape, b.device)
}
