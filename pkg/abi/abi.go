// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package abi defines the calling convention between compiled kernels and the invoker.
//
// Every entry point takes an array of tensor descriptors (KDTensor, see kd_tensor.h) with the inputs
// first, in declared order, followed by the pre-allocated output, and returns a Status.
// The same header is embedded in the generated kernel sources (package compiler) and included by the
// cgo code that calls them (package deploy), so both sides always agree on the layout.
package abi

import (
	_ "embed"
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
)

// Header is the C header with the KDTensor descriptor and status codes.
//
//go:embed kd_tensor.h
var Header string

// HeaderFile is the name of the header file, for generated sources that include it.
const HeaderFile = "kd_tensor.h"

// DeviceCPU is the only device type supported: host memory.
const DeviceCPU = 1

// TypeCode is the DLPack type code of a dtype.
type TypeCode uint8

const (
	CodeInt   TypeCode = 0
	CodeUInt  TypeCode = 1
	CodeFloat TypeCode = 2
)

// DataType is the (code, bits, lanes) triple describing an element type across the boundary.
type DataType struct {
	Code  TypeCode
	Bits  uint8
	Lanes uint16
}

// DataTypeOf returns the descriptor data type for dtype.
// It returns false for dtypes that can't cross the invocation boundary.
func DataTypeOf(dtype dtypes.DType) (DataType, bool) {
	switch dtype {
	case dtypes.Float16:
		return DataType{Code: CodeFloat, Bits: 16, Lanes: 1}, true
	case dtypes.Float32:
		return DataType{Code: CodeFloat, Bits: 32, Lanes: 1}, true
	case dtypes.Float64:
		return DataType{Code: CodeFloat, Bits: 64, Lanes: 1}, true
	case dtypes.Int32:
		return DataType{Code: CodeInt, Bits: 32, Lanes: 1}, true
	case dtypes.Int64:
		return DataType{Code: CodeInt, Bits: 64, Lanes: 1}, true
	}
	return DataType{}, false
}

// CType returns the C element type used by generated kernels for dtype.
// Float16 has no portable C type, so kernels are not generated for it.
func CType(dtype dtypes.DType) (string, bool) {
	switch dtype {
	case dtypes.Float32:
		return "float", true
	case dtypes.Float64:
		return "double", true
	case dtypes.Int32:
		return "int32_t", true
	case dtypes.Int64:
		return "int64_t", true
	}
	return "", false
}

// Status is the value returned by a kernel entry point. Zero means success.
type Status int32

const (
	StatusOK Status = iota
	StatusNumArgs
	StatusDevice
	StatusDType
	StatusRank
	StatusShape
	StatusLayout
	StatusNullData
	StatusAliasedOutput
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNumArgs:
		return "wrong number of arguments"
	case StatusDevice:
		return "argument not in host memory"
	case StatusDType:
		return "argument dtype mismatch"
	case StatusRank:
		return "argument rank mismatch"
	case StatusShape:
		return "argument shape mismatch"
	case StatusLayout:
		return "argument not compact row-major"
	case StatusNullData:
		return "argument has no data"
	case StatusAliasedOutput:
		return "output overlaps an input"
	}
	return fmt.Sprintf("unknown status %d", int32(s))
}
