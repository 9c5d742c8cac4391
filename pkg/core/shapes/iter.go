// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// Strides returns the strides for each axis of the shape, assuming a "row-major" layout
// in memory, the only layout compiled kernels accept.
//
// Notice the strides are **not in bytes**, but in indices.
func (s Shape) Strides() (strides []int) {
	rank := s.Rank()
	if rank == 0 {
		return
	}
	strides = make([]int, rank)
	currentStride := 1
	for axis := rank - 1; axis >= 0; axis-- {
		strides[axis] = currentStride
		currentStride *= s.Dimensions[axis]
	}
	return
}

// Position converts a flat (row-major) index into the indices for each axis.
//
// It returns an error if flatIdx is out of range for the shape.
func (s Shape) Position(flatIdx int) ([]int, error) {
	if flatIdx < 0 || flatIdx >= s.Size() {
		return nil, errors.Errorf("flat index %d out of range for shape %s (size %d)", flatIdx, s, s.Size())
	}
	indices := make([]int, s.Rank())
	for axis, stride := range s.Strides() {
		indices[axis] = flatIdx / stride
		flatIdx %= stride
	}
	return indices, nil
}

// FlatIndex converts the indices for each axis into a flat (row-major) index.
//
// It returns an error if the number of indices doesn't match the rank, or any index is out of range.
func (s Shape) FlatIndex(indices ...int) (int, error) {
	if len(indices) != s.Rank() {
		return 0, errors.Errorf("Shape.FlatIndex given %d indices, want it to be equal to the rank %d", len(indices), s.Rank())
	}
	flatIdx := 0
	for axis, stride := range s.Strides() {
		if indices[axis] < 0 || indices[axis] >= s.Dimensions[axis] {
			return 0, errors.Errorf("index %d out of range for axis %d of shape %s", indices[axis], axis, s)
		}
		flatIdx += indices[axis] * stride
	}
	return flatIdx, nil
}
