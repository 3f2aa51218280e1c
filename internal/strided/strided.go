// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package strided copies values between flat Go slices in arbitrary strided layouts and the packed
// major-to-minor layout used on devices.
//
// Strides are given in bytes, relative to the Go memory of the flat slice: the element size is the Go size of
// one element (for strings, the size of the string header).
package strided

import (
	"reflect"
	"slices"

	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
)

// Layout of a flat slice: the strides, in elements, of each axis.
type Layout struct {
	Dimensions []int
	Strides    []int
}

// Packed returns the packed major-to-minor layout for the dimensions.
func Packed(dimensions []int) Layout {
	s := shapes.Shape{Dimensions: dimensions}
	return Layout{Dimensions: slices.Clone(dimensions), Strides: s.Strides()}
}

// IsPacked returns whether the layout is the packed major-to-minor one.
//
// Strides of axes with dimension 1 are ignored.
func (l Layout) IsPacked() bool {
	packed := Packed(l.Dimensions)
	for axis, dim := range l.Dimensions {
		if dim > 1 && l.Strides[axis] != packed.Strides[axis] {
			return false
		}
	}
	return true
}

// Span returns the number of elements needed to hold the layout: the largest offset plus one.
// It is 0 if any dimension is 0.
func (l Layout) Span() int {
	span := 1
	for axis, dim := range l.Dimensions {
		if dim == 0 {
			return 0
		}
		span += (dim - 1) * l.Strides[axis]
	}
	return span
}

// FromByteStrides converts and validates byte strides for a flat slice with flatLen elements of shape.DType.
//
// If byteStrides is nil, the packed layout is returned. Strides must be non-negative, multiples of the Go element
// size, and all addressed elements must be within flatLen: otherwise an InvalidArgument error is returned.
func FromByteStrides(shape shapes.Shape, byteStrides []int64, flatLen int) (Layout, error) {
	var layout Layout
	if byteStrides == nil {
		layout = Packed(shape.Dimensions)
	} else {
		if len(byteStrides) != shape.Rank() {
			return layout, status.InvalidArgumentf("got %d byte strides for shape %s of rank %d",
				len(byteStrides), shape, shape.Rank())
		}
		elementSize := int64(shape.DType.GoElementSize())
		if elementSize == 0 {
			return layout, status.InvalidArgumentf("invalid dtype %s for strided data", shape.DType)
		}
		layout.Dimensions = slices.Clone(shape.Dimensions)
		layout.Strides = make([]int, len(byteStrides))
		for axis, byteStride := range byteStrides {
			if byteStride < 0 || byteStride%elementSize != 0 {
				return layout, status.InvalidArgumentf(
					"byte stride %d for axis %d must be a non-negative multiple of the element size %d (dtype %s)",
					byteStride, axis, elementSize, shape.DType)
			}
			layout.Strides[axis] = int(byteStride / elementSize)
		}
	}
	if span := layout.Span(); span > flatLen {
		return layout, status.InvalidArgumentf("strided layout of shape %s (strides %v) needs %d elements, flat data has %d",
			shape, layout.Strides, span, flatLen)
	}
	return layout, nil
}

// Copy copies the elements of the box of dimensions boxDims from src (starting at srcOrigin) to dst (starting
// at dstOrigin), where src and dst are flat slices of the same type, described by their layouts.
//
// The caller must guarantee that the box fits in both layouts.
func Copy(dst any, dstLayout Layout, dstOrigin []int, src any, srcLayout Layout, srcOrigin []int, boxDims []int) {
	box := shapes.Shape{Dimensions: boxDims}
	if box.IsZeroSize() {
		return
	}
	dstValue, srcValue := reflect.ValueOf(dst), reflect.ValueOf(src)
	dstBase := offsetOf(dstLayout, dstOrigin)
	srcBase := offsetOf(srcLayout, srcOrigin)
	rank := len(boxDims)
	if rank == 0 {
		dstValue.Index(dstBase).Set(srcValue.Index(srcBase))
		return
	}

	// Copy contiguous runs along the last axis when both sides are contiguous there.
	innerLen := boxDims[rank-1]
	contiguous := dstLayout.Strides[rank-1] == 1 && srcLayout.Strides[rank-1] == 1
	outer := shapes.Shape{Dimensions: boxDims[:rank-1]}
	if outer.IsZeroSize() {
		return
	}
	for _, indices := range outer.Iter() {
		dstOffset, srcOffset := dstBase, srcBase
		for axis, idx := range indices {
			dstOffset += idx * dstLayout.Strides[axis]
			srcOffset += idx * srcLayout.Strides[axis]
		}
		if contiguous {
			reflect.Copy(dstValue.Slice(dstOffset, dstOffset+innerLen), srcValue.Slice(srcOffset, srcOffset+innerLen))
			continue
		}
		dstStride, srcStride := dstLayout.Strides[rank-1], srcLayout.Strides[rank-1]
		for ii := range innerLen {
			dstValue.Index(dstOffset + ii*dstStride).Set(srcValue.Index(srcOffset + ii*srcStride))
		}
	}
}

func offsetOf(layout Layout, origin []int) int {
	offset := 0
	for axis, idx := range origin {
		offset += idx * layout.Strides[axis]
	}
	return offset
}

// Gather copies src, in the given layout, to the packed slice dst.
func Gather(dst any, src any, srcLayout Layout) {
	if srcLayout.IsPacked() {
		reflect.Copy(reflect.ValueOf(dst), reflect.ValueOf(src))
		return
	}
	zeros := make([]int, len(srcLayout.Dimensions))
	Copy(dst, Packed(srcLayout.Dimensions), zeros, src, srcLayout, zeros, srcLayout.Dimensions)
}

// Scatter copies the packed slice src to dst, in the given layout.
func Scatter(dst any, dstLayout Layout, src any) {
	if dstLayout.IsPacked() {
		reflect.Copy(reflect.ValueOf(dst), reflect.ValueOf(src))
		return
	}
	zeros := make([]int, len(dstLayout.Dimensions))
	Copy(dst, dstLayout, zeros, src, Packed(dstLayout.Dimensions), zeros, dstLayout.Dimensions)
}
