// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package: mostly index arithmetic over
// dimensions and permutations.
package xslices

import (
	"fmt"
	"strings"
)

// Integer is the constraint of the integer types used as dimensions and indices.
type Integer interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Iota returns a slice of incremental int values, starting with start and of length len.
// Eg: Iota(3, 2) -> []int{3, 4}
func Iota[T Integer](start T, len int) (slice []T) {
	slice = make([]T, len)
	for ii := range slice {
		slice[ii] = start + T(ii)
	}
	return
}

// Map executes the given function sequentially for every element on in, and returns a mapped slice.
func Map[In, Out any](in []In, fn func(e In) Out) (out []Out) {
	out = make([]Out, len(in))
	for ii, e := range in {
		out[ii] = fn(e)
	}
	return
}

// Product returns the product of the values, 1 for an empty slice.
func Product[T Integer](values []T) T {
	product := T(1)
	for _, v := range values {
		product *= v
	}
	return product
}

// IsPermutation returns whether perm holds each value from 0 to len(perm)-1 exactly once.
func IsPermutation(perm []int) bool {
	seen := make([]bool, len(perm))
	for _, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return false
		}
		seen[p] = true
	}
	return true
}

// Unflatten converts a flat (row-major) index into per-axis indices for the given dimensions.
// The indices are written to the given slice, which must have len(dims) elements.
func Unflatten(flat int, dims []int, indices []int) {
	for axis := len(dims) - 1; axis >= 0; axis-- {
		indices[axis] = flat % dims[axis]
		flat /= dims[axis]
	}
}

// Flatten converts per-axis indices into a flat (row-major) index for the given dimensions.
func Flatten(indices []int, dims []int) int {
	flat := 0
	for axis, idx := range indices {
		flat = flat*dims[axis] + idx
	}
	return flat
}

// Join formats each value with "%v" and joins them with sep.
func Join[T any](values []T, sep string) string {
	parts := Map(values, func(v T) string { return fmt.Sprintf("%v", v) })
	return strings.Join(parts, sep)
}
