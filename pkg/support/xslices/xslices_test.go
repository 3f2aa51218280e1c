// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndices(t *testing.T) {
	assert.Equal(t, []int{3, 4, 5}, Iota(3, 3))
	assert.Equal(t, 24, Product([]int{2, 3, 4}))
	assert.Equal(t, 1, Product([]int(nil)))
	assert.True(t, IsPermutation([]int{1, 0, 2}))
	assert.False(t, IsPermutation([]int{1, 1}))
	assert.False(t, IsPermutation([]int{0, 2}))

	dims := []int{2, 3, 4}
	indices := make([]int, 3)
	for flat := range Product(dims) {
		Unflatten(flat, dims, indices)
		assert.Equal(t, flat, Flatten(indices, dims))
	}
	Unflatten(23, dims, indices)
	assert.Equal(t, []int{1, 2, 3}, indices)
}

func TestMapJoin(t *testing.T) {
	assert.Equal(t, []int{2, 4}, Map([]int{1, 2}, func(e int) int { return 2 * e }))
	assert.Equal(t, "1,2,3", Join([]int{1, 2, 3}, ","))
}
