// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package strided

import (
	"testing"

	"github.com/gomlx/ifrt/pkg/core/dtypes"
	"github.com/gomlx/ifrt/pkg/core/shapes"
	"github.com/gomlx/ifrt/pkg/core/status"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromByteStrides(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	layout := must.M1(FromByteStrides(shape, nil, 6))
	assert.Equal(t, []int{3, 1}, layout.Strides)
	assert.True(t, layout.IsPacked())
	assert.Equal(t, 6, layout.Span())

	layout = must.M1(FromByteStrides(shape, []int64{4, 8}, 6))
	assert.Equal(t, []int{1, 2}, layout.Strides)
	assert.False(t, layout.IsPacked())

	// Broadcast (stride 0) is allowed.
	layout = must.M1(FromByteStrides(shape, []int64{0, 4}, 3))
	assert.Equal(t, 3, layout.Span())

	for name, strides := range map[string][]int64{
		"negative":      {-4, 8},
		"not multiple":  {4, 6},
		"wrong rank":    {4},
		"out of bounds": {4, 16},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := FromByteStrides(shape, strides, 6)
			require.True(t, status.IsInvalidArgument(err), "got %v", err)
		})
	}
	_, err := FromByteStrides(shape, nil, 5)
	require.True(t, status.IsInvalidArgument(err))

	// Zero-sized shapes need no data.
	_ = must.M1(FromByteStrides(shapes.Make(dtypes.Float32, 0, 3), []int64{100, 4}, 0))
}

func TestGatherScatter(t *testing.T) {
	shape := shapes.Make(dtypes.Int32, 2, 3)
	// Column-major (minor-to-major) layout of the packed values {0, 1, 2, 3, 4, 5}.
	columnMajor := []int32{0, 3, 1, 4, 2, 5}
	layout := must.M1(FromByteStrides(shape, []int64{4, 8}, 6))

	packed := make([]int32, 6)
	Gather(packed, columnMajor, layout)
	assert.Equal(t, []int32{0, 1, 2, 3, 4, 5}, packed)

	back := make([]int32, 6)
	Scatter(back, layout, packed)
	assert.Equal(t, columnMajor, back)

	// Reading packed data with explicit strides transposes it.
	transposed := make([]int32, 6)
	Scatter(transposed, layout, []int32{0, 1, 2, 3, 4, 5})
	assert.Equal(t, []int32{0, 3, 1, 4, 2, 5}, transposed)
}

func TestGatherStrings(t *testing.T) {
	shape := shapes.Make(dtypes.String, 2, 2)
	elementSize := int64(dtypes.String.GoElementSize())
	layout := must.M1(FromByteStrides(shape, []int64{elementSize, 2 * elementSize}, 4))
	packed := make([]string, 4)
	Gather(packed, []string{"a", "c", "b", "d"}, layout)
	assert.Equal(t, []string{"a", "b", "c", "d"}, packed)
}

func TestCopyBox(t *testing.T) {
	// Extract the [1:3, 1:3] box of a 3x4 packed array.
	src := []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	}
	dst := make([]float64, 4)
	Copy(dst, Packed([]int{2, 2}), []int{0, 0}, src, Packed([]int{3, 4}), []int{1, 1}, []int{2, 2})
	assert.Equal(t, []float64{5, 6, 9, 10}, dst)

	// And write it back elsewhere.
	out := make([]float64, 12)
	Copy(out, Packed([]int{3, 4}), []int{0, 2}, dst, Packed([]int{2, 2}), []int{0, 0}, []int{2, 2})
	assert.Equal(t, []float64{
		0, 0, 5, 6,
		0, 0, 9, 10,
		0, 0, 0, 0,
	}, out)

	// Scalars.
	scalar := []bool{false}
	Copy(scalar, Packed(nil), nil, []bool{true}, Packed(nil), nil, nil)
	assert.True(t, scalar[0])
}
