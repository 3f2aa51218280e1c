// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

import (
	"reflect"
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestSizes(t *testing.T) {
	assert.Equal(t, 4, Float32.Size())
	assert.Equal(t, 1, Int8.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 2, BFloat16.Size())
	assert.Equal(t, 16, Complex128.Size())
	assert.Equal(t, 0, String.Size())
	assert.Equal(t, 0, InvalidDType.Size())
	assert.Equal(t, int(unsafe.Sizeof("")), String.GoElementSize())
	assert.Equal(t, 4, Int32.GoElementSize())
}

func TestGoTypes(t *testing.T) {
	assert.Equal(t, reflect.TypeOf(""), String.GoType())
	assert.Equal(t, reflect.TypeOf(float16.Float16(0)), Float16.GoType())
	assert.Equal(t, reflect.TypeOf(bfloat16.BFloat16(0)), BFloat16.GoType())
	assert.Nil(t, InvalidDType.GoType())

	assert.Equal(t, String, FromGenericsType[string]())
	assert.Equal(t, Float32, FromGenericsType[float32]())
	assert.Equal(t, BFloat16, FromGenericsType[bfloat16.BFloat16]())
	assert.Equal(t, Uint16, FromGoType(reflect.TypeOf(uint16(0))))
	assert.Equal(t, InvalidDType, FromGoType(reflect.TypeOf(struct{}{})))
}

func TestPJRT(t *testing.T) {
	for _, dtype := range Numeric {
		assert.True(t, dtype.IsFixedSize(), "%s", dtype)
		assert.Equal(t, dtype, FromPJRT(dtype.PJRT()))
	}
	assert.Equal(t, dtypes.InvalidDType, String.PJRT())
	assert.False(t, String.IsFixedSize())
	assert.True(t, String.Ok())
	assert.False(t, DType(12345).Ok())
}

func TestFlat(t *testing.T) {
	dtype, err := FromFlat([]string{"a"})
	require.NoError(t, err)
	assert.Equal(t, String, dtype)

	dtype, err = FromFlat([]int8{1, 2})
	require.NoError(t, err)
	assert.Equal(t, Int8, dtype)

	_, err = FromFlat(3)
	require.Error(t, err)
	_, err = FromFlat([]struct{}{})
	require.Error(t, err)

	flat := MakeFlat(Float64, 3)
	assert.Equal(t, []float64{0, 0, 0}, flat)
}

func TestMapOfNames(t *testing.T) {
	assert.Equal(t, String, MapOfNames["String"])
	assert.Equal(t, String, MapOfNames["string"])
	assert.Equal(t, Float32, MapOfNames[Float32.String()])
}
