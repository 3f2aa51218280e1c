// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes defines the DType enum of the element types an Array can hold.
//
// The fixed-size numeric kinds map 1:1 to github.com/gomlx/gopjrt/dtypes, and reuse its Go type mappings
// and byte sizes. On top of those it adds String, a variable-length kind whose host representation is
// a Go `[]string`: it has no fixed byte width and is copied element-wise (never blitted).
//
// Go float16 support uses github.com/x448/float16 and bfloat16 uses github.com/gomlx/gopjrt/dtypes/bfloat16.
package dtypes

import (
	"reflect"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType enumerates the element kinds of an Array.
//
// The numeric values match github.com/gomlx/gopjrt/dtypes, so a numeric DType converts losslessly with PJRT.
type DType int32

const (
	InvalidDType = DType(dtypes.InvalidDType)
	Bool         = DType(dtypes.Bool)
	Int8         = DType(dtypes.Int8)
	Int16        = DType(dtypes.Int16)
	Int32        = DType(dtypes.Int32)
	Int64        = DType(dtypes.Int64)
	Uint8        = DType(dtypes.Uint8)
	Uint16       = DType(dtypes.Uint16)
	Uint32       = DType(dtypes.Uint32)
	Uint64       = DType(dtypes.Uint64)
	Float16      = DType(dtypes.Float16)
	Float32      = DType(dtypes.Float32)
	Float64      = DType(dtypes.Float64)
	BFloat16     = DType(dtypes.BFloat16)
	Complex64    = DType(dtypes.Complex64)
	Complex128   = DType(dtypes.Complex128)

	// String holds variable-length byte strings. It has no PJRT counterpart.
	String DType = 1 << 10
)

// Numeric lists the fixed-size kinds, in enum order.
var Numeric = []DType{
	Bool, Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64,
	Float16, Float32, Float64, BFloat16, Complex64, Complex128,
}

// Supported is the constraint of Go types that can be used as elements of host buffers.
type Supported interface {
	dtypes.Supported | string
}

var (
	stringType   = reflect.TypeOf("")
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
)

// MapOfNames maps the names (and lower-case names) of the dtypes to their values.
var MapOfNames = map[string]DType{}

func init() {
	for _, dtype := range append(Numeric, String) {
		name := dtype.String()
		MapOfNames[name] = dtype
		MapOfNames[strings.ToLower(name)] = dtype
	}
}

// IsString returns whether dtype is the variable-length String kind.
func (dtype DType) IsString() bool { return dtype == String }

// IsFixedSize returns whether elements of dtype have a known byte width.
func (dtype DType) IsFixedSize() bool {
	return dtype != InvalidDType && dtype != String
}

// Ok returns whether dtype is one of the known kinds.
func (dtype DType) Ok() bool {
	if dtype == String {
		return true
	}
	for _, numeric := range Numeric {
		if dtype == numeric {
			return true
		}
	}
	return false
}

// PJRT returns the corresponding gopjrt DType, or dtypes.InvalidDType for String.
func (dtype DType) PJRT() dtypes.DType {
	if !dtype.IsFixedSize() {
		return dtypes.InvalidDType
	}
	return dtypes.DType(dtype)
}

// FromPJRT converts a gopjrt DType.
func FromPJRT(dtype dtypes.DType) DType {
	return DType(dtype)
}

// Size returns the number of bytes of one element, or 0 for String and InvalidDType.
func (dtype DType) Size() int {
	if !dtype.IsFixedSize() {
		return 0
	}
	return dtypes.DType(dtype).Size()
}

// Memory returns the number of bytes of one element as an uintptr.
func (dtype DType) Memory() uintptr {
	return uintptr(dtype.Size())
}

// GoType returns the Go type of one element: for String it is `string`.
// It returns nil for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case InvalidDType:
		return nil
	case String:
		return stringType
	case Float16:
		return float16Type
	case BFloat16:
		return bfloat16Type
	}
	return dtypes.DType(dtype).GoType()
}

// GoElementSize is the size in Go memory of one element of the flat slice holding dtype values.
//
// It is used to interpret byte strides of host buffers. For String it is the size of the string header.
func (dtype DType) GoElementSize() int {
	goType := dtype.GoType()
	if goType == nil {
		return 0
	}
	return int(goType.Size())
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	switch dtype {
	case String:
		return "String"
	case InvalidDType:
		return "InvalidDType"
	}
	return dtypes.DType(dtype).String()
}

// FromGoType returns the DType for the given Go element type, or InvalidDType if not supported.
func FromGoType(t reflect.Type) DType {
	switch t {
	case nil:
		return InvalidDType
	case stringType:
		return String
	case float16Type:
		return Float16
	case bfloat16Type:
		return BFloat16
	}
	return FromPJRT(dtypes.FromGoType(t))
}

// FromGenericsType returns the DType for the Go type T.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// FromFlat returns the DType of the elements of a flat slice, e.g.: `[]float32` -> Float32.
func FromFlat(flat any) (DType, error) {
	flatType := reflect.TypeOf(flat)
	if flatType == nil || flatType.Kind() != reflect.Slice {
		return InvalidDType, errors.Errorf("expected a flat slice of a supported type, got %T", flat)
	}
	dtype := FromGoType(flatType.Elem())
	if dtype == InvalidDType {
		return InvalidDType, errors.Errorf("unsupported element type %s", flatType.Elem())
	}
	return dtype, nil
}

// MakeFlat allocates a flat slice for length elements of dtype.
func MakeFlat(dtype DType, length int) any {
	return reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface()
}
