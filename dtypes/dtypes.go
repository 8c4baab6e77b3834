// Package dtypes defines the element types that can back a typed view over a
// device buffer, and the conversions between them and Go types.
package dtypes

//go:generate go tool enumer -type=DType -text dtypes.go

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"
)

// DType is the type of an element stored in a buffer.
type DType int32

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
	Complex64
	Complex128
)

// Supported lists the Go types that can be used to create typed views over
// buffers. Notice Float16 is supported through github.com/x448/float16.
type Supported interface {
	bool | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64 | complex64 | complex128
}

var (
	dtypeToGoType = map[DType]reflect.Type{
		Bool:       reflect.TypeOf(bool(false)),
		Int8:       reflect.TypeOf(int8(0)),
		Int16:      reflect.TypeOf(int16(0)),
		Int32:      reflect.TypeOf(int32(0)),
		Int64:      reflect.TypeOf(int64(0)),
		Uint8:      reflect.TypeOf(uint8(0)),
		Uint16:     reflect.TypeOf(uint16(0)),
		Uint32:     reflect.TypeOf(uint32(0)),
		Uint64:     reflect.TypeOf(uint64(0)),
		Float16:    reflect.TypeOf(float16.Float16(0)),
		Float32:    reflect.TypeOf(float32(0)),
		Float64:    reflect.TypeOf(float64(0)),
		Complex64:  reflect.TypeOf(complex64(0)),
		Complex128: reflect.TypeOf(complex128(0)),
	}

	goTypeToDType = func() map[reflect.Type]DType {
		m := make(map[reflect.Type]DType, len(dtypeToGoType))
		for dtype, goType := range dtypeToGoType {
			m[goType] = dtype
		}
		return m
	}()
)

// GoType returns the Go type used to manipulate elements of this DType.
// It panics for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	goType, ok := dtypeToGoType[dtype]
	if !ok {
		exceptions.Panicf("dtypes: DType %s has no associated Go type", dtype)
	}
	return goType
}

// SizeOf returns the size in bytes of one element of this DType.
func (dtype DType) SizeOf() int {
	return int(dtype.GoType().Size())
}

// FromGoType returns the DType corresponding to the given Go type, or
// InvalidDType if the type is not one of the Supported ones.
func FromGoType(goType reflect.Type) DType {
	return goTypeToDType[goType] // Missing entries yield InvalidDType.
}

// FromGenericsType returns the DType corresponding to the Go generic type
// parameter.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}
