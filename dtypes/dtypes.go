// Package dtypes defines the element types of device buffers.
package dtypes

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/x448/float16"
)

// DType is the element type of a device buffer.
type DType int

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota
	Float64
	Float32
	Float16
	Int32
)

// Supported lists the Go types that can be stored in device buffers.
type Supported interface {
	float64 | float32 | float16.Float16 | int32
}

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Float64:      "Float64",
	Float32:      "Float32",
	Float16:      "Float16",
	Int32:        "Int32",
}

// MapOfNames maps names (and their common aliases, e.g. "f64" or "double") to the DType.
var MapOfNames = map[string]DType{
	"Float64": Float64, "float64": Float64, "F64": Float64, "f64": Float64, "double": Float64,
	"Float32": Float32, "float32": Float32, "F32": Float32, "f32": Float32, "float": Float32,
	"Float16": Float16, "float16": Float16, "F16": Float16, "f16": Float16, "half": Float16,
	"Int32": Int32, "int32": Int32, "S32": Int32, "s32": Int32, "int": Int32,
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int(dtype))
}

// IsFloat returns whether dtype is a floating point type.
func (dtype DType) IsFloat() bool {
	return dtype == Float64 || dtype == Float32 || dtype == Float16
}

// Size returns the number of bytes of one element of the dtype. It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Float64:
		return 8
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	default:
		return 0
	}
}

// SizeForLength returns the number of bytes used by length elements of dtype.
func (dtype DType) SizeForLength(length int) int {
	return dtype.Size() * length
}

// GoType returns the Go type used to represent values of dtype, or nil for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float64:
		return reflect.TypeOf(float64(0))
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float16:
		return reflect.TypeOf(float16.Float16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	default:
		return nil
	}
}

// FromName returns the DType for the given name or alias (case-sensitive first, then case-insensitive),
// or InvalidDType if not known.
func FromName(name string) DType {
	if dtype, found := MapOfNames[name]; found {
		return dtype
	}
	for key, dtype := range MapOfNames {
		if strings.EqualFold(key, name) {
			return dtype
		}
	}
	return InvalidDType
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case int32:
		return Int32
	}
	return InvalidDType
}

// View returns the raw bytes as a slice of T, sharing the same memory.
// Trailing bytes that don't fill a full element are ignored.
func View[T Supported](raw []byte) []T {
	var t T
	size := int(unsafe.Sizeof(t))
	if len(raw) < size {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(raw))), len(raw)/size)
}

// Raw returns the bytes backing flat, sharing the same memory.
func Raw[T Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(t)))
}
