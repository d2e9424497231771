// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements the host-side Tensor: a named multidimensional array stored as a
// flat Go slice of its dtype.
//
// Tensors are the unit exchanged between host layers and the inference engine adapter. The flat
// storage of a Tensor can be shared (aliased) with an engine blob, so that moving data into or
// out of the engine doesn't require copies. Use Clone when an independent copy is needed.
package tensors

import (
	"fmt"
	"reflect"
	"unsafe"

	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor is a named multidimensional array with flat storage.
type Tensor struct {
	name  string
	shape shapes.Shape

	// flat is always a slice of shape.DType's Go type, with exactly shape.Size() elements.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	size := shape.Size()
	return &Tensor{
		shape: shape.Clone(),
		flat:  reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface(),
	}
}

// FromFlatDataAndDimensions returns a Tensor with the given dimensions that uses data as storage.
// The data is not copied.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: shape %s requires %d elements, got %d",
			shape, shape.Size(), len(data))
	}
	return &Tensor{shape: shape, flat: data}
}

// FromFlat returns a Tensor of the given shape aliasing flat, which must be a slice of the
// shape's dtype with exactly shape.Size() elements.
func FromFlat(shape shapes.Shape, flat any) (*Tensor, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("tensors.FromFlat: flat must be a slice, got %T", flat)
	}
	if dtype := dtypes.FromGoType(flatV.Type().Elem()); dtype != shape.DType {
		return nil, errors.Errorf("tensors.FromFlat: shape %s is incompatible with flat of type %T", shape, flat)
	}
	if flatV.Len() != shape.Size() {
		return nil, errors.Errorf("tensors.FromFlat: shape %s requires %d elements, flat has %d",
			shape, shape.Size(), flatV.Len())
	}
	return &Tensor{shape: shape.Clone(), flat: flat}, nil
}

// Name of the tensor. It may be empty.
func (t *Tensor) Name() string { return t.name }

// SetName sets the tensor name and returns the tensor itself, for chaining.
func (t *Tensor) SetName(name string) *Tensor {
	t.name = name
	return t
}

// Shape returns the tensor shape. The caller should not modify the returned dimensions.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the tensor data type.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Flat returns the underlying flat slice. Mutating it mutates the tensor, and anything aliasing it.
func (t *Tensor) Flat() any { return t.flat }

// Bytes returns the raw bytes of the flat storage, without copying.
func (t *Tensor) Bytes() []byte {
	return flatBytes(t.flat)
}

// SharesStorage returns whether t and other are backed by the same memory.
func (t *Tensor) SharesStorage(other *Tensor) bool {
	b1, b2 := t.Bytes(), other.Bytes()
	if len(b1) == 0 || len(b2) == 0 {
		return false
	}
	return unsafe.SliceData(b1) == unsafe.SliceData(b2)
}

// Clone returns a deep copy of the tensor, name included.
func (t *Tensor) Clone() *Tensor {
	flatV := reflect.ValueOf(t.flat)
	cloneV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneV, flatV)
	return &Tensor{name: t.name, shape: t.shape.Clone(), flat: cloneV.Interface()}
}

// CopyTo copies the contents of t into dst. Both must have the same shape.
func (t *Tensor) CopyTo(dst *Tensor) error {
	if !t.shape.Equal(dst.shape) {
		return errors.Errorf("tensors.CopyTo: source shape %s differs from destination shape %s", t.shape, dst.shape)
	}
	copy(dst.Bytes(), t.Bytes())
	return nil
}

// Equal returns whether both tensors have the same shape and the same values. Names are ignored.
func (t *Tensor) Equal(other *Tensor) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t.name == "" {
		return fmt.Sprintf("%s: %v", t.shape, t.flat)
	}
	return fmt.Sprintf("%q%s: %v", t.name, t.shape, t.flat)
}

// CopyFlatData returns a copy of the flat data of the tensor, as a slice of T.
// It panics if T doesn't match the tensor dtype.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		exceptions.Panicf("tensors.CopyFlatData[%T]: tensor has dtype %s", *new(T), t.DType())
	}
	return append([]T(nil), flat...)
}

// flatBytes returns the bytes backing any flat slice of a fixed-size type.
func flatBytes(flat any) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return nil
	}
	element0 := flatV.Index(0)
	sizeBytes := flatV.Len() * int(element0.Type().Size())
	return unsafe.Slice((*byte)(element0.Addr().UnsafePointer()), sizeBytes)
}
