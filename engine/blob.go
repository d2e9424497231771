// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"reflect"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Blob is the engine's tensor storage: a flat Go slice plus its TensorDesc.
//
// A Blob created with NewBlob aliases the given slice, so writes through either side are visible
// to the other. AllocateBlob creates a Blob with its own storage.
type Blob struct {
	desc TensorDesc
	flat any
}

// NewBlob creates a Blob that aliases flat.
//
// The element type of flat must match desc.Precision (FP32 → []float32, FP16 → []float16.Float16,
// U8 → []uint8, I16 → []int16) and its length must be desc.Size().
func NewBlob(desc TensorDesc, flat any) (*Blob, error) {
	goType := desc.Precision.goType()
	if goType == nil {
		return nil, errors.Wrapf(ErrNotImplemented, "unsupported blob precision %s", desc.Precision)
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice || flatV.Type().Elem() != goType {
		return nil, errors.Errorf("blob of precision %s requires a []%s, got %T", desc.Precision, goType, flat)
	}
	if flatV.Len() != desc.Size() {
		return nil, errors.Errorf("blob %s requires %d elements, got %d", desc, desc.Size(), flatV.Len())
	}
	return &Blob{desc: desc.Clone(), flat: flat}, nil
}

// AllocateBlob creates a zero-initialized Blob with its own storage.
func AllocateBlob(desc TensorDesc) (*Blob, error) {
	goType := desc.Precision.goType()
	if goType == nil {
		return nil, errors.Wrapf(ErrNotImplemented, "unsupported blob precision %s", desc.Precision)
	}
	flat := reflect.MakeSlice(reflect.SliceOf(goType), desc.Size(), desc.Size()).Interface()
	return &Blob{desc: desc.Clone(), flat: flat}, nil
}

// TensorDesc returns a copy of the blob's description.
func (b *Blob) TensorDesc() TensorDesc { return b.desc.Clone() }

// Precision of the blob elements.
func (b *Blob) Precision() Precision { return b.desc.Precision }

// Dims returns a copy of the blob dimensions, in engine order.
func (b *Blob) Dims() []int { return b.TensorDesc().Dims }

// Size returns the number of elements.
func (b *Blob) Size() int { return b.desc.Size() }

// Buffer returns the flat slice backing the blob. It is not a copy.
func (b *Blob) Buffer() any { return b.flat }

// Bytes returns the blob storage viewed as bytes. It is not a copy.
func (b *Blob) Bytes() []byte {
	flatV := reflect.ValueOf(b.flat)
	n := flatV.Len() * b.desc.Precision.ElementSize()
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(flatV.UnsafePointer()), n)
}

// SharesStorage reports whether both blobs are backed by the same memory.
func (b *Blob) SharesStorage(other *Blob) bool {
	if b == nil || other == nil {
		return false
	}
	if b == other {
		return true
	}
	bytes, otherBytes := b.Bytes(), other.Bytes()
	return len(bytes) > 0 && len(otherBytes) > 0 && &bytes[0] == &otherBytes[0]
}

// CopyFrom copies the contents of src into b. Both must have the same precision and size.
func (b *Blob) CopyFrom(src *Blob) error {
	if src.desc.Precision != b.desc.Precision || src.Size() != b.Size() {
		return errors.Errorf("cannot copy blob %s into blob %s", src.desc, b.desc)
	}
	copy(b.Bytes(), src.Bytes())
	return nil
}

// Float32s returns the blob contents converted to float32, a copy. It supports all precisions.
func (b *Blob) Float32s() []float32 {
	out := make([]float32, b.Size())
	switch flat := b.flat.(type) {
	case []float32:
		copy(out, flat)
	case []float16.Float16:
		for i, v := range flat {
			out[i] = v.Float32()
		}
	case []uint8:
		for i, v := range flat {
			out[i] = float32(v)
		}
	case []int16:
		for i, v := range flat {
			out[i] = float32(v)
		}
	}
	return out
}

// SetFloat32s stores values into the blob, converting to the blob precision.
// Integer precisions are rounded toward zero and saturated.
func (b *Blob) SetFloat32s(values []float32) error {
	if len(values) != b.Size() {
		return errors.Errorf("blob %s requires %d values, got %d", b.desc, b.Size(), len(values))
	}
	switch flat := b.flat.(type) {
	case []float32:
		copy(flat, values)
	case []float16.Float16:
		for i, v := range values {
			flat[i] = float16.Fromfloat32(v)
		}
	case []uint8:
		for i, v := range values {
			flat[i] = uint8(min(max(v, 0), 255))
		}
	case []int16:
		for i, v := range values {
			flat[i] = int16(min(max(v, -32768), 32767))
		}
	}
	return nil
}
