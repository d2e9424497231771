// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine defines the object model of the inference engine: precisions, layouts, tensor
// descriptors, blobs and data nodes, the network builder and the built network, shape inference,
// extension interfaces, and the service interfaces (Core, ExecutableNetwork, InferRequest)
// implemented by an engine runtime.
//
// A runtime registers itself with Register (see package engine/goengine, the pure Go one), and
// clients create a Core with NewCore.
//
// Dimension order: engine tensor descriptors list dimensions from the innermost axis to the
// outermost one, the reverse of the host order used by package shapes. A host tensor of
// dimensions [N, C, H, W] is described in the engine by Dims [W, H, C, N] and Layout NCHW.
// The Layout always names the axes in host order.
package engine

import (
	"fmt"
	"reflect"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// ErrNotImplemented is returned (wrapped) for unsupported precisions, layer types or devices.
var ErrNotImplemented = errors.New("not implemented")

// Precision of the elements of a blob or data node.
type Precision int

const (
	Unspecified Precision = iota
	FP32
	FP16
	U8
	I16
)

var precisionNames = []string{"UNSPECIFIED", "FP32", "FP16", "U8", "I16"}

// String implements fmt.Stringer.
func (p Precision) String() string {
	if p < 0 || int(p) >= len(precisionNames) {
		return fmt.Sprintf("Precision(%d)", int(p))
	}
	return precisionNames[p]
}

// DType returns the host dtype corresponding to the precision, or dtypes.InvalidDType.
func (p Precision) DType() dtypes.DType {
	switch p {
	case FP32:
		return dtypes.Float32
	case FP16:
		return dtypes.Float16
	case U8:
		return dtypes.Uint8
	case I16:
		return dtypes.Int16
	}
	return dtypes.InvalidDType
}

// PrecisionFromDType returns the precision for the host dtype, or Unspecified if there is none.
func PrecisionFromDType(dtype dtypes.DType) Precision {
	switch dtype {
	case dtypes.Float32:
		return FP32
	case dtypes.Float16:
		return FP16
	case dtypes.Uint8:
		return U8
	case dtypes.Int16:
		return I16
	}
	return Unspecified
}

// ElementSize returns the size in bytes of one element, or 0 for Unspecified.
func (p Precision) ElementSize() int {
	switch p {
	case FP32:
		return 4
	case FP16, I16:
		return 2
	case U8:
		return 1
	}
	return 0
}

// goType returns the Go element type used to store the precision.
func (p Precision) goType() reflect.Type {
	switch p {
	case FP32:
		return reflect.TypeOf(float32(0))
	case FP16:
		return reflect.TypeOf(float16.Float16(0))
	case U8:
		return reflect.TypeOf(uint8(0))
	case I16:
		return reflect.TypeOf(int16(0))
	}
	return nil
}

// Layout names the logical axes of a tensor, in host order.
type Layout int

const (
	AnyLayout Layout = iota
	NCHW
	NC
	C
)

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case NCHW:
		return "NCHW"
	case NC:
		return "NC"
	case C:
		return "C"
	}
	return "ANY"
}

// TensorDesc describes the precision, dimensions (engine order) and layout of a tensor.
type TensorDesc struct {
	Precision Precision
	Dims      []int
	Layout    Layout
}

// Size returns the number of elements described.
func (d TensorDesc) Size() int {
	size := 1
	for _, dim := range d.Dims {
		size *= dim
	}
	return size
}

// Equal compares precision, dimensions and layout.
func (d TensorDesc) Equal(other TensorDesc) bool {
	return d.Precision == other.Precision && d.Layout == other.Layout && slices.Equal(d.Dims, other.Dims)
}

// Clone returns a deep copy.
func (d TensorDesc) Clone() TensorDesc {
	d.Dims = slices.Clone(d.Dims)
	return d
}

// String implements fmt.Stringer.
func (d TensorDesc) String() string {
	return fmt.Sprintf("%s%v/%s", d.Precision, d.Dims, d.Layout)
}
