// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dnn

import (
	"math"

	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Softmax is a host layer that normalizes the last axis of a float32 tensor.
//
// It uses one internal scratch tensor holding the per-row maximum.
type Softmax struct {
	LayerName string
}

var _ Layer = (*Softmax)(nil)

// Name implements Layer.
func (l *Softmax) Name() string { return l.LayerName }

// InternalShape returns the dimensions of the scratch tensor needed for the given input dimensions.
func (l *Softmax) InternalShape(inputDims []int) []int {
	if len(inputDims) == 0 {
		return []int{1}
	}
	rows := 1
	for _, d := range inputDims[:len(inputDims)-1] {
		rows *= d
	}
	return []int{rows}
}

// Forward implements Layer.
func (l *Softmax) Forward(inputs, outputs, internals []*tensors.Tensor) error {
	if len(inputs) != 1 || len(outputs) != 1 || len(internals) != 1 {
		return errors.Errorf("softmax %q: expected 1 input, 1 output and 1 internal, got %d, %d and %d",
			l.LayerName, len(inputs), len(outputs), len(internals))
	}
	if inputs[0].DType() != dtypes.Float32 || outputs[0].DType() != dtypes.Float32 {
		return errors.Errorf("softmax %q: only float32 is supported", l.LayerName)
	}
	in := inputs[0].Flat().([]float32)
	out := outputs[0].Flat().([]float32)
	maxes := internals[0].Flat().([]float32)
	if len(in) != len(out) {
		return errors.Errorf("softmax %q: input has %d elements, output %d", l.LayerName, len(in), len(out))
	}
	rowLen := 1
	if inputs[0].Rank() > 0 {
		rowLen = inputs[0].Shape().Dim(-1)
	}
	if rowLen == 0 {
		return nil
	}
	numRows := len(in) / rowLen
	if len(maxes) < numRows {
		return errors.Errorf("softmax %q: internal scratch has %d elements, needs %d", l.LayerName, len(maxes), numRows)
	}
	for row := range numRows {
		src := in[row*rowLen : (row+1)*rowLen]
		dst := out[row*rowLen : (row+1)*rowLen]
		maxes[row] = src[0]
		for _, v := range src[1:] {
			maxes[row] = max(maxes[row], v)
		}
		var sum float64
		for i, v := range src {
			e := math.Exp(float64(v - maxes[row]))
			dst[i] = float32(e)
			sum += e
		}
		for i := range dst {
			dst[i] = float32(float64(dst[i]) / sum)
		}
	}
	return nil
}
