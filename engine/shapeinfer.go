// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/pkg/errors"
)

// ShapeInferImpl computes the output dimensions (engine order) of a layer type, given the input
// dimensions, the string parameters and the constant blobs of the layer.
type ShapeInferImpl interface {
	InferShapes(inShapes [][]int, params map[string]string, blobs map[string]*Blob) ([][]int, error)
}

// ShapeInferFunc implements ShapeInferImpl with a function.
type ShapeInferFunc func(inShapes [][]int, params map[string]string, blobs map[string]*Blob) ([][]int, error)

// InferShapes implements ShapeInferImpl.
func (fn ShapeInferFunc) InferShapes(inShapes [][]int, params map[string]string, blobs map[string]*Blob) ([][]int, error) {
	return fn(inShapes, params, blobs)
}

func builtinShapeInference(l *CNNLayer, inShapes [][]int) ([][]int, error) {
	if len(inShapes) == 0 || inShapes[0] == nil {
		return nil, errors.Errorf("layer has no input on port 0")
	}
	switch l.Type {
	case TypeReLU, TypeClamp, TypeCopy, TypeScaleShift:
		return [][]int{slices.Clone(inShapes[0])}, nil
	case TypeEltwise:
		for i, shape := range inShapes[1:] {
			if !slices.Equal(shape, inShapes[0]) {
				return nil, errors.Errorf("eltwise input %d has dims %v, input 0 has dims %v", i+1, shape, inShapes[0])
			}
		}
		return [][]int{slices.Clone(inShapes[0])}, nil
	}
	return nil, errors.Wrapf(ErrNotImplemented, "no shape inference for layer type %q", l.Type)
}
