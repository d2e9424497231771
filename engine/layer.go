// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"maps"
	"slices"
)

// Builtin layer types.
const (
	TypeInput      = "Input"
	TypeOutput     = "Output"
	TypeConst      = "Const"
	TypeReLU       = "ReLU"
	TypeClamp      = "Clamp"
	TypeScaleShift = "ScaleShift"
	TypeEltwise    = "Eltwise"
	TypeCopy       = "Copy"
)

// PortTypeParam is the port parameter that tags a port as carrying constant data.
// Its values are PortWeights or PortBiases.
const (
	PortTypeParam = "type"
	PortWeights   = "weights"
	PortBiases    = "biases"
)

// Port describes one input or output port of a builder Layer.
// Shape is in engine order; it may be nil when it is inferred.
type Port struct {
	Shape     []int
	Precision Precision
	Params    map[string]string
}

// Type returns the value of the port's "type" parameter, or "".
func (p Port) Type() string {
	return p.Params[PortTypeParam]
}

func (p Port) clone() Port {
	p.Shape = slices.Clone(p.Shape)
	p.Params = maps.Clone(p.Params)
	return p
}

// Layer is a layer description given to the Builder.
//
// Params holds strings, numbers and constant *Blob values (weights, biases, Const data).
type Layer struct {
	Name        string
	Type        string
	Params      map[string]any
	InputPorts  []Port
	OutputPorts []Port
}

// NewLayer creates a layer with the given number of (untyped) input and output ports.
func NewLayer(name, layerType string, numInputs, numOutputs int) *Layer {
	return &Layer{
		Name:        name,
		Type:        layerType,
		Params:      make(map[string]any),
		InputPorts:  make([]Port, numInputs),
		OutputPorts: make([]Port, numOutputs),
	}
}

// Clone returns a copy of the layer. Blobs in Params are shared.
func (l *Layer) Clone() *Layer {
	c := *l
	c.Params = maps.Clone(l.Params)
	if c.Params == nil {
		c.Params = make(map[string]any)
	}
	c.InputPorts = make([]Port, len(l.InputPorts))
	for i, p := range l.InputPorts {
		c.InputPorts[i] = p.clone()
	}
	c.OutputPorts = make([]Port, len(l.OutputPorts))
	for i, p := range l.OutputPorts {
		c.OutputPorts[i] = p.clone()
	}
	return &c
}

// InputLayer creates a network input with the given dimensions (engine order) and precision FP32.
func InputLayer(name string, dims []int) *Layer {
	l := NewLayer(name, TypeInput, 0, 1)
	l.OutputPorts[0] = Port{Shape: slices.Clone(dims), Precision: FP32}
	return l
}

// OutputLayer marks its single input as a network output. If any output layer of a network has
// precision FP16, FP16 is the compute-precision hint of the network.
func OutputLayer(name string, precision Precision) *Layer {
	l := NewLayer(name, TypeOutput, 1, 0)
	l.InputPorts[0].Precision = precision
	return l
}

// ConstLayer creates a layer that produces the constant blob.
func ConstLayer(name string, blob *Blob) *Layer {
	l := NewLayer(name, TypeConst, 0, 1)
	l.Params["custom"] = blob
	l.OutputPorts[0] = Port{Shape: blob.Dims(), Precision: blob.Precision()}
	return l
}

// ReLULayer creates a ReLU with a negative slope of 0.
func ReLULayer(name string) *Layer {
	l := NewLayer(name, TypeReLU, 1, 1)
	l.Params["negative_slope"] = float32(0)
	return l
}

// ClampLayer clamps its input to [minValue, maxValue].
func ClampLayer(name string, minValue, maxValue float32) *Layer {
	l := NewLayer(name, TypeClamp, 1, 1)
	l.Params["min"] = minValue
	l.Params["max"] = maxValue
	return l
}

// ScaleShiftLayer computes x * weights[c] + biases[c], per channel c (the outermost axis after
// batch, or the only axis for rank 1).
//
// Port 1 is typed "weights" and port 2 "biases". The constants can either be connected to those
// ports or be stored in Params under the same names (see the ie.AddConstantData helper).
func ScaleShiftLayer(name string) *Layer {
	l := NewLayer(name, TypeScaleShift, 3, 1)
	l.InputPorts[1].Params = map[string]string{PortTypeParam: PortWeights}
	l.InputPorts[2].Params = map[string]string{PortTypeParam: PortBiases}
	return l
}

// Eltwise operations.
const (
	EltwiseSum  = "sum"
	EltwiseProd = "prod"
	EltwiseMax  = "max"
)

// EltwiseLayer combines numInputs tensors of identical dimensions element-wise.
func EltwiseLayer(name, operation string, numInputs int) *Layer {
	l := NewLayer(name, TypeEltwise, numInputs, 1)
	l.Params["operation"] = operation
	return l
}

// CopyLayer forwards its input unchanged.
func CopyLayer(name string) *Layer {
	return NewLayer(name, TypeCopy, 1, 1)
}
