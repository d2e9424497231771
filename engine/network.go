// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"slices"
	"sort"

	"github.com/pkg/errors"
)

// CNNLayer is a layer of a built Network.
type CNNLayer struct {
	Name   string
	Type   string
	Params map[string]any

	// Affinity is the device the layer should run on when the network is loaded on a HETERO device.
	Affinity string

	// InData holds the data consumed by each input port, nil for an unconnected optional port.
	InData []*Data

	// OutData holds one data node per output port.
	OutData []*Data

	// InputPorts as declared in the builder layer.
	InputPorts []Port
}

// Input returns the data connected to the input port, or nil.
func (l *CNNLayer) Input(port int) *Data {
	if port < 0 || port >= len(l.InData) {
		return nil
	}
	return l.InData[port]
}

// StringParams returns the non-blob parameters formatted as strings.
func (l *CNNLayer) StringParams() map[string]string {
	params := make(map[string]string, len(l.Params))
	for key, value := range l.Params {
		switch v := value.(type) {
		case *Blob:
			continue
		case string:
			params[key] = v
		default:
			params[key] = fmt.Sprint(v)
		}
	}
	return params
}

// Blobs returns the constant blobs stored in the parameters.
func (l *CNNLayer) Blobs() map[string]*Blob {
	blobs := make(map[string]*Blob)
	for key, value := range l.Params {
		if blob, ok := value.(*Blob); ok {
			blobs[key] = blob
		}
	}
	return blobs
}

// ParamString returns the parameter formatted as a string.
func (l *CNNLayer) ParamString(key string) (string, bool) {
	value, found := l.Params[key]
	if !found {
		return "", false
	}
	if s, ok := value.(string); ok {
		return s, true
	}
	return fmt.Sprint(value), true
}

// ParamFloat returns a numeric parameter, or defaultValue if it is missing or not a number.
func (l *CNNLayer) ParamFloat(key string, defaultValue float32) float32 {
	switch v := l.Params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}

// Blob returns the constant blob stored under key, or nil.
func (l *CNNLayer) Blob(key string) *Blob {
	blob, _ := l.Params[key].(*Blob)
	return blob
}

// InputInfo describes one network input.
type InputInfo struct {
	data *Data
}

// Name of the input.
func (info *InputInfo) Name() string { return info.data.Name() }

// Data node of the input.
func (info *InputInfo) Data() *Data { return info.data }

// Dims of the input, in engine order.
func (info *InputInfo) Dims() []int { return info.data.Dims() }

// Precision the caller provides the input in.
func (info *InputInfo) Precision() Precision { return info.data.Precision() }

// SetPrecision sets the precision the caller provides the input in.
func (info *InputInfo) SetPrecision(p Precision) { info.data.SetPrecision(p) }

// Network is a built network (CNN): layers in topological order, with inputs and outputs.
type Network struct {
	name             string
	layers           []*CNNLayer
	byName           map[string]*CNNLayer
	inputs           map[string]*InputInfo
	outputs          map[string]*Data
	computePrecision Precision
	shapeInfer       map[string]ShapeInferImpl
}

// Name of the network.
func (n *Network) Name() string { return n.name }

// Layers returns the layers in topological order.
func (n *Network) Layers() []*CNNLayer { return n.layers }

// Layer returns the layer with the given name.
func (n *Network) Layer(name string) (*CNNLayer, bool) {
	l, found := n.byName[name]
	return l, found
}

// InputsInfo returns the network inputs by name. The map must not be modified.
func (n *Network) InputsInfo() map[string]*InputInfo { return n.inputs }

// OutputsInfo returns the network outputs by name. The map must not be modified.
func (n *Network) OutputsInfo() map[string]*Data { return n.outputs }

// InputNames returns the sorted names of the inputs.
func (n *Network) InputNames() []string {
	names := slices.Collect(maps.Keys(n.inputs))
	sort.Strings(names)
	return names
}

// OutputNames returns the sorted names of the outputs.
func (n *Network) OutputNames() []string {
	names := slices.Collect(maps.Keys(n.outputs))
	sort.Strings(names)
	return names
}

// ComputePrecision is the precision hint given by the Output layers: FP16 if any of them asked
// for it, FP32 otherwise.
func (n *Network) ComputePrecision() Precision {
	if n.computePrecision == Unspecified {
		return FP32
	}
	return n.computePrecision
}

// AddOutput declares the outputs of the named layer, or the named data node, as network outputs.
func (n *Network) AddOutput(name string) error {
	if l, found := n.byName[name]; found {
		for _, data := range l.OutData {
			n.outputs[data.Name()] = data
		}
		return nil
	}
	for _, l := range n.layers {
		for _, data := range l.OutData {
			if data.Name() == name {
				n.outputs[name] = data
				return nil
			}
		}
	}
	return errors.Errorf("network %q has no layer or data named %q", n.name, name)
}

// InputShapes returns the dimensions (engine order) of every input.
func (n *Network) InputShapes() map[string][]int {
	shapes := make(map[string][]int, len(n.inputs))
	for name, info := range n.inputs {
		shapes[name] = info.Dims()
	}
	return shapes
}

// Reshape changes the dimensions of the given inputs and re-runs shape inference over the network.
func (n *Network) Reshape(shapes map[string][]int) error {
	for name, dims := range shapes {
		info, found := n.inputs[name]
		if !found {
			return errors.Errorf("network %q has no input named %q", n.name, name)
		}
		info.data.setDims(dims)
	}
	for _, l := range n.layers {
		if err := n.inferLayer(l); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the network structure. Constant blobs are shared.
func (n *Network) Clone() *Network {
	dataMap := make(map[*Data]*Data)
	cloneData := func(d *Data) *Data {
		if d == nil {
			return nil
		}
		if c, found := dataMap[d]; found {
			return c
		}
		c := d.Clone()
		dataMap[d] = c
		return c
	}
	c := &Network{
		name:             n.name,
		byName:           make(map[string]*CNNLayer, len(n.layers)),
		inputs:           make(map[string]*InputInfo, len(n.inputs)),
		outputs:          make(map[string]*Data, len(n.outputs)),
		computePrecision: n.computePrecision,
		shapeInfer:       maps.Clone(n.shapeInfer),
	}
	for _, l := range n.layers {
		cl := &CNNLayer{
			Name:     l.Name,
			Type:     l.Type,
			Params:   maps.Clone(l.Params),
			Affinity: l.Affinity,
			InData:   make([]*Data, len(l.InData)),
			OutData:  make([]*Data, len(l.OutData)),
		}
		for _, p := range l.InputPorts {
			cl.InputPorts = append(cl.InputPorts, p.clone())
		}
		for i, d := range l.InData {
			cl.InData[i] = cloneData(d)
		}
		for i, d := range l.OutData {
			cl.OutData[i] = cloneData(d)
		}
		c.layers = append(c.layers, cl)
		c.byName[cl.Name] = cl
	}
	for name, info := range n.inputs {
		c.inputs[name] = &InputInfo{data: cloneData(info.data)}
	}
	for name, data := range n.outputs {
		c.outputs[name] = cloneData(data)
	}
	return c
}

func (n *Network) inferLayer(l *CNNLayer) error {
	if l.Type == TypeInput || l.Type == TypeConst {
		return nil
	}
	inShapes := make([][]int, len(l.InData))
	for i, d := range l.InData {
		if d != nil {
			inShapes[i] = d.Dims()
		}
	}
	var outShapes [][]int
	var err error
	if impl, found := n.shapeInfer[l.Type]; found {
		outShapes, err = impl.InferShapes(inShapes, l.StringParams(), l.Blobs())
	} else {
		outShapes, err = builtinShapeInference(l, inShapes)
	}
	if err != nil {
		return errors.WithMessagef(err, "shape inference of layer %q (type %s)", l.Name, l.Type)
	}
	if len(outShapes) != len(l.OutData) {
		return errors.Errorf("shape inference of layer %q (type %s) returned %d shapes for %d outputs",
			l.Name, l.Type, len(outShapes), len(l.OutData))
	}
	for i, d := range l.OutData {
		d.setDims(outShapes[i])
		d.desc.Layout = LayoutForRank(len(outShapes[i]))
	}
	return nil
}

// LayoutForRank returns NCHW for rank 4, NC for rank 2 and AnyLayout otherwise.
func LayoutForRank(rank int) Layout {
	switch rank {
	case 4:
		return NCHW
	case 2:
		return NC
	}
	return AnyLayout
}
