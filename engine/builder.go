// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/gomlx/dnnie/types"
	"github.com/pkg/errors"
)

// LayerID identifies a layer added to a Builder.
type LayerID int

// PortInfo addresses one port of a builder layer.
type PortInfo struct {
	Layer LayerID
	Port  int
}

type connection struct {
	from, to PortInfo
}

// Builder assembles a Network incrementally.
//
// Layers are added with AddLayer and connected with Connect, in any order. Build validates the
// graph, sorts it topologically, runs shape inference and returns the Network.
type Builder struct {
	name        string
	layers      []*Layer
	connections []connection
	shapeInfer  map[string]ShapeInferImpl
}

// NewBuilder creates an empty builder.
func NewBuilder(name string) *Builder {
	return &Builder{name: name, shapeInfer: make(map[string]ShapeInferImpl)}
}

// Name of the network being built.
func (b *Builder) Name() string { return b.name }

// NumLayers returns the number of layers added so far.
func (b *Builder) NumLayers() int { return len(b.layers) }

// Layer returns a copy of the layer description with the given id.
func (b *Builder) Layer(id LayerID) (*Layer, error) {
	if err := b.checkID(id); err != nil {
		return nil, err
	}
	return b.layers[id].Clone(), nil
}

func (b *Builder) checkID(id LayerID) error {
	if id < 0 || int(id) >= len(b.layers) {
		return errors.Errorf("builder %q has no layer with id %d", b.name, id)
	}
	return nil
}

// AddLayer adds a copy of layer and returns its id.
func (b *Builder) AddLayer(layer *Layer) (LayerID, error) {
	if layer.Type == "" {
		return -1, errors.Errorf("layer %q has no type", layer.Name)
	}
	id := LayerID(len(b.layers))
	b.layers = append(b.layers, layer.Clone())
	return id, nil
}

// AddLayerWithInputs adds layer and connects inputs[i] to its input port i.
func (b *Builder) AddLayerWithInputs(inputs []PortInfo, layer *Layer) (LayerID, error) {
	id, err := b.AddLayer(layer)
	if err != nil {
		return -1, err
	}
	for i, from := range inputs {
		if err := b.Connect(from, PortInfo{Layer: id, Port: i}); err != nil {
			return -1, err
		}
	}
	return id, nil
}

// Connect the output port from to the input port to.
// The target layer's input ports grow as needed. Each input port accepts one connection.
func (b *Builder) Connect(from, to PortInfo) error {
	if err := b.checkID(from.Layer); err != nil {
		return err
	}
	if err := b.checkID(to.Layer); err != nil {
		return err
	}
	src, dst := b.layers[from.Layer], b.layers[to.Layer]
	if from.Port < 0 || from.Port >= len(src.OutputPorts) {
		return errors.Errorf("layer %q (type %s) has no output port %d", src.Name, src.Type, from.Port)
	}
	if to.Port < 0 {
		return errors.Errorf("invalid input port %d for layer %q", to.Port, dst.Name)
	}
	for _, conn := range b.connections {
		if conn.to == to {
			return errors.Errorf("input port %d of layer %q is already connected", to.Port, dst.Name)
		}
	}
	for len(dst.InputPorts) <= to.Port {
		dst.InputPorts = append(dst.InputPorts, Port{})
	}
	b.connections = append(b.connections, connection{from: from, to: to})
	return nil
}

// AddShapeInferImpl registers the shape inference for a layer type, used by Build and Network.Reshape.
func (b *Builder) AddShapeInferImpl(layerType string, impl ShapeInferImpl) {
	b.shapeInfer[layerType] = impl
}

// Build validates the graph and converts it to a Network.
//
// Every input port must be connected exactly once, except ports typed "weights" or "biases" whose
// constant is stored in the layer parameters. Output layers are folded into the network outputs.
func (b *Builder) Build() (*Network, error) {
	numLayers := len(b.layers)
	sources := make([]map[int]PortInfo, numLayers)
	consumers := make([][]LayerID, numLayers)
	inDegree := make([]int, numLayers)
	for i := range sources {
		sources[i] = make(map[int]PortInfo)
	}
	for _, conn := range b.connections {
		sources[conn.to.Layer][conn.to.Port] = conn.from
		consumers[conn.from.Layer] = append(consumers[conn.from.Layer], conn.to.Layer)
		inDegree[conn.to.Layer]++
	}

	// Validate ports and names.
	names := types.MakeSet[string](numLayers)
	for id, l := range b.layers {
		for port, p := range l.InputPorts {
			if _, connected := sources[id][port]; connected {
				continue
			}
			portType := p.Type()
			if (portType == PortWeights || portType == PortBiases) && l.Params[portType] != nil {
				continue
			}
			return nil, errors.Errorf("input port %d of layer %q (type %s) is not connected", port, l.Name, l.Type)
		}
		if l.Type == TypeOutput {
			if len(l.InputPorts) != 1 {
				return nil, errors.Errorf("output layer %q must have exactly one input", l.Name)
			}
			continue
		}
		if names.Has(l.Name) {
			return nil, errors.Errorf("duplicate layer name %q", l.Name)
		}
		names.Insert(l.Name)
	}

	// Topological sort, ids in ascending order among ready layers.
	order := make([]LayerID, 0, numLayers)
	ready := make([]LayerID, 0, numLayers)
	for id := range b.layers {
		if inDegree[id] == 0 {
			ready = append(ready, LayerID(id))
		}
	}
	for len(ready) > 0 {
		minIdx := 0
		for i, id := range ready {
			if id < ready[minIdx] {
				minIdx = i
			}
		}
		id := ready[minIdx]
		ready = append(ready[:minIdx], ready[minIdx+1:]...)
		order = append(order, id)
		for _, consumer := range consumers[id] {
			inDegree[consumer]--
			if inDegree[consumer] == 0 {
				ready = append(ready, consumer)
			}
		}
	}
	if len(order) != numLayers {
		return nil, errors.Errorf("network %q has a cycle", b.name)
	}

	net := &Network{
		name:       b.name,
		byName:     make(map[string]*CNNLayer, numLayers),
		inputs:     make(map[string]*InputInfo),
		outputs:    make(map[string]*Data),
		shapeInfer: make(map[string]ShapeInferImpl, len(b.shapeInfer)),
	}
	for layerType, impl := range b.shapeInfer {
		net.shapeInfer[layerType] = impl
	}
	cnnLayers := make([]*CNNLayer, numLayers)
	for _, id := range order {
		l := b.layers[id]
		if l.Type == TypeOutput {
			from := sources[id][0]
			data := cnnLayers[from.Layer].OutData[from.Port]
			net.outputs[data.Name()] = data
			if l.InputPorts[0].Precision == FP16 {
				net.computePrecision = FP16
			}
			continue
		}
		cl := &CNNLayer{
			Name:       l.Name,
			Type:       l.Type,
			Params:     l.Params,
			InData:     make([]*Data, len(l.InputPorts)),
			OutData:    make([]*Data, len(l.OutputPorts)),
			InputPorts: l.InputPorts,
		}
		for port, from := range sources[id] {
			cl.InData[port] = cnnLayers[from.Layer].OutData[from.Port]
		}
		for port, p := range l.OutputPorts {
			name := l.Name
			if len(l.OutputPorts) > 1 {
				name = fmt.Sprintf("%s.%d", l.Name, port)
			}
			precision := p.Precision
			if precision == Unspecified {
				precision = FP32
			}
			cl.OutData[port] = NewData(name, TensorDesc{
				Precision: precision,
				Dims:      p.Shape,
				Layout:    LayoutForRank(len(p.Shape)),
			})
		}
		if l.Type == TypeInput {
			net.inputs[l.Name] = &InputInfo{data: cl.OutData[0]}
		}
		if err := net.inferLayer(cl); err != nil {
			return nil, err
		}
		cnnLayers[id] = cl
		net.layers = append(net.layers, cl)
		net.byName[cl.Name] = cl
	}
	if len(net.outputs) == 0 {
		return nil, errors.Errorf("network %q has no outputs", b.name)
	}
	return net, nil
}
