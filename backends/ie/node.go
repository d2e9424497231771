// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Node is a layer of a Network: either a native engine layer, or a host dnn.Layer executed by the
// engine through the host-layer bridge.
type Node struct {
	layer *engine.Layer
	host  dnn.Layer
	net   *Network
}

// NewNode creates a node for a native engine layer.
func NewNode(layer *engine.Layer) *Node {
	if layer == nil {
		exceptions.Panicf("ie.NewNode(nil)")
	}
	return &Node{layer: layer}
}

// NewHostNode creates a node that runs host.Forward inside the engine.
//
// The host already computed the tensors: inputs gives the number of input ports, the shapes of
// outputs are reported to the engine as the layer output shapes, and internals are the scratch
// tensors given to Forward at execution.
func NewHostNode(host dnn.Layer, inputs, outputs, internals []*tensors.Tensor) (*Node, error) {
	if host == nil {
		exceptions.Panicf("ie.NewHostNode(nil)")
	}
	if host.Name() == "" {
		return nil, errors.New("host layers executed by the inference engine must have a name")
	}
	layer := engine.NewLayer(host.Name(), CustomLayerType, len(inputs), len(outputs))
	outputShapes := make([][]int, len(outputs))
	for i, t := range outputs {
		outputShapes[i] = shapes.Reversed(t.Shape().Dimensions)
	}
	internalShapes := make([][]int, len(internals))
	for i, t := range internals {
		internalShapes[i] = t.Shape().Dimensions
	}
	layer.Params[paramOutputs] = shapesToString(outputShapes)
	layer.Params[paramInternals] = shapesToString(internalShapes)
	return &Node{layer: layer, host: host}, nil
}

// Layer returns the engine layer description.
func (n *Node) Layer() *engine.Layer { return n.layer }

// Host returns the host layer, or nil for native nodes.
func (n *Node) Host() dnn.Layer { return n.host }

// Network the node was added to, or nil.
func (n *Node) Network() *Network { return n.net }

// Forward runs the network of node. It is the entry point used by the host graph executor.
func Forward(outputs []*Wrapper, node *Node, async bool) error {
	if node == nil || node.net == nil {
		return errors.New("ie.Forward: node was not added to a network")
	}
	return node.net.Forward(outputs, async)
}
