// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"slices"
	"sync"

	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/pkg/errors"
)

// BackendLayer is the host layer standing for one output of an imported engine network.
// It only reports shapes: the network itself runs with NewNetworkFromCompiled.
type BackendLayer struct {
	name string

	mu  sync.Mutex
	net *engine.Network
}

var _ dnn.Layer = (*BackendLayer)(nil)

// NewBackendLayer creates the layer for the output name of net.
func NewBackendLayer(name string, net *engine.Network) *BackendLayer {
	return &BackendLayer{name: name, net: net}
}

// Name implements dnn.Layer. It is the name of the network output.
func (l *BackendLayer) Name() string { return l.name }

// OutputShapes returns the shape (host order) of the layer output given the shapes of the network
// inputs, in the order of their names. The network is reshaped if the input shapes changed.
func (l *BackendLayer) OutputShapes(inputs [][]int) ([][]int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := l.net.InputNames()
	if len(inputs) != len(names) {
		return nil, errors.Errorf("layer %q: network has %d inputs, got %d shapes", l.name, len(names), len(inputs))
	}
	current := l.net.InputShapes()
	changed := make(map[string][]int)
	for i, name := range names {
		dims := shapes.Reversed(inputs[i])
		if !slices.Equal(current[name], dims) {
			changed[name] = dims
		}
	}
	if len(changed) > 0 {
		if err := l.net.Reshape(changed); err != nil {
			return nil, errors.WithMessagef(err, "layer %q", l.name)
		}
	}
	data, found := l.net.OutputsInfo()[l.name]
	if !found {
		return nil, errors.Errorf("network has no output %q", l.name)
	}
	return [][]int{shapes.Reversed(data.Dims())}, nil
}

// Forward implements dnn.Layer. It always fails: the layer only runs inside the inference engine.
func (l *BackendLayer) Forward(_, _, _ []*tensors.Tensor) error {
	return errors.Errorf("layer %q: choose the inference engine as the preferable backend", l.name)
}
