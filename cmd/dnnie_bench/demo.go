// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math/rand/v2"

	"github.com/gomlx/dnnie/backends/ie"
	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// demo is the compiled demo network and its input and output.
type demo struct {
	net    *ie.Network
	target dnn.Target
	input  *ie.Wrapper
	output *ie.Wrapper
}

// buildDemo builds and compiles the demo network for target.
func buildDemo(cache *ie.DeviceCache, target dnn.Target) (d *demo, err error) {
	dims := []int{*flagBatch, *flagChannels, *flagSize, *flagSize}
	newWrapper := func(name string) (*ie.Wrapper, error) {
		return ie.Wrap(target, tensors.FromShape(shapes.Make(dtypes.Float32, dims...)).SetName(name))
	}
	d = &demo{net: ie.NewNetwork(cache), target: target}
	defer func() {
		if err != nil {
			_ = d.net.Close()
			d = nil
		}
	}()

	if d.input, err = newWrapper("image"); err != nil {
		return
	}
	rng := rand.New(rand.NewPCG(42, 0))
	pixels := d.input.Tensor().Flat().([]float32)
	for i := range pixels {
		pixels[i] = 2*rng.Float32() - 1
	}
	wrappers := []*ie.Wrapper{d.input}
	connect := func(layerName string, input *ie.Wrapper) (*ie.Wrapper, error) {
		output, err := newWrapper("")
		if err != nil {
			return nil, err
		}
		if err := d.net.Connect([]*ie.Wrapper{input}, []*ie.Wrapper{output}, layerName); err != nil {
			return nil, err
		}
		wrappers = append(wrappers, output)
		return output, nil
	}

	// ReLU.
	if err = d.net.AddLayer(engine.ReLULayer("relu")); err != nil {
		return
	}
	var reluOut, scaleOut, softmaxOut *ie.Wrapper
	if reluOut, err = connect("relu", d.input); err != nil {
		return
	}

	// ScaleShift with one weight and bias per channel.
	scale := engine.ScaleShiftLayer("scale")
	weights := make([]float32, *flagChannels)
	biases := make([]float32, *flagChannels)
	for c := range weights {
		weights[c] = float32(c + 1)
		biases[c] = 0.1 * float32(c)
	}
	for name, values := range map[string][]float32{engine.PortWeights: weights, engine.PortBiases: biases} {
		blob, err := ie.WrapToBlob(tensors.FromFlatDataAndDimensions(values, len(values)))
		if err != nil {
			return nil, err
		}
		ie.AddConstantData(name, blob, scale)
	}
	if err = d.net.AddLayer(scale); err != nil {
		return
	}
	if scaleOut, err = connect("scale", reluOut); err != nil {
		return
	}

	// Softmax on the host: its output has the shape of its input.
	softmax := &dnn.Softmax{LayerName: "softmax"}
	internals := tensors.FromShape(shapes.Make(dtypes.Float32, softmax.InternalShape(dims)...))
	node, err := ie.NewHostNode(softmax, []*tensors.Tensor{scaleOut.Tensor()},
		[]*tensors.Tensor{scaleOut.Tensor()}, []*tensors.Tensor{internals})
	if err != nil {
		return
	}
	if err = d.net.AddNode(node); err != nil {
		return
	}
	if softmaxOut, err = connect("softmax", scaleOut); err != nil {
		return
	}

	// Clamp.
	if err = d.net.AddLayer(engine.ClampLayer("clamp", 0, 0.5)); err != nil {
		return
	}
	if d.output, err = connect("clamp", softmaxOut); err != nil {
		return
	}

	d.net.AddBlobs(wrappers)
	if err = d.net.Init(target); err != nil {
		err = errors.WithMessagef(err, "compiling for %s", target)
	}
	return
}
