// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goengine

import (
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/internal/workerspool"
	"github.com/pkg/errors"
)

// minChunk is the minimum number of elements of a range computed by one worker.
const minChunk = 16 * 1024

// kernel runs one layer. Inputs are aligned with the layer input ports (nil for an unconnected
// optional port) and outputs are pre-allocated. The runtime computes in FP32.
type kernel interface {
	run(inputs, outputs []*engine.Blob) error
}

type kernelFunc func(inputs, outputs []*engine.Blob) error

func (fn kernelFunc) run(inputs, outputs []*engine.Blob) error { return fn(inputs, outputs) }

func isBuiltin(layerType string) bool {
	switch layerType {
	case engine.TypeReLU, engine.TypeClamp, engine.TypeCopy, engine.TypeScaleShift, engine.TypeEltwise:
		return true
	}
	return false
}

func newKernel(l *engine.CNNLayer, device string, cpuExtensions []engine.Extension, pool *workerspool.Pool) (kernel, error) {
	switch l.Type {
	case engine.TypeReLU:
		slope := l.ParamFloat("negative_slope", 0)
		return unaryKernel(pool, func(x float32) float32 {
			if x < 0 {
				return x * slope
			}
			return x
		}), nil
	case engine.TypeClamp:
		lo, hi := l.ParamFloat("min", 0), l.ParamFloat("max", 1)
		return unaryKernel(pool, func(x float32) float32 { return min(max(x, lo), hi) }), nil
	case engine.TypeCopy:
		return kernelFunc(func(inputs, outputs []*engine.Blob) error {
			copy(flat32(outputs[0]), flat32(inputs[0]))
			return nil
		}), nil
	case engine.TypeEltwise:
		return eltwiseKernel(l, pool)
	case engine.TypeScaleShift:
		return scaleShiftKernel(l, pool), nil
	}
	if device != engine.DeviceCPU {
		return nil, errors.Wrapf(engine.ErrNotImplemented, "layer type %q on device %s", l.Type, device)
	}
	return extensionKernel(l, cpuExtensions)
}

func flat32(b *engine.Blob) []float32 { return b.Buffer().([]float32) }

func unaryKernel(pool *workerspool.Pool, fn func(x float32) float32) kernel {
	return kernelFunc(func(inputs, outputs []*engine.Blob) error {
		in, out := flat32(inputs[0]), flat32(outputs[0])
		pool.Split(len(in), minChunk, func(start, end int) {
			for i := start; i < end; i++ {
				out[i] = fn(in[i])
			}
		})
		return nil
	})
}

func eltwiseKernel(l *engine.CNNLayer, pool *workerspool.Pool) (kernel, error) {
	operation, _ := l.ParamString("operation")
	if operation == "" {
		operation = engine.EltwiseSum
	}
	var combine func(a, b float32) float32
	switch operation {
	case engine.EltwiseSum:
		combine = func(a, b float32) float32 { return a + b }
	case engine.EltwiseProd:
		combine = func(a, b float32) float32 { return a * b }
	case engine.EltwiseMax:
		combine = func(a, b float32) float32 { return max(a, b) }
	default:
		return nil, errors.Wrapf(engine.ErrNotImplemented, "eltwise operation %q of layer %q", operation, l.Name)
	}
	return kernelFunc(func(inputs, outputs []*engine.Blob) error {
		out := flat32(outputs[0])
		pool.Split(len(out), minChunk, func(start, end int) {
			copy(out[start:end], flat32(inputs[0])[start:end])
			for _, input := range inputs[1:] {
				for i, x := range flat32(input)[start:end] {
					out[start+i] = combine(out[start+i], x)
				}
			}
		})
		return nil
	}), nil
}

// scaleShiftKernel scales and shifts per channel. The channel axis is the second outermost axis,
// or the only one for rank 1. Weights and biases come from the typed input ports or, if those
// are not connected, from the layer parameters.
func scaleShiftKernel(l *engine.CNNLayer, pool *workerspool.Pool) kernel {
	paramWeights, paramBiases := l.Blob(engine.PortWeights), l.Blob(engine.PortBiases)
	return kernelFunc(func(inputs, outputs []*engine.Blob) error {
		constant := func(port int, param *engine.Blob) []float32 {
			if port < len(inputs) && inputs[port] != nil {
				return flat32(inputs[port])
			}
			if param != nil {
				return param.Float32s()
			}
			return nil
		}
		weights, biases := constant(1, paramWeights), constant(2, paramBiases)
		dims := inputs[0].Dims()
		inner, channels := 1, 1
		if len(dims) == 1 {
			channels = dims[0]
		} else if len(dims) >= 2 {
			channels = dims[len(dims)-2]
			for _, d := range dims[:len(dims)-2] {
				inner *= d
			}
		}
		at := func(values []float32, channel int, defaultValue float32) float32 {
			switch len(values) {
			case 0:
				return defaultValue
			case 1:
				return values[0]
			}
			return values[channel]
		}
		for _, values := range [][]float32{weights, biases} {
			if len(values) > 1 && len(values) != channels {
				return errors.Errorf("scaleshift %q: %d constants for %d channels", l.Name, len(values), channels)
			}
		}
		in, out := flat32(inputs[0]), flat32(outputs[0])
		pool.Split(len(in), minChunk, func(start, end int) {
			for i := start; i < end; i++ {
				c := (i / inner) % channels
				out[i] = in[i]*at(weights, c, 1) + at(biases, c, 0)
			}
		})
		return nil
	})
}

// extensionKernel selects, among the CPU extensions, the first implementation whose supported
// configurations match the layer data.
func extensionKernel(l *engine.CNNLayer, extensions []engine.Extension) (kernel, error) {
	for _, ext := range extensions {
		factory, status := ext.FactoryFor(l)
		if status != engine.OK {
			continue
		}
		impls, status := factory.Implementations()
		if status != engine.OK {
			return nil, errors.WithMessagef(status.Err(), "extension %q implementations of layer %q", ext.Name(), l.Name)
		}
		for _, impl := range impls {
			configs, status := impl.SupportedConfigurations()
			if status != engine.OK {
				continue
			}
			for _, config := range configs {
				if !configMatches(config, l) {
					continue
				}
				if status := impl.Init(config); status != engine.OK {
					return nil, errors.WithMessagef(status.Err(), "extension %q init of layer %q", ext.Name(), l.Name)
				}
				return extensionLayerKernel{layer: l.Name, impl: impl}, nil
			}
		}
		return nil, errors.Errorf("extension %q has no implementation of layer %q accepting its configuration", ext.Name(), l.Name)
	}
	return nil, errors.Wrapf(engine.ErrNotImplemented, "no extension implements layer %q of type %s", l.Name, l.Type)
}

func configMatches(config engine.LayerConfig, l *engine.CNNLayer) bool {
	if len(config.In) != len(l.InData) || len(config.Out) != len(l.OutData) {
		return false
	}
	for i, data := range l.InData {
		if data != nil && !config.In[i].Desc.Equal(data.TensorDesc()) {
			return false
		}
	}
	for i, data := range l.OutData {
		if !config.Out[i].Desc.Equal(data.TensorDesc()) {
			return false
		}
	}
	return true
}

type extensionLayerKernel struct {
	layer string
	impl  engine.LayerImpl
}

func (k extensionLayerKernel) run(inputs, outputs []*engine.Blob) error {
	if status := k.impl.Execute(inputs, outputs); status != engine.OK {
		return errors.WithMessagef(status.Err(), "executing layer %q", k.layer)
	}
	return nil
}
