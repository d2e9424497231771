// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goengine

import (
	"maps"
	"slices"

	"github.com/gomlx/dnnie/engine"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// step executes one layer of the plan.
type step struct {
	layer      *engine.CNNLayer
	device     string
	kernel     kernel
	roundFP16  bool
	constValue *engine.Blob
}

// Executable implements engine.ExecutableNetwork.
type Executable struct {
	core     *Core
	device   string
	net      *engine.Network
	steps    []*step
	affinity map[string]string
}

var _ engine.ExecutableNetwork = (*Executable)(nil)

// LoadNetwork implements engine.Core.
//
// The network is copied: later changes to it don't affect the returned Executable.
func (c *Core) LoadNetwork(net *engine.Network, device string, config map[string]string) (engine.ExecutableNetwork, error) {
	devices, isHetero := engine.ParseHeteroDevice(device)
	if !isHetero {
		devices = []string{device}
	}
	for _, d := range devices {
		if !c.hasDevice(d) {
			return nil, errors.Wrapf(engine.ErrNotImplemented, "device %q not available", d)
		}
	}
	for key, value := range config {
		switch {
		case key == engine.KeyVPUPlatform && slices.Contains(devices, engine.DeviceMyriad):
			if err := c.checkVPUPlatform(value); err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("config key %q not supported by device %s", key, device)
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("goengine: core is closed")
	}
	cpuExtensions := slices.Clone(c.extensions[engine.DeviceCPU])
	c.mu.Unlock()

	snapshot := net.Clone()
	e := &Executable{
		core:     c,
		device:   device,
		net:      snapshot,
		affinity: make(map[string]string, len(snapshot.Layers())),
	}
	fp16Compute := snapshot.ComputePrecision() == engine.FP16
	for _, l := range snapshot.Layers() {
		s := &step{layer: l}
		switch l.Type {
		case engine.TypeInput:
			s.device = pickDevice(l, devices)
		case engine.TypeConst:
			s.device = pickDevice(l, devices)
			blob := l.Blob("custom")
			if blob == nil {
				return nil, errors.Errorf("const layer %q has no data", l.Name)
			}
			s.constValue = blob
		default:
			if isHetero && l.Affinity != "" {
				if !slices.Contains(devices, l.Affinity) {
					return nil, errors.Errorf("layer %q has affinity %q, not part of device %s", l.Name, l.Affinity, device)
				}
				s.device = l.Affinity
			} else if isHetero {
				for _, d := range devices {
					if supports(d, l, cpuExtensions) {
						s.device = d
						break
					}
				}
				if s.device == "" {
					s.device = devices[0]
				}
			} else {
				s.device = device
			}
			if !supports(s.device, l, cpuExtensions) {
				return nil, errors.Wrapf(engine.ErrNotImplemented, "layer %q of type %s is not supported by device %s",
					l.Name, l.Type, s.device)
			}
			k, err := newKernel(l, s.device, cpuExtensions, c.pool)
			if err != nil {
				return nil, err
			}
			s.kernel = k
			s.roundFP16 = s.device == engine.DeviceMyriad || s.device == engine.DeviceFPGA ||
				(s.device == engine.DeviceGPU && fp16Compute)
		}
		e.affinity[l.Name] = s.device
		e.steps = append(e.steps, s)
	}
	if klog.V(2).Enabled() {
		for _, s := range e.steps {
			klog.Infof("goengine: layer %q (%s) on %s", s.layer.Name, s.layer.Type, s.device)
		}
	}
	klog.V(1).Infof("goengine: network %q loaded on %s, %d layers", snapshot.Name(), device, len(e.steps))
	return e, nil
}

func pickDevice(l *engine.CNNLayer, devices []string) string {
	if l.Affinity != "" && slices.Contains(devices, l.Affinity) {
		return l.Affinity
	}
	return devices[0]
}

// supports reports whether the device can run the layer.
func supports(device string, l *engine.CNNLayer, cpuExtensions []engine.Extension) bool {
	if isBuiltin(l.Type) {
		return true
	}
	if device != engine.DeviceCPU {
		return false
	}
	for _, ext := range cpuExtensions {
		if _, status := ext.FactoryFor(l); status == engine.OK {
			return true
		}
	}
	return false
}

// Device implements engine.ExecutableNetwork.
func (e *Executable) Device() string { return e.device }

// Affinity implements engine.ExecutableNetwork.
func (e *Executable) Affinity() map[string]string { return maps.Clone(e.affinity) }

// CreateInferRequest implements engine.ExecutableNetwork.
func (e *Executable) CreateInferRequest() (engine.InferRequest, error) {
	e.core.mu.Lock()
	closed := e.core.closed
	e.core.mu.Unlock()
	if closed {
		return nil, errors.New("goengine: core is closed")
	}
	r := &Request{
		exec:    e,
		inputs:  make(map[string]*engine.Blob),
		outputs: make(map[string]*engine.Blob),
	}
	for name, info := range e.net.InputsInfo() {
		blob, err := engine.AllocateBlob(info.Data().TensorDesc())
		if err != nil {
			return nil, errors.WithMessagef(err, "allocating input %q", name)
		}
		r.inputs[name] = blob
	}
	for name, data := range e.net.OutputsInfo() {
		blob, err := engine.AllocateBlob(data.TensorDesc())
		if err != nil {
			return nil, errors.WithMessagef(err, "allocating output %q", name)
		}
		r.outputs[name] = blob
	}
	return r, nil
}
