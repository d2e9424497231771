// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// VPUType returns the type of the VPU device: Config.VPUType if set, otherwise the result of
// probing the MYRIAD device. It is computed once per DeviceCache.
func (c *DeviceCache) VPUType() string {
	c.vpuOnce.Do(func() {
		c.vpuType = c.config.VPUType
		if c.vpuType == "" {
			klog.Infof("running inference engine VPU autodetection (Myriad2/MyriadX), set %s to skip it", EnvVPUType)
			if c.detectMyriadX() {
				c.vpuType = VPUTypeMyriadX
			} else {
				c.vpuType = VPUTypeMyriad2
			}
		}
		klog.Infof("inference engine VPU type: %s", c.vpuType)
	})
	return c.vpuType
}

// IsMyriadX reports whether the VPU is a MyriadX.
func (c *DeviceCache) IsMyriadX() bool {
	return c.VPUType() == VPUTypeMyriadX
}

// detectMyriadX compiles a minimal FP16 network for the MYRIAD device, requiring the MyriadX
// platform, and reports whether that and the creation of a request succeeded.
func (c *DeviceCache) detectMyriadX() bool {
	var err error
	exception := exceptions.Try(func() {
		b := engine.NewBuilder("")
		var inputID, clampID engine.LayerID
		if inputID, err = b.AddLayer(engine.InputLayer("input", []int{1})); err != nil {
			return
		}
		if clampID, err = b.AddLayerWithInputs([]engine.PortInfo{{Layer: inputID}}, engine.ClampLayer("clamp", 0, 1)); err != nil {
			return
		}
		if _, err = b.AddLayerWithInputs([]engine.PortInfo{{Layer: clampID}}, engine.OutputLayer("output", engine.FP16)); err != nil {
			return
		}
		var net *engine.Network
		if net, err = b.Build(); err != nil {
			return
		}
		config := map[string]string{engine.KeyVPUPlatform: engine.VPUPlatform2480}
		var exec engine.ExecutableNetwork
		if _, exec, err = c.load(engine.DeviceMyriad, engine.DeviceMyriad, net, config); err != nil {
			return
		}
		_, err = exec.CreateInferRequest()
	})
	if exception != nil {
		err = errors.Errorf("panic: %v", exception)
	}
	if err != nil {
		klog.V(1).Infof("MyriadX probe failed: %v", err)
		return false
	}
	return true
}

// VPUType of the default DeviceCache.
func VPUType() string {
	return DefaultDeviceCache().VPUType()
}

// IsMyriadX reports whether the VPU of the default DeviceCache is a MyriadX.
func IsMyriadX() bool {
	return DefaultDeviceCache().IsMyriadX()
}
