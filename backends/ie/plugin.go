// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strconv"
	"sync"

	"github.com/gomlx/dnnie/engine"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

// plugin is the engine Core used for one device, configured once.
type plugin struct {
	device    string
	core      engine.Core
	extension string
}

// DeviceCache holds one engine plugin per device, shared by every Network that uses it.
//
// Creating a plugin (engine construction, extension loading, configuration) and loading networks
// on it are serialized by a single lock, shared across devices.
type DeviceCache struct {
	config  Config
	newCore func() (engine.Core, error)

	mu      sync.Mutex
	plugins map[string]*plugin

	hostLayers hostLayers

	vpuOnce sync.Once
	vpuType string
}

// NewDeviceCache creates a DeviceCache that creates engine cores with newCore.
// If newCore is nil, engine.NewCore("") is used.
func NewDeviceCache(config Config, newCore func() (engine.Core, error)) *DeviceCache {
	if newCore == nil {
		newCore = func() (engine.Core, error) { return engine.NewCore("") }
	}
	return &DeviceCache{
		config:  config,
		newCore: newCore,
		plugins: make(map[string]*plugin),
	}
}

var defaultDeviceCache = sync.OnceValue(func() *DeviceCache {
	config, err := ConfigFromEnv()
	if err != nil {
		klog.Warningf("inference engine configuration: %v", err)
	}
	return NewDeviceCache(config, nil)
})

// DefaultDeviceCache returns the process-wide DeviceCache, configured with ConfigFromEnv.
func DefaultDeviceCache() *DeviceCache {
	return defaultDeviceCache()
}

// Config returns the configuration of the cache.
func (c *DeviceCache) Config() Config { return c.config }

// ExtensionCandidates returns the extension libraries tried, in order, when creating the plugin
// for device: the configured ExtraPluginPath and, for CPU and FPGA, the CPU extension library
// variants supported by this host.
func (c *DeviceCache) ExtensionCandidates(device string) []string {
	var candidates []string
	if c.config.ExtraPluginPath != "" {
		candidates = append(candidates, c.config.ExtraPluginPath)
	}
	if device != engine.DeviceCPU && device != engine.DeviceFPGA {
		return candidates
	}
	variants := []struct {
		suffix string
		have   bool
	}{
		{"_avx2", cpu.X86.HasAVX2},
		{"_sse4", cpu.X86.HasSSE42},
		{"", true},
	}
	for _, v := range variants {
		if !v.have {
			continue
		}
		switch runtime.GOOS {
		case "windows":
			candidates = append(candidates, fmt.Sprintf("cpu_extension%s.dll", v.suffix))
		case "darwin":
			candidates = append(candidates,
				fmt.Sprintf("libcpu_extension%s.so", v.suffix),
				fmt.Sprintf("libcpu_extension%s.dylib", v.suffix))
		default:
			candidates = append(candidates, fmt.Sprintf("libcpu_extension%s.so", v.suffix))
		}
	}
	return candidates
}

// pluginLocked returns the plugin for device, creating it if needed. c.mu must be held.
func (c *DeviceCache) pluginLocked(device string) (*plugin, error) {
	if p, found := c.plugins[device]; found {
		return p, nil
	}
	core, err := c.newCore()
	if err != nil {
		return nil, err
	}
	p := &plugin{device: device, core: core}
	candidates := c.ExtensionCandidates(device)
	for _, path := range candidates {
		ext, err := core.LoadExtension(path)
		if err == nil {
			err = core.AddExtension(ext, engine.DeviceCPU)
		}
		if err != nil {
			klog.V(1).Infof("extension candidate %q: %v", path, err)
			continue
		}
		klog.Infof("loaded extension plugin: %s", path)
		p.extension = path
		break
	}
	if p.extension == "" && len(candidates) > 0 {
		klog.Warningf("can't load extension plugin (extra layers for some networks), specify its path with %s", EnvExtraPluginPath)
	}

	// Host layers are always executable, whatever the extensions loaded.
	if err := core.AddExtension(&bridgeExtension{hostLayers: &c.hostLayers}, engine.DeviceCPU); err != nil {
		return nil, errors.WithMessage(err, "registering the host layers extension")
	}
	if device == engine.DeviceCPU && c.config.NumThreads > 0 {
		config := map[string]string{engine.KeyCPUThreadsNum: strconv.Itoa(c.config.NumThreads)}
		if err := core.SetConfig(config, device); err != nil {
			return nil, err
		}
	}
	c.plugins[device] = p
	klog.V(1).Infof("inference engine plugin %q created for %s", core.Name(), device)
	return p, nil
}

// load compiles net on the plugin of device. loadDevice is the device given to the engine, it
// differs from device for heterogeneous execution.
func (c *DeviceCache) load(device, loadDevice string, net *engine.Network, config map[string]string) (*plugin, engine.ExecutableNetwork, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.pluginLocked(device)
	if err != nil {
		return nil, nil, err
	}
	exec, err := p.core.LoadNetwork(net, loadDevice, config)
	if err != nil {
		return nil, nil, err
	}
	return p, exec, nil
}

// Extension returns the extension library loaded by the plugin of device, or "" if none was
// loaded or the plugin was not created yet.
func (c *DeviceCache) Extension(device string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, found := c.plugins[device]; found {
		return p.extension
	}
	return ""
}

// Devices returns the sorted devices with a plugin created.
func (c *DeviceCache) Devices() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.plugins))
}

// Reset drops the plugin of device: the next network compiled for it creates a new one.
// Networks already compiled keep using the old plugin.
func (c *DeviceCache) Reset(device string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.plugins, device)
}

// Close closes every plugin and empties the cache.
func (c *DeviceCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for device, p := range c.plugins {
		if err := p.core.Close(); err != nil && firstErr == nil {
			firstErr = errors.WithMessagef(err, "closing plugin for %s", device)
		}
	}
	clear(c.plugins)
	return firstErr
}

// ResetMyriadDevice drops the MYRIAD plugin of the default DeviceCache.
func ResetMyriadDevice() {
	DefaultDeviceCache().Reset(engine.DeviceMyriad)
}
