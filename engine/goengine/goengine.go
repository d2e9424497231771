// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package goengine is a pure Go implementation of the engine runtime.
//
// It registers itself under the name "go" on import:
//
//	import _ "github.com/gomlx/dnnie/engine/goengine"
//
// All devices run on the host CPU. MYRIAD and FPGA round every layer result through float16, as
// does GPU for networks whose compute precision is FP16. Only CPU runs layer types provided by
// extensions, so networks with such layers must be loaded on a HETERO device for the other devices.
//
// Options are given as a comma separated list of key=value pairs:
//
//   - devices: '+' separated list of available devices, default "CPU+GPU+MYRIAD+FPGA".
//   - myriad_platform: platform of the MYRIAD device, "VPU_2450" (default) or "VPU_2480".
package goengine

import (
	"plugin"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/internal/workerspool"
	"github.com/gomlx/dnnie/types/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the runtime in the engine registry.
const Name = "go"

func init() {
	engine.Register(Name, func(options string) (engine.Core, error) {
		opts, err := ParseOptions(options)
		if err != nil {
			return nil, err
		}
		return New(opts), nil
	})
}

// ExtensionSymbol is the symbol looked up in extension plugins. It must be of type engine.Extension
// or *engine.Extension.
const ExtensionSymbol = "Extension"

// Options of a Core.
type Options struct {
	// Devices available. Defaults to CPU, GPU, MYRIAD and FPGA.
	Devices []string

	// MyriadPlatform is the platform of the MYRIAD device, engine.VPUPlatform2450 by default.
	MyriadPlatform string

	// ExtensionLoader replaces the Go plugin based loading of extensions, if set.
	ExtensionLoader func(path string) (engine.Extension, error)
}

// DefaultDevices available when Options.Devices is empty.
var DefaultDevices = []string{engine.DeviceCPU, engine.DeviceGPU, engine.DeviceMyriad, engine.DeviceFPGA}

// ParseOptions parses an options string, see package documentation.
func ParseOptions(options string) (Options, error) {
	var opts Options
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return opts, errors.Errorf("invalid option %q in %q, expected key=value", part, options)
		}
		switch key {
		case "devices":
			opts.Devices = strings.Split(value, "+")
		case "myriad_platform":
			if value != engine.VPUPlatform2450 && value != engine.VPUPlatform2480 {
				return opts, errors.Errorf("invalid myriad_platform %q", value)
			}
			opts.MyriadPlatform = value
		default:
			return opts, errors.Errorf("unknown option %q in %q", key, options)
		}
	}
	return opts, nil
}

// Core implements engine.Core.
type Core struct {
	opts Options

	mu         sync.Mutex
	extensions map[string][]engine.Extension
	config     map[string]map[string]string
	closed     bool

	// workers limits the number of requests running at the same time, and pool the number of
	// goroutines a kernel splits its work over.
	workers  *xsync.Semaphore
	pool     *workerspool.Pool
	inFlight *xsync.DynamicWaitGroup
}

var _ engine.Core = (*Core)(nil)

// New creates a Core with the given options.
func New(opts Options) *Core {
	if len(opts.Devices) == 0 {
		opts.Devices = slices.Clone(DefaultDevices)
	}
	if opts.MyriadPlatform == "" {
		opts.MyriadPlatform = engine.VPUPlatform2450
	}
	c := &Core{
		opts:       opts,
		extensions: make(map[string][]engine.Extension),
		config:     make(map[string]map[string]string),
		workers:    xsync.NewSemaphore(runtime.GOMAXPROCS(0)),
		pool:       workerspool.New(),
		inFlight:   xsync.NewDynamicWaitGroup(),
	}
	c.pool.SetMaxParallelism(runtime.GOMAXPROCS(0) - 1)
	return c
}

// Name implements engine.Core.
func (c *Core) Name() string { return Name }

// Devices implements engine.Core.
func (c *Core) Devices() []string { return slices.Clone(c.opts.Devices) }

func (c *Core) hasDevice(device string) bool {
	return slices.Contains(c.opts.Devices, device)
}

// Workers returns the maximum number of requests that run at the same time.
func (c *Core) Workers() int { return c.workers.Capacity() }

// KernelParallelism returns the number of extra goroutines a kernel may split its work over.
func (c *Core) KernelParallelism() int { return c.pool.MaxParallelism() }

// LoadExtension implements engine.Core.
func (c *Core) LoadExtension(path string) (engine.Extension, error) {
	if c.opts.ExtensionLoader != nil {
		ext, err := c.opts.ExtensionLoader(path)
		if err != nil {
			return nil, errors.WithMessagef(err, "loading extension %q", path)
		}
		return ext, nil
	}
	p, err := plugin.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "loading extension %q", path)
	}
	symbol, err := p.Lookup(ExtensionSymbol)
	if err != nil {
		return nil, errors.Wrapf(err, "loading extension %q", path)
	}
	switch ext := symbol.(type) {
	case engine.Extension:
		return ext, nil
	case *engine.Extension:
		return *ext, nil
	}
	return nil, errors.Errorf("extension %q: symbol %s has type %T, not engine.Extension", path, ExtensionSymbol, symbol)
}

// AddExtension implements engine.Core.
func (c *Core) AddExtension(ext engine.Extension, device string) error {
	if !c.hasDevice(device) {
		return errors.Errorf("device %q not available", device)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("goengine: core is closed")
	}
	c.extensions[device] = append(c.extensions[device], ext)
	klog.V(1).Infof("goengine: extension %q added to %s", ext.Name(), device)
	return nil
}

// SetConfig implements engine.Core.
func (c *Core) SetConfig(config map[string]string, device string) error {
	if !c.hasDevice(device) {
		return errors.Errorf("device %q not available", device)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, value := range config {
		switch {
		case key == engine.KeyCPUThreadsNum && device == engine.DeviceCPU:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return errors.Errorf("invalid %s=%q", key, value)
			}
			if n == 0 {
				n = runtime.GOMAXPROCS(0)
			}
			c.workers.Resize(n)
			c.pool.SetMaxParallelism(n - 1)
		case key == engine.KeyVPUPlatform && device == engine.DeviceMyriad:
			if err := c.checkVPUPlatform(value); err != nil {
				return err
			}
		default:
			return errors.Errorf("config key %q not supported by device %s", key, device)
		}
		if c.config[device] == nil {
			c.config[device] = make(map[string]string)
		}
		c.config[device][key] = value
	}
	return nil
}

func (c *Core) checkVPUPlatform(platform string) error {
	if platform != c.opts.MyriadPlatform {
		return errors.Errorf("MYRIAD device is a %s, it doesn't support %s=%s",
			c.opts.MyriadPlatform, engine.KeyVPUPlatform, platform)
	}
	return nil
}

// Close implements engine.Core. It waits for the running requests.
func (c *Core) Close() error {
	c.inFlight.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.extensions = nil
	return nil
}
