// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Device names.
const (
	DeviceCPU    = "CPU"
	DeviceGPU    = "GPU"
	DeviceMyriad = "MYRIAD"
	DeviceFPGA   = "FPGA"

	// HeteroPrefix starts the name of a heterogeneous device, e.g. "HETERO:MYRIAD,CPU".
	HeteroPrefix = "HETERO:"
)

// Configuration keys and values understood by Core.SetConfig and Core.LoadNetwork.
const (
	KeyCPUThreadsNum = "CPU_THREADS_NUM"
	KeyVPUPlatform   = "VPU_PLATFORM"

	VPUPlatform2450 = "VPU_2450"
	VPUPlatform2480 = "VPU_2480"
)

// HeteroDevice returns the name of the heterogeneous device that splits a network over devices,
// in order of priority.
func HeteroDevice(devices ...string) string {
	return HeteroPrefix + strings.Join(devices, ",")
}

// ParseHeteroDevice returns the devices of a heterogeneous device name, or false if name is not one.
func ParseHeteroDevice(name string) ([]string, bool) {
	if !strings.HasPrefix(name, HeteroPrefix) {
		return nil, false
	}
	devices := strings.Split(strings.TrimPrefix(name, HeteroPrefix), ",")
	for _, d := range devices {
		if d == "" {
			return nil, false
		}
	}
	return devices, true
}

// Core is the entry point of an engine runtime.
//
// Implementations must allow concurrent use after configuration, but configuration calls
// (LoadExtension, AddExtension, SetConfig) are expected to be serialized by the caller.
type Core interface {
	// Name of the runtime.
	Name() string

	// Devices lists the devices available, e.g. "CPU", "MYRIAD".
	Devices() []string

	// LoadExtension loads an extension library from path. It doesn't register it.
	LoadExtension(path string) (Extension, error)

	// AddExtension registers ext for the device.
	AddExtension(ext Extension, device string) error

	// SetConfig applies configuration keys to the device.
	SetConfig(config map[string]string, device string) error

	// LoadNetwork compiles the network for the device, which may be a HETERO device.
	LoadNetwork(net *Network, device string, config map[string]string) (ExecutableNetwork, error)

	// Close releases the runtime resources. The Core must not be used afterwards.
	Close() error
}

// ExecutableNetwork is a Network compiled for a device.
type ExecutableNetwork interface {
	// Device the network was loaded on.
	Device() string

	// Affinity returns the device assigned to each layer.
	Affinity() map[string]string

	// CreateInferRequest creates a new request, with its own intermediate buffers.
	CreateInferRequest() (InferRequest, error)
}

// CompletionCallback is called when an asynchronous request finishes, on a goroutine owned by the runtime.
type CompletionCallback func(request InferRequest, status StatusCode)

// InferRequest executes an ExecutableNetwork.
//
// A request is not safe for concurrent use: only one Infer or StartAsync may be in flight at a time.
type InferRequest interface {
	// SetInput binds the blobs of network inputs by name.
	SetInput(blobs map[string]*Blob) error

	// SetOutput binds the blobs of network outputs by name.
	SetOutput(blobs map[string]*Blob) error

	// Blob returns the blob bound (or allocated) for an input or output name.
	Blob(name string) (*Blob, error)

	// Infer runs the network synchronously.
	Infer() error

	// StartAsync starts running the network and returns immediately.
	StartAsync() error

	// Wait blocks until the current asynchronous run finishes and returns its status.
	// It returns OK immediately if none was started.
	Wait() StatusCode

	// SetCompletionCallback sets the function called after each asynchronous run.
	SetCompletionCallback(callback CompletionCallback)
}

// Constructor takes an options string (optionally empty) and returns a Core.
type Constructor func(options string) (Core, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register an engine runtime with the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the sorted names of the registered runtimes.
func Registered() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the runtime configuration used by NewCore when DNNIE_ENGINE is not set.
var DefaultConfig string

// DNNIE_ENGINE is the environment variable with the default runtime configuration,
// formatted as "<engine_name>:<options>".
const DNNIE_ENGINE = "DNNIE_ENGINE"

// NewCore creates a Core.
//
// The configuration comes from, in order: the config argument if not empty, the environment
// variable DNNIE_ENGINE, DefaultConfig. The format is "<engine_name>:<options>"; without a
// name prefix, the first registered runtime receives the whole string as options.
func NewCore(config string) (Core, error) {
	if config == "" {
		if envConfig, found := os.LookupEnv(DNNIE_ENGINE); found {
			config = envConfig
		} else {
			config = DefaultConfig
		}
	}
	muRegistry.Lock()
	if len(registeredConstructors) == 0 {
		muRegistry.Unlock()
		return nil, errors.Errorf(`no registered inference engine, maybe import _ "github.com/gomlx/dnnie/engine/goengine"?`)
	}
	name, options := firstRegistered, config
	if idx := strings.Index(config, ":"); idx != -1 {
		name, options = config[:idx], config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		name, options = config, ""
	}
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find inference engine %q for configuration %q", name, config)
	}
	core, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating inference engine %q", name)
	}
	return core, nil
}
