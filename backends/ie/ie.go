// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ie is the inference engine backend of package dnn: it translates a dnn layer graph into
// an engine network, compiles it for a device and runs it, synchronously or asynchronously.
//
// The main types are:
//
//   - Wrapper: binds a host tensor to an engine blob and data node.
//   - Node: a layer of the network, either a native engine layer or a host dnn.Layer executed
//     through the host-layer bridge.
//   - Network: builds the engine network layer by layer (AddLayer, Connect), compiles it (Init)
//     and runs it (Forward).
//   - DeviceCache: the per-device engine plugins shared by all networks, with the global
//     initialization lock and the registry of host layers.
//
// Dimensions of engine blobs are in engine order (innermost first); the functions in this package
// convert them to and from the host order of tensors.Tensor.
package ie

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/gomlx/dnnie/engine"
	"github.com/pkg/errors"
)

var (
	// ErrNotImplemented is returned (wrapped) for unsupported element types, precisions and targets.
	ErrNotImplemented = engine.ErrNotImplemented

	// ErrAlreadyInitialized is returned when mutating or initializing a network that was already initialized.
	ErrAlreadyInitialized = errors.New("network already initialized")

	// ErrNotInitialized is returned when running a network that was not initialized.
	ErrNotInitialized = errors.New("network not initialized")

	// ErrNameCollision is returned when adding a layer whose name is already used in the network.
	ErrNameCollision = errors.New("layer name collision")
)

// InitializationError is returned when the engine fails to create a plugin, compile a network or
// create an inference request.
type InitializationError struct {
	Device string
	Cause  error
}

// Error implements error.
func (e *InitializationError) Error() string {
	return fmt.Sprintf("failed to initialize inference engine backend for %s: %v", e.Device, e.Cause)
}

// Unwrap returns the cause.
func (e *InitializationError) Unwrap() error { return e.Cause }

// Environment variables read by ConfigFromEnv.
const (
	EnvExtraPluginPath = "DNNIE_EXTRA_PLUGIN_PATH"
	EnvVPUType         = "DNNIE_VPU_TYPE"
	EnvNumThreads      = "DNNIE_NUM_THREADS"
)

// VPU types.
const (
	VPUTypeMyriad2 = "Myriad2"
	VPUTypeMyriadX = "MyriadX"
)

// Config of a DeviceCache.
type Config struct {
	// ExtraPluginPath is an extension library tried before the builtin candidates.
	ExtraPluginPath string

	// VPUType overrides the VPU autodetection if not empty.
	VPUType string

	// NumThreads is given to the CPU device as CPU_THREADS_NUM.
	NumThreads int
}

// ConfigFromEnv returns the configuration from the environment variables DNNIE_EXTRA_PLUGIN_PATH,
// DNNIE_VPU_TYPE and DNNIE_NUM_THREADS. NumThreads defaults to runtime.GOMAXPROCS(0).
func ConfigFromEnv() (Config, error) {
	config := Config{
		ExtraPluginPath: os.Getenv(EnvExtraPluginPath),
		VPUType:         os.Getenv(EnvVPUType),
		NumThreads:      runtime.GOMAXPROCS(0),
	}
	if value := os.Getenv(EnvNumThreads); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return config, errors.Errorf("invalid %s=%q, it must be a positive integer", EnvNumThreads, value)
		}
		config.NumThreads = n
	}
	if config.VPUType != "" && config.VPUType != VPUTypeMyriad2 && config.VPUType != VPUTypeMyriadX {
		return config, errors.Errorf("invalid %s=%q, valid values are %q and %q",
			EnvVPUType, config.VPUType, VPUTypeMyriad2, VPUTypeMyriadX)
	}
	return config, nil
}

// HaveInferenceEngine reports whether an engine runtime is registered.
func HaveInferenceEngine() bool {
	return len(engine.Registered()) > 0
}
