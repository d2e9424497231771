// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dnn defines the host side of the inference engine adapter: the layers whose graph is
// lowered into the engine, and the compute targets they can be compiled for.
//
// The adapter (package backends/ie) consumes these abstractions but doesn't own them.
package dnn

import (
	"strconv"
	"strings"

	"github.com/gomlx/dnnie/types/tensors"
	"github.com/pkg/errors"
)

// Target selects the device a network is compiled for.
type Target int

const (
	TargetCPU Target = iota
	TargetOpenCL
	TargetOpenCLFP16
	TargetMyriad
	TargetVulkan
	TargetFPGA
)

var targetNames = map[Target]string{
	TargetCPU:        "cpu",
	TargetOpenCL:     "opencl",
	TargetOpenCLFP16: "opencl_fp16",
	TargetMyriad:     "myriad",
	TargetVulkan:     "vulkan",
	TargetFPGA:       "fpga",
}

// String implements fmt.Stringer.
func (t Target) String() string {
	if name, found := targetNames[t]; found {
		return name
	}
	return "Target(" + strconv.Itoa(int(t)) + ")"
}

// ParseTarget converts a target name (case-insensitive, as returned by Target.String) to a Target.
func ParseTarget(name string) (Target, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for target, targetName := range targetNames {
		if targetName == name {
			return target, nil
		}
	}
	return 0, errors.Errorf("unknown target %q", name)
}

// Layer is a host layer implementation.
//
// Forward reads inputs and writes into the pre-allocated outputs. Internals are scratch tensors
// allocated by the caller with the shapes the layer requested when the graph was built.
// Implementations may also panic on failure: callers running layers on engine threads recover.
type Layer interface {
	Name() string
	Forward(inputs, outputs, internals []*tensors.Tensor) error
}

// FuncLayer adapts a function to the Layer interface.
type FuncLayer struct {
	LayerName string
	Fn        func(inputs, outputs, internals []*tensors.Tensor) error
}

var _ Layer = (*FuncLayer)(nil)

// Name implements Layer.
func (l *FuncLayer) Name() string { return l.LayerName }

// Forward implements Layer.
func (l *FuncLayer) Forward(inputs, outputs, internals []*tensors.Tensor) error {
	return l.Fn(inputs, outputs, internals)
}
