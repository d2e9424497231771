// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// StatusCode returned by extension implementations and by asynchronous requests.
type StatusCode int

const (
	OK             StatusCode = 0
	GeneralError   StatusCode = -1
	NotImplemented StatusCode = -2
)

// String implements fmt.Stringer.
func (s StatusCode) String() string {
	switch s {
	case OK:
		return "OK"
	case GeneralError:
		return "GENERAL_ERROR"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	}
	return fmt.Sprintf("StatusCode(%d)", int(s))
}

// Err converts the status to an error, nil for OK.
func (s StatusCode) Err() error {
	switch s {
	case OK:
		return nil
	case NotImplemented:
		return errors.WithStack(ErrNotImplemented)
	}
	return errors.Errorf("engine status %s", s)
}

// DataConfig describes one input or output of a layer implementation.
type DataConfig struct {
	Desc TensorDesc
}

// LayerConfig is a configuration a layer implementation supports.
type LayerConfig struct {
	In, Out []DataConfig
}

// LayerImpl executes one layer of an extension.
type LayerImpl interface {
	// SupportedConfigurations lists the input/output descriptions the implementation accepts.
	SupportedConfigurations() ([]LayerConfig, StatusCode)

	// Init prepares the implementation for the selected configuration.
	Init(config LayerConfig) StatusCode

	// Execute runs the layer. Output blobs are pre-allocated.
	Execute(inputs, outputs []*Blob) StatusCode
}

// LayerImplFactory creates the implementations of one layer.
type LayerImplFactory interface {
	Implementations() ([]LayerImpl, StatusCode)
}

// Extension provides implementations for layer types the engine has no kernel for.
type Extension interface {
	Name() string

	// FactoryFor returns NotImplemented if the extension doesn't handle the layer type.
	FactoryFor(layer *CNNLayer) (LayerImplFactory, StatusCode)
}
