// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"sync"

	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/dnnie/types/xsync"
	"github.com/gomlx/exceptions"
)

// DefaultInputName is used for anonymous inputs, instead of letting the engine generate a name.
const DefaultInputName = "empty_inp_layer_name"

// Wrapper binds a host tensor to an engine blob, which aliases the tensor storage, and to an
// engine data node that names it in the network.
type Wrapper struct {
	target dnn.Target
	tensor *tensors.Tensor
	blob   *engine.Blob
	data   *engine.Data

	muFuture sync.Mutex
	future   *xsync.Future[*tensors.Tensor]
}

// Wrap creates a Wrapper for t. The data node is named after the tensor, or DefaultInputName if
// the tensor has no name.
//
// Only Float32 and Uint8 tensors are supported, others return an error wrapping ErrNotImplemented.
func Wrap(target dnn.Target, t *tensors.Tensor) (*Wrapper, error) {
	name := t.Name()
	if name == "" {
		name = DefaultInputName
	}
	data, err := WrapToDataNode(t, name)
	if err != nil {
		return nil, err
	}
	blob, err := WrapToBlob(t)
	if err != nil {
		return nil, err
	}
	return &Wrapper{target: target, tensor: t, blob: blob, data: data}, nil
}

// Rewrap creates a Wrapper that shares the tensor and blob of w, with an independent copy of its
// data node.
func Rewrap(w *Wrapper) *Wrapper {
	if w == nil {
		exceptions.Panicf("ie.Rewrap(nil)")
	}
	return &Wrapper{target: w.target, tensor: w.tensor, blob: w.blob, data: w.data.Clone()}
}

// Target the wrapper was created for.
func (w *Wrapper) Target() dnn.Target { return w.target }

// Tensor is the host tensor.
func (w *Wrapper) Tensor() *tensors.Tensor { return w.tensor }

// Blob is the engine blob aliasing the tensor.
func (w *Wrapper) Blob() *engine.Blob { return w.blob }

// Data is the engine data node.
func (w *Wrapper) Data() *engine.Data { return w.data }

// Name of the data node.
func (w *Wrapper) Name() string { return w.data.Name() }

// CopyToHost is a no-op: the blob aliases the host tensor.
func (w *Wrapper) CopyToHost() {}

// SetHostDirty is a no-op: the blob aliases the host tensor.
func (w *Wrapper) SetHostDirty() {}

// Future returns the result of the last asynchronous Network.Forward that listed this wrapper as
// an output, or nil.
func (w *Wrapper) Future() *xsync.Future[*tensors.Tensor] {
	w.muFuture.Lock()
	defer w.muFuture.Unlock()
	return w.future
}

func (w *Wrapper) setFuture(f *xsync.Future[*tensors.Tensor]) {
	w.muFuture.Lock()
	defer w.muFuture.Unlock()
	w.future = f
}
