// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"slices"
	"sync/atomic"

	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/dnnie/types/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// inferRequest is a pooled engine request.
//
// A request is bound either to the network blobs (synchronous) or to its own copies of them
// (asynchronous), and it is only reused for the same mode.
type inferRequest struct {
	id      uuid.UUID
	request engine.InferRequest
	async   bool
	ready   atomic.Bool

	// Set by Forward before starting an asynchronous run, read by the completion callback.
	names    []string
	promises []*xsync.Promise[*tensors.Tensor]
}

// NumRequests returns the size of the request pool.
func (n *Network) NumRequests() int {
	n.muRequests.Lock()
	defer n.muRequests.Unlock()
	return len(n.requests)
}

// Forward runs the network.
//
// Synchronously, it returns once the results are in the blobs registered with AddBlobs.
//
// Asynchronously, it copies the current contents of the input blobs and returns once the run
// started. Each wrapper in outputs then has a Future, resolved with a copy of the result or with
// the error of the run.
func (n *Network) Forward(outputs []*Wrapper, async bool) error {
	if !n.initialized {
		return errors.WithStack(ErrNotInitialized)
	}
	req, err := n.acquireRequest(async)
	if err != nil {
		return err
	}
	if !async {
		defer req.ready.Store(true)
		if err := req.request.Infer(); err != nil {
			return errors.WithMessagef(err, "inference on %s", n.device)
		}
		return nil
	}

	for name := range n.cnn.InputsInfo() {
		dst, err := req.request.Blob(name)
		if err == nil {
			err = dst.CopyFrom(n.allBlobs[name])
		}
		if err != nil {
			req.ready.Store(true)
			return errors.WithMessagef(err, "copying input %q", name)
		}
	}
	req.names = make([]string, len(outputs))
	req.promises = make([]*xsync.Promise[*tensors.Tensor], len(outputs))
	for i, w := range outputs {
		req.names[i] = w.Name()
		req.promises[i] = xsync.NewPromise[*tensors.Tensor]()
		w.setFuture(req.promises[i].Future())
	}
	if err := req.request.StartAsync(); err != nil {
		err = errors.WithMessagef(err, "starting asynchronous inference on %s", n.device)
		for _, p := range req.promises {
			_ = p.SetError(err)
		}
		req.ready.Store(true)
		return err
	}
	return nil
}

// Wait blocks until the asynchronous runs started by Forward finish, including the settlement of
// their futures.
func (n *Network) Wait() {
	n.muRequests.Lock()
	requests := slices.Clone(n.requests)
	n.muRequests.Unlock()
	for _, req := range requests {
		req.request.Wait()
	}
}

// acquireRequest returns an idle request of the given mode, marked busy, creating one if needed.
func (n *Network) acquireRequest(async bool) (*inferRequest, error) {
	n.muRequests.Lock()
	defer n.muRequests.Unlock()
	for _, req := range n.requests {
		if req.async == async && req.ready.CompareAndSwap(true, false) {
			return req, nil
		}
	}

	request, err := n.exec.CreateInferRequest()
	if err != nil {
		return nil, &InitializationError{Device: n.exec.Device(), Cause: err}
	}
	req := &inferRequest{id: uuid.New(), request: request, async: async}
	bindings := func(names []string) (map[string]*engine.Blob, error) {
		blobs := make(map[string]*engine.Blob, len(names))
		for _, name := range names {
			blob, found := n.allBlobs[name]
			if !found {
				return nil, errors.Errorf("no blob registered for %q", name)
			}
			if async {
				if blob, err = CloneBlob(blob); err != nil {
					return nil, err
				}
			}
			blobs[name] = blob
		}
		return blobs, nil
	}
	inputs, err := bindings(n.cnn.InputNames())
	if err != nil {
		return nil, err
	}
	outputs, err := bindings(n.cnn.OutputNames())
	if err != nil {
		return nil, err
	}
	if err := request.SetInput(inputs); err != nil {
		return nil, err
	}
	if err := request.SetOutput(outputs); err != nil {
		return nil, err
	}
	request.SetCompletionCallback(req.onComplete)
	n.requests = append(n.requests, req)
	klog.V(1).Infof("inference request %s created (async=%v), %d requests in pool", req.id, async, len(n.requests))
	return req, nil
}

// onComplete resolves the promises of an asynchronous run, in order, and makes the request
// available again.
func (req *inferRequest) onComplete(request engine.InferRequest, status engine.StatusCode) {
	defer req.ready.Store(true)
	processed := 0
	failRemaining := func(err error) {
		for ; processed < len(req.promises); processed++ {
			if setErr := req.promises[processed].SetError(err); setErr != nil {
				klog.Errorf("request %s: failed to propagate error of asynchronous inference: %v", req.id, setErr)
			}
		}
	}
	for ; processed < len(req.promises); processed++ {
		name := req.names[processed]
		blob, err := request.Blob(name)
		var t *tensors.Tensor
		if err == nil {
			t, err = BlobToTensor(blob)
		}
		if err != nil {
			failRemaining(errors.WithMessagef(err, "output %q of asynchronous inference", name))
			return
		}
		promise := req.promises[processed]
		if status != engine.OK {
			err = promise.SetError(errors.WithMessagef(status.Err(), "asynchronous inference of %q", name))
		} else {
			err = promise.SetValue(t.Clone().SetName(name))
		}
		if err != nil {
			if setErr := promise.SetError(err); setErr != nil {
				klog.Errorf("request %s: failed to propagate error of asynchronous inference: %v", req.id, setErr)
			}
		}
	}
}
