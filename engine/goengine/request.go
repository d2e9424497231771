// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package goengine

import (
	"sync"

	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/xsync"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Request implements engine.InferRequest.
type Request struct {
	exec *Executable

	mu       sync.Mutex
	inputs   map[string]*engine.Blob
	outputs  map[string]*engine.Blob
	callback engine.CompletionCallback
	running  bool
	done     *xsync.LatchWithValue[engine.StatusCode]
}

var _ engine.InferRequest = (*Request)(nil)

func bind(kind string, dst map[string]*engine.Blob, blobs map[string]*engine.Blob) error {
	for name, blob := range blobs {
		current, found := dst[name]
		if !found {
			return errors.Errorf("network has no %s named %q", kind, name)
		}
		if blob.Size() != current.Size() {
			return errors.Errorf("%s %q requires %d elements, blob %s has %d", kind, name, current.Size(), blob.TensorDesc(), blob.Size())
		}
		if blob.Precision().ElementSize() == 0 {
			return errors.Wrapf(engine.ErrNotImplemented, "%s %q: precision %s", kind, name, blob.Precision())
		}
	}
	for name, blob := range blobs {
		dst[name] = blob
	}
	return nil
}

// SetInput implements engine.InferRequest.
func (r *Request) SetInput(blobs map[string]*engine.Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bind("input", r.inputs, blobs)
}

// SetOutput implements engine.InferRequest.
func (r *Request) SetOutput(blobs map[string]*engine.Blob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bind("output", r.outputs, blobs)
}

// Blob implements engine.InferRequest.
func (r *Request) Blob(name string) (*engine.Blob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if blob, found := r.inputs[name]; found {
		return blob, nil
	}
	if blob, found := r.outputs[name]; found {
		return blob, nil
	}
	return nil, errors.Errorf("network has no input or output named %q", name)
}

// SetCompletionCallback implements engine.InferRequest.
func (r *Request) SetCompletionCallback(callback engine.CompletionCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = callback
}

func (r *Request) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("inference request is busy")
	}
	r.running = true
	return nil
}

func (r *Request) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
}

// Infer implements engine.InferRequest.
func (r *Request) Infer() error {
	if err := r.acquire(); err != nil {
		return err
	}
	defer r.release()
	return r.run()
}

// StartAsync implements engine.InferRequest.
//
// The network runs on a new goroutine, gated by the core's CPU_THREADS_NUM limit, and the
// completion callback is called from that goroutine.
func (r *Request) StartAsync() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("inference request is busy")
	}
	r.running = true
	done := xsync.NewLatchWithValue[engine.StatusCode]()
	r.done = done
	callback := r.callback
	r.mu.Unlock()

	core := r.exec.core
	core.inFlight.Add(1)
	go func() {
		defer core.inFlight.Done()
		status := engine.OK
		if err := r.run(); err != nil {
			klog.V(1).Infof("goengine: asynchronous request on %s failed: %+v", r.exec.device, err)
			status = engine.GeneralError
			if errors.Is(err, engine.ErrNotImplemented) {
				status = engine.NotImplemented
			}
		}
		r.release()
		if callback != nil {
			callback(r, status)
		}
		done.Trigger(status)
	}()
	return nil
}

// Wait implements engine.InferRequest.
func (r *Request) Wait() engine.StatusCode {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return engine.OK
	}
	return done.Wait()
}

// run executes the plan once.
func (r *Request) run() error {
	core := r.exec.core
	core.workers.Acquire()
	defer core.workers.Release()

	r.mu.Lock()
	inputs, outputs := r.inputs, r.outputs
	r.mu.Unlock()

	net := r.exec.net
	values := make(map[*engine.Data]*engine.Blob)
	allocate := func(data *engine.Data) (*engine.Blob, error) {
		desc := data.TensorDesc()
		desc.Precision = engine.FP32
		return engine.AllocateBlob(desc)
	}
	for name, info := range net.InputsInfo() {
		blob, err := allocate(info.Data())
		if err != nil {
			return err
		}
		if err := blob.SetFloat32s(inputs[name].Float32s()); err != nil {
			return errors.WithMessagef(err, "input %q", name)
		}
		values[info.Data()] = blob
	}
	for _, s := range r.exec.steps {
		l := s.layer
		switch {
		case l.Type == engine.TypeInput:
			continue
		case s.constValue != nil:
			blob, err := allocate(l.OutData[0])
			if err != nil {
				return err
			}
			if err := blob.SetFloat32s(s.constValue.Float32s()); err != nil {
				return errors.WithMessagef(err, "const layer %q", l.Name)
			}
			values[l.OutData[0]] = blob
			continue
		}
		in := make([]*engine.Blob, len(l.InData))
		for i, data := range l.InData {
			if data != nil {
				in[i] = values[data]
			}
		}
		out := make([]*engine.Blob, len(l.OutData))
		for i, data := range l.OutData {
			blob, err := allocate(data)
			if err != nil {
				return err
			}
			out[i] = blob
			values[data] = blob
		}
		if err := s.kernel.run(in, out); err != nil {
			return errors.WithMessagef(err, "layer %q on %s", l.Name, s.device)
		}
		if s.roundFP16 {
			for _, blob := range out {
				roundThroughFloat16(flat32(blob))
			}
		}
	}
	for name, data := range net.OutputsInfo() {
		if err := outputs[name].SetFloat32s(values[data].Float32s()); err != nil {
			return errors.WithMessagef(err, "output %q", name)
		}
	}
	return nil
}

func roundThroughFloat16(values []float32) {
	for i, v := range values {
		values[i] = float16.Fromfloat32(v).Float32()
	}
}
