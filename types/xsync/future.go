// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"

	"github.com/pkg/errors"
)

// ErrAlreadySettled is returned when a Promise is fulfilled or failed more than once.
var ErrAlreadySettled = errors.New("promise already settled")

type outcome[T any] struct {
	value T
	err   error
}

// Promise is the producing side of a Future: it is settled exactly once, either with a value
// (SetValue) or with an error (SetError).
//
// It is safe to settle a Promise from a goroutine different from the ones waiting on its Future.
type Promise[T any] struct {
	latch *LatchWithValue[outcome[T]]
}

// Future is the consuming side of a Promise.
type Future[T any] struct {
	latch *LatchWithValue[outcome[T]]
}

// NewPromise creates an unsettled Promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{latch: NewLatchWithValue[outcome[T]]()}
}

// Future returns the Future tied to this Promise. It can be called any number of times.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{latch: p.latch}
}

// SetValue fulfills the promise. It returns ErrAlreadySettled if the promise was already settled.
func (p *Promise[T]) SetValue(value T) error {
	if !p.latch.Trigger(outcome[T]{value: value}) {
		return ErrAlreadySettled
	}
	return nil
}

// SetError fails the promise with err. A nil err is replaced by a generic error, since a failed
// promise must always report a cause.
func (p *Promise[T]) SetError(err error) error {
	if err == nil {
		err = errors.New("promise failed with unknown error")
	}
	if !p.latch.Trigger(outcome[T]{err: err}) {
		return ErrAlreadySettled
	}
	return nil
}

// Settled returns whether the promise has been fulfilled or failed.
func (p *Promise[T]) Settled() bool {
	return p.latch.Test()
}

// Get blocks until the future is settled and returns its value or error.
func (f *Future[T]) Get() (T, error) {
	o := f.latch.Wait()
	return o.value, o.err
}

// GetWithContext is like Get, but gives up when ctx is done.
// Giving up doesn't affect the promise: a later Get will still see the result.
func (f *Future[T]) GetWithContext(ctx context.Context) (value T, err error) {
	select {
	case <-f.latch.WaitChan():
		return f.Get()
	case <-ctx.Done():
		return value, ctx.Err()
	}
}

// Ready returns whether the future is settled, without blocking.
func (f *Future[T]) Ready() bool {
	return f.latch.Test()
}

// Done returns a channel closed once the future is settled.
func (f *Future[T]) Done() <-chan struct{} {
	return f.latch.WaitChan()
}
