// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool splits the element-wise work of a kernel over a bounded number of goroutines.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool of workers shared by the kernels of one engine core.
type Pool struct {
	mu sync.Mutex

	// maxParallelism is the number of goroutines that may run tasks at the same time:
	// 0 disables parallelism and a negative value makes it unlimited.
	maxParallelism int
	numRunning     int
}

// New returns a Pool with parallelism runtime.NumCPU().
func New() *Pool {
	return &Pool{maxParallelism: runtime.NumCPU()}
}

// MaxParallelism returns the number of tasks that may run in parallel, see SetMaxParallelism.
func (w *Pool) MaxParallelism() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxParallelism
}

// SetMaxParallelism sets the number of tasks that may run in parallel.
// If set to 0 parallelism is disabled, if negative it is unlimited.
//
// It can be changed at any time: running tasks are not affected.
func (w *Pool) SetMaxParallelism(maxParallelism int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxParallelism = maxParallelism
}

// lockedIsFull returns whether all workers are in use. w.mu must be held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// StartIfAvailable runs task in a separate goroutine if a worker is available, and returns whether
// it did. It's up to the caller to synchronize with the end of the task.
func (w *Pool) StartIfAvailable(task func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lockedIsFull() {
		return false
	}
	w.numRunning++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.mu.Unlock()
		}()
		task()
	}()
	return true
}

// Split calls fn on consecutive ranges [start, end) covering [0, n), of at least minChunk elements
// except possibly the last one. Ranges run on the available workers, or inline if there are none,
// and Split returns once all of them are done.
func (w *Pool) Split(n, minChunk int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	minChunk = max(minChunk, 1)
	numChunks := (n + minChunk - 1) / minChunk
	if parallelism := w.MaxParallelism(); parallelism >= 0 {
		numChunks = min(numChunks, parallelism+1)
	}
	if numChunks <= 1 {
		fn(0, n)
		return
	}
	chunkSize := (n + numChunks - 1) / numChunks
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		if end == n {
			// The calling goroutine takes the last range.
			fn(start, end)
			break
		}
		wg.Add(1)
		if !w.StartIfAvailable(func() {
			defer wg.Done()
			fn(start, end)
		}) {
			wg.Done()
			fn(start, end)
		}
	}
	wg.Wait()
}
