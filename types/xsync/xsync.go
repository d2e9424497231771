// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools used by the engine and the backend adapter:
// latches, a resizable semaphore, a typed sync.Map, a dynamic wait group and single-settlement futures.
package xsync

import "sync"

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state.
type Latch struct {
	once sync.Once
	wait chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{wait: make(chan struct{})}
}

// Trigger the latch. It returns true only for the call that actually triggered it.
func (l *Latch) Trigger() (triggered bool) {
	l.once.Do(func() {
		close(l.wait)
		triggered = true
	})
	return
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test checks whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel closed when the latch triggers, to be used in a `select`.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// LatchWithValue is a Latch that carries a value set by the triggering call.
type LatchWithValue[T any] struct {
	value T
	latch *Latch
}

// NewLatchWithValue returns an un-triggered latch.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{latch: NewLatch()}
}

// Trigger the latch with the given value.
// Only the first call stores its value, and only that call returns true.
func (l *LatchWithValue[T]) Trigger(value T) (triggered bool) {
	l.latch.once.Do(func() {
		l.value = value
		close(l.latch.wait)
		triggered = true
	})
	return
}

// Wait blocks until the latch is triggered and returns the associated value.
func (l *LatchWithValue[T]) Wait() T {
	l.latch.Wait()
	return l.value
}

// Test checks whether the latch has been triggered.
func (l *LatchWithValue[T]) Test() bool {
	return l.latch.Test()
}

// WaitChan returns a channel closed when the latch triggers.
func (l *LatchWithValue[T]) WaitChan() <-chan struct{} {
	return l.latch.wait
}

// Semaphore that allows dynamic resizing.
//
// It uses a sync.Cond, so it is slower than a channel based semaphore with fixed capacity.
// That doesn't matter for coarse resource control like the number of in-flight inference requests.
type Semaphore struct {
	cond              sync.Cond
	capacity, current int
}

// NewSemaphore returns a Semaphore that allows at most capacity simultaneous acquisitions.
// If capacity <= 0, there is no limit on acquisitions.
func NewSemaphore(capacity int) *Semaphore {
	return &Semaphore{
		cond:     sync.Cond{L: &sync.Mutex{}},
		capacity: capacity,
	}
}

// Acquire one unit, blocking while the semaphore is at capacity.
// It must be matched by exactly one call to Release.
func (s *Semaphore) Acquire() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	for s.capacity > 0 && s.current >= s.capacity {
		s.cond.Wait()
	}
	s.current++
}

// Release one unit previously taken with Acquire.
func (s *Semaphore) Release() {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	s.current--
	s.cond.Signal()
}

// Capacity returns the current capacity. A value <= 0 means unlimited.
func (s *Semaphore) Capacity() int {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	return s.capacity
}

// Resize the semaphore.
//
// Growing it may immediately unblock pending Acquire calls (all waiters are woken, so FIFO order may be lost).
// Shrinking it doesn't affect current holders.
func (s *Semaphore) Resize(newCapacity int) {
	s.cond.L.Lock()
	defer s.cond.L.Unlock()
	if newCapacity == s.capacity {
		return
	}
	s.capacity = newCapacity
	s.cond.Broadcast()
}

// SyncMap is a wrapper to sync.Map that casts the key and value types accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key.
// The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// Delete deletes the value for a key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.Map.Delete(key)
}

// Len counts the entries in the map. It is O(n).
func (m *SyncMap[K, V]) Len() (n int) {
	m.Map.Range(func(_, _ any) bool {
		n++
		return true
	})
	return
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
