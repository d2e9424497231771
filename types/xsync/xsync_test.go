package xsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	require.True(t, l.Trigger())
	require.False(t, l.Trigger())
	l.Wait()
	require.True(t, l.Test())

	lv := NewLatchWithValue[int]()
	require.True(t, lv.Trigger(3))
	require.False(t, lv.Trigger(5))
	require.Equal(t, 3, lv.Wait())
}

func TestSemaphore(t *testing.T) {
	s := NewSemaphore(1)
	s.Acquire()
	acquired := make(chan struct{})
	go func() {
		s.Acquire()
		close(acquired)
	}()
	select {
	case <-acquired:
		t.Fatal("second Acquire should block while capacity is 1")
	case <-time.After(20 * time.Millisecond):
	}
	s.Resize(2)
	<-acquired
	require.Equal(t, 2, s.Capacity())
	s.Release()
	s.Release()

	unlimited := NewSemaphore(0)
	for range 10 {
		unlimited.Acquire()
	}
}

func TestSyncMap(t *testing.T) {
	var m SyncMap[uint64, string]
	m.Store(1, "a")
	m.Store(2, "b")
	v, ok := m.Load(1)
	require.True(t, ok)
	require.Equal(t, "a", v)
	require.Equal(t, 2, m.Len())
	m.Delete(1)
	_, ok = m.Load(1)
	require.False(t, ok)
	require.Equal(t, 1, m.Len())
}

func TestPromise(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		p := NewPromise[int]()
		f := p.Future()
		require.False(t, f.Ready())
		go func() { _ = p.SetValue(7) }()
		v, err := f.Get()
		require.NoError(t, err)
		require.Equal(t, 7, v)
		require.ErrorIs(t, p.SetError(errors.New("late")), ErrAlreadySettled)
		require.ErrorIs(t, p.SetValue(8), ErrAlreadySettled)
		v, err = p.Future().Get()
		require.NoError(t, err)
		require.Equal(t, 7, v)
	})

	t.Run("error", func(t *testing.T) {
		p := NewPromise[string]()
		cause := errors.New("request failed")
		require.NoError(t, p.SetError(cause))
		require.True(t, p.Settled())
		_, err := p.Future().Get()
		require.ErrorIs(t, err, cause)
	})

	t.Run("context", func(t *testing.T) {
		p := NewPromise[int]()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		_, err := p.Future().GetWithContext(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.NoError(t, p.SetValue(1))
		v, err := p.Future().GetWithContext(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, v)
	})

	t.Run("concurrent settlement", func(t *testing.T) {
		p := NewPromise[int]()
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if p.SetValue(i) == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, succeeded)
	})
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Add(2)
	require.Equal(t, 2, wg.Count())
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	wg.Done()
	wg.Add(1)
	wg.Done()
	wg.Done()
	<-done
	require.Panics(t, func() { wg.Done() })
}
