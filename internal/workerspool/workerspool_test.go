package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/dnnie/types/xsync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_StartIfAvailable(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(1)
	release := xsync.NewLatch()
	done := xsync.NewLatch()
	require.True(t, pool.StartIfAvailable(func() {
		release.Wait()
		done.Trigger()
	}))
	require.False(t, pool.StartIfAvailable(func() {}), "the only worker is busy")
	release.Trigger()
	select {
	case <-done.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for the task.")
	}

	pool.SetMaxParallelism(0)
	require.False(t, pool.StartIfAvailable(func() {}))
	require.Equal(t, 0, pool.MaxParallelism())
}

func TestPool_Split(t *testing.T) {
	for _, parallelism := range []int{0, 1, 4, -1} {
		pool := New()
		pool.SetMaxParallelism(parallelism)
		for _, n := range []int{0, 1, 7, 100, 1001} {
			visits := make([]atomic.Int32, n)
			var calls atomic.Int32
			pool.Split(n, 10, func(start, end int) {
				calls.Add(1)
				assert.Less(t, start, end)
				for i := start; i < end; i++ {
					visits[i].Add(1)
				}
			})
			for i := range visits {
				require.Equal(t, int32(1), visits[i].Load(), "parallelism=%d, n=%d, index %d", parallelism, n, i)
			}
			if parallelism == 0 && n > 0 {
				require.Equal(t, int32(1), calls.Load())
			}
			if parallelism >= 0 {
				require.LessOrEqual(t, int(calls.Load()), parallelism+1)
			}
		}
	}
}
