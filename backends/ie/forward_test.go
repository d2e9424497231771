package ie

import (
	"testing"

	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/engine/goengine"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestAsyncForward(t *testing.T) {
	cache := newTestCache(t, Config{NumThreads: 4}, goengine.Options{})
	n := newTestNetwork(t, cache)
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	x := wrapFloat32(t, "x", []float32{1, 2}, 2)
	out := wrapZeros(t, 2)
	host := &dnn.FuncLayer{LayerName: "block", Fn: func(inputs, outputs, _ []*tensors.Tensor) error {
		started <- struct{}{}
		<-release
		return inputs[0].CopyTo(outputs[0])
	}}
	node := must.M1(NewHostNode(host, []*tensors.Tensor{x.Tensor()}, []*tensors.Tensor{out.Tensor()}, nil))
	require.NoError(t, n.AddNode(node))
	require.NoError(t, n.Connect([]*Wrapper{x}, []*Wrapper{out}, "block"))
	n.AddBlobs([]*Wrapper{x, out})
	require.NoError(t, n.Init(dnn.TargetCPU))

	require.NoError(t, Forward([]*Wrapper{out}, node, true))
	first := out.Future()
	require.NotNil(t, first)
	<-started

	// The first run copied its inputs: changing them only affects the second run.
	copy(x.Tensor().Flat().([]float32), []float32{3, 4})
	require.NoError(t, n.Forward([]*Wrapper{out}, true))
	second := out.Future()
	require.NotSame(t, first, second)
	<-started
	require.Equal(t, 2, n.NumRequests())
	require.False(t, first.Ready())

	close(release)
	v1 := must.M1(first.Get())
	require.Equal(t, "block", v1.Name())
	require.Equal(t, []float32{1, 2}, tensors.CopyFlatData[float32](v1))
	v2 := must.M1(second.Get())
	require.Equal(t, []float32{3, 4}, tensors.CopyFlatData[float32](v2))
	require.Equal(t, []float32{0, 0}, values(out), "asynchronous results are only delivered through futures")

	// Idle asynchronous requests are reused.
	n.Wait()
	require.NoError(t, n.Forward([]*Wrapper{out}, true))
	v3 := must.M1(out.Future().Get())
	require.Equal(t, []float32{3, 4}, tensors.CopyFlatData[float32](v3))
	require.Equal(t, 2, n.NumRequests())

	// Synchronous runs get their own request, bound to the registered blobs.
	n.Wait()
	require.NoError(t, n.Forward([]*Wrapper{out}, false))
	require.Equal(t, []float32{3, 4}, values(out))
	require.Equal(t, 3, n.NumRequests())
}

func TestAsyncFailure(t *testing.T) {
	cache := newTestCache(t, Config{}, goengine.Options{})
	n := newTestNetwork(t, cache)
	x := wrapFloat32(t, "x", []float32{-1, 2}, 2)
	a, bad := wrapZeros(t, 2), wrapZeros(t, 2)
	require.NoError(t, n.AddLayer(engine.ReLULayer("a")))
	require.NoError(t, n.Connect([]*Wrapper{x}, []*Wrapper{a}, "a"))
	failing := &dnn.FuncLayer{LayerName: "bad", Fn: func(_, _, _ []*tensors.Tensor) error {
		return errors.New("host layer failed")
	}}
	require.NoError(t, n.AddNode(must.M1(NewHostNode(failing, []*tensors.Tensor{x.Tensor()}, []*tensors.Tensor{bad.Tensor()}, nil))))
	require.NoError(t, n.Connect([]*Wrapper{x}, []*Wrapper{bad}, "bad"))
	n.AddBlobs([]*Wrapper{x, a, bad})
	require.NoError(t, n.Init(dnn.TargetCPU))
	require.Equal(t, []string{"a", "bad"}, n.CNN().OutputNames())

	require.NoError(t, n.Forward([]*Wrapper{a, bad}, true))
	for _, w := range []*Wrapper{a, bad} {
		_, err := w.Future().Get()
		require.ErrorContains(t, err, "asynchronous inference")
	}

	// The request is usable again after a failure.
	n.Wait()
	require.NoError(t, n.Forward([]*Wrapper{a}, true))
	_, err := a.Future().Get()
	require.Error(t, err)
	require.Equal(t, 1, n.NumRequests())

	require.Error(t, n.Forward([]*Wrapper{a}, false))
}
