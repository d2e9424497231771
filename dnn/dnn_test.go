package dnn

import (
	"testing"

	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestParseTarget(t *testing.T) {
	for _, target := range []Target{TargetCPU, TargetOpenCL, TargetOpenCLFP16, TargetMyriad, TargetVulkan, TargetFPGA} {
		parsed, err := ParseTarget(target.String())
		require.NoError(t, err)
		require.Equal(t, target, parsed)
	}
	parsed, err := ParseTarget(" MYRIAD ")
	require.NoError(t, err)
	require.Equal(t, TargetMyriad, parsed)
	_, err = ParseTarget("tpu")
	require.Error(t, err)
	require.Equal(t, "Target(42)", Target(42).String())
}

func TestSoftmax(t *testing.T) {
	layer := &Softmax{LayerName: "prob"}
	input := tensors.FromFlatDataAndDimensions([]float32{0, 0, 1, 1, 2, 2}, 3, 2)
	output := tensors.FromShape(shapes.Make(dtypes.Float32, 3, 2))
	internal := tensors.FromShape(shapes.Make(dtypes.Float32, layer.InternalShape([]int{3, 2})...))
	require.NoError(t, layer.Forward([]*tensors.Tensor{input}, []*tensors.Tensor{output}, []*tensors.Tensor{internal}))
	require.InDeltaSlice(t, []float32{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}, output.Flat(), 1e-6)
	require.Equal(t, []float32{0, 1, 2}, internal.Flat())

	err := layer.Forward([]*tensors.Tensor{input}, []*tensors.Tensor{output}, nil)
	require.Error(t, err)
}

func TestFuncLayer(t *testing.T) {
	called := false
	var layer Layer = &FuncLayer{LayerName: "f", Fn: func(_, _, _ []*tensors.Tensor) error {
		called = true
		return nil
	}}
	require.Equal(t, "f", layer.Name())
	require.NoError(t, layer.Forward(nil, nil, nil))
	require.True(t, called)
}
