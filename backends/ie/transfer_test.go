package ie

import (
	"testing"

	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestWrapRoundTrip(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		tensor := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 1, 2, 3).SetName("x")
		w := must.M1(Wrap(dnn.TargetCPU, tensor))
		require.Equal(t, "x", w.Name())
		require.Equal(t, []int{3, 2, 1}, w.Blob().Dims())
		require.Equal(t, engine.FP32, w.Data().Precision())
		back := must.M1(BlobToTensor(w.Blob()))
		require.True(t, back.Shape().Equal(tensor.Shape()))
		require.True(t, back.Equal(tensor))
		require.Equal(t, tensor.Bytes(), back.Bytes())
		require.True(t, back.SharesStorage(tensor))
	})

	t.Run("uint8", func(t *testing.T) {
		tensor := tensors.FromFlatDataAndDimensions([]uint8{0, 7, 255, 3}, 2, 2)
		w := must.M1(Wrap(dnn.TargetOpenCL, tensor))
		require.Equal(t, DefaultInputName, w.Name())
		require.Equal(t, dnn.TargetOpenCL, w.Target())
		require.Equal(t, engine.U8, w.Blob().Precision())
		require.Equal(t, engine.NC, w.Blob().TensorDesc().Layout)
		back := must.M1(BlobToTensor(w.Blob()))
		require.Equal(t, dtypes.Uint8, back.DType())
		require.Equal(t, []uint8{0, 7, 255, 3}, tensors.CopyFlatData[uint8](back))
	})

	t.Run("unsupported", func(t *testing.T) {
		tensor := tensors.FromFlatDataAndDimensions([]int32{1, 2}, 2)
		w, err := Wrap(dnn.TargetCPU, tensor)
		require.Nil(t, w)
		require.True(t, errors.Is(err, ErrNotImplemented))
		_, err = WrapToBlob(tensor)
		require.True(t, errors.Is(err, ErrNotImplemented))

		half := must.M1(engine.AllocateBlob(engine.TensorDesc{Precision: engine.FP16, Dims: []int{2}}))
		_, err = BlobToTensor(half)
		require.True(t, errors.Is(err, ErrNotImplemented))
		_, err = CloneBlob(half)
		require.True(t, errors.Is(err, ErrNotImplemented))
	})
}

func TestRewrap(t *testing.T) {
	tensor := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2).SetName("a")
	w := must.M1(Wrap(dnn.TargetCPU, tensor))
	w2 := Rewrap(w)
	require.Same(t, w.Blob(), w2.Blob())
	require.Same(t, w.Tensor(), w2.Tensor())
	require.NotSame(t, w.Data(), w2.Data())
	w2.Data().SetName("b")
	require.Equal(t, "a", w.Name())
	require.Equal(t, "b", w2.Name())
	require.Panics(t, func() { Rewrap(nil) })

	// No-ops.
	w.CopyToHost()
	w.SetHostDirty()
	require.Nil(t, w.Future())
}

func TestEstimateLayout(t *testing.T) {
	require.Equal(t, engine.NCHW, EstimateLayout(tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3, 2, 2))))
	require.Equal(t, engine.NC, EstimateLayout(tensors.FromShape(shapes.Make(dtypes.Float32, 1, 3))))
	require.Equal(t, engine.AnyLayout, EstimateLayout(tensors.FromShape(shapes.Make(dtypes.Float32, 3))))
	require.Equal(t, engine.AnyLayout, EstimateLayout(tensors.FromShape(shapes.Make(dtypes.Float32, 1, 2, 3))))
}

func TestCloneBlob(t *testing.T) {
	blob := must.M1(WrapToBlob(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)))
	clone := must.M1(CloneBlob(blob))
	require.True(t, clone.TensorDesc().Equal(blob.TensorDesc()))
	require.False(t, clone.SharesStorage(blob))
	require.NoError(t, clone.CopyFrom(blob))
	blob.Buffer().([]float32)[0] = 10
	require.Equal(t, float32(1), clone.Buffer().([]float32)[0])
}

func TestConvertFP16(t *testing.T) {
	blob := must.M1(WrapToBlob(tensors.FromFlatDataAndDimensions([]float32{0.5, -1, 0.1, 2}, 2, 2)))
	halfs := must.M1(ConvertFP16(blob))
	require.Equal(t, engine.FP16, halfs.Precision())
	require.Equal(t, blob.Dims(), halfs.Dims())
	require.Equal(t, engine.NC, halfs.TensorDesc().Layout)
	require.Equal(t, float16.Fromfloat32(0.1), halfs.Buffer().([]float16.Float16)[2])
	_, err := ConvertFP16(halfs)
	require.Error(t, err)
}

func TestAddConstantData(t *testing.T) {
	blob := must.M1(WrapToBlob(tensors.FromFlatDataAndDimensions([]float32{2}, 1)))
	layer := &engine.Layer{Name: "ss", Type: engine.TypeScaleShift}
	AddConstantData(engine.PortWeights, blob, layer)
	require.Same(t, blob, layer.Params[engine.PortWeights])
}

func TestShapesString(t *testing.T) {
	list := [][]int{{1, 2}, {3}, {}}
	s := shapesToString(list)
	require.Equal(t, "3 2 1 2 1 3 0", s)
	require.Equal(t, list, must.M1(stringToShapes(s)))
	require.Equal(t, [][]int{}, must.M1(stringToShapes("0")))
	for _, bad := range []string{"", "2 1", "1 1 x", "1 1 2 3", "1 -1"} {
		_, err := stringToShapes(bad)
		require.Error(t, err, "shapes %q", bad)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv(EnvExtraPluginPath, "/opt/ext.so")
	t.Setenv(EnvVPUType, VPUTypeMyriadX)
	t.Setenv(EnvNumThreads, "3")
	config := must.M1(ConfigFromEnv())
	require.Equal(t, Config{ExtraPluginPath: "/opt/ext.so", VPUType: VPUTypeMyriadX, NumThreads: 3}, config)

	t.Setenv(EnvNumThreads, "zero")
	_, err := ConfigFromEnv()
	require.Error(t, err)
	t.Setenv(EnvNumThreads, "")
	t.Setenv(EnvVPUType, "Myriad3")
	_, err = ConfigFromEnv()
	require.Error(t, err)
}
