package engine

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestPrecision(t *testing.T) {
	for _, p := range []Precision{FP32, FP16, U8, I16} {
		require.Equal(t, p, PrecisionFromDType(p.DType()), "precision %s", p)
	}
	require.Equal(t, Unspecified, PrecisionFromDType(dtypes.Float64))
	require.Equal(t, dtypes.InvalidDType, Unspecified.DType())
	require.Equal(t, 2, FP16.ElementSize())
	require.Equal(t, "FP16", FP16.String())
}

func TestBlob(t *testing.T) {
	desc := TensorDesc{Precision: FP32, Dims: []int{3, 2}, Layout: NC}
	flat := []float32{1, 2, 3, 4, 5, 6}
	blob := must.M1(NewBlob(desc, flat))
	require.Equal(t, 6, blob.Size())
	require.Len(t, blob.Bytes(), 24)

	// Aliasing.
	flat[0] = 10
	require.Equal(t, float32(10), blob.Buffer().([]float32)[0])

	// Wrong type or length.
	_, err := NewBlob(desc, []uint8{1, 2, 3, 4, 5, 6})
	require.Error(t, err)
	_, err = NewBlob(desc, []float32{1})
	require.Error(t, err)
	_, err = NewBlob(TensorDesc{Precision: Unspecified}, []float32{})
	require.True(t, errors.Is(err, ErrNotImplemented))

	// Copies.
	other := must.M1(AllocateBlob(desc))
	require.False(t, other.SharesStorage(blob))
	require.NoError(t, other.CopyFrom(blob))
	require.Equal(t, flat, other.Buffer().([]float32))
	require.Error(t, other.CopyFrom(must.M1(AllocateBlob(TensorDesc{Precision: U8, Dims: []int{6}}))))

	// Conversions.
	half := must.M1(AllocateBlob(TensorDesc{Precision: FP16, Dims: []int{2}}))
	require.NoError(t, half.SetFloat32s([]float32{0.5, -2}))
	require.Equal(t, float16.Fromfloat32(-2), half.Buffer().([]float16.Float16)[1])
	require.Equal(t, []float32{0.5, -2}, half.Float32s())
	u8 := must.M1(AllocateBlob(TensorDesc{Precision: U8, Dims: []int{3}}))
	require.NoError(t, u8.SetFloat32s([]float32{-1, 7, 300}))
	require.Equal(t, []uint8{0, 7, 255}, u8.Buffer().([]uint8))
}

func TestBuilder(t *testing.T) {
	t.Run("simple", func(t *testing.T) {
		b := NewBuilder("simple")
		input := must.M1(b.AddLayer(InputLayer("x", []int{4, 2})))
		relu := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: input}}, ReLULayer("relu")))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: relu}}, OutputLayer("out", FP16)))
		net := must.M1(b.Build())
		require.Len(t, net.Layers(), 2)
		require.Equal(t, []string{"x"}, net.InputNames())
		require.Equal(t, []string{"relu"}, net.OutputNames())
		require.Equal(t, []int{4, 2}, net.OutputsInfo()["relu"].Dims())
		require.Equal(t, NC, net.OutputsInfo()["relu"].TensorDesc().Layout)
		require.Equal(t, FP16, net.ComputePrecision())

		// Reshape re-runs shape inference.
		require.NoError(t, net.Reshape(map[string][]int{"x": {5, 1, 3}}))
		require.Equal(t, []int{5, 1, 3}, net.OutputsInfo()["relu"].Dims())
		require.Error(t, net.Reshape(map[string][]int{"y": {1}}))

		// AddOutput of an input layer.
		require.NoError(t, net.AddOutput("x"))
		require.Equal(t, []string{"relu", "x"}, net.OutputNames())
		require.Error(t, net.AddOutput("nope"))

		// Clone is independent.
		clone := net.Clone()
		clone.Layers()[1].Affinity = "GPU"
		require.Empty(t, net.Layers()[1].Affinity)
	})

	t.Run("weights", func(t *testing.T) {
		weights := must.M1(NewBlob(TensorDesc{Precision: FP32, Dims: []int{2}}, []float32{2, 3}))
		b := NewBuilder("weights")
		input := must.M1(b.AddLayer(InputLayer("x", []int{2})))
		constID := must.M1(b.AddLayer(ConstLayer("w", weights)))
		ss := ScaleShiftLayer("ss")
		ss.Params[PortBiases] = weights
		ssID := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: input}, {Layer: constID}}, ss))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: ssID}}, OutputLayer("out", Unspecified)))
		net := must.M1(b.Build())
		l, found := net.Layer("ss")
		require.True(t, found)
		require.NotNil(t, l.Input(1))
		require.Nil(t, l.Input(2))
		require.Same(t, weights, l.Blob(PortBiases))
		require.Equal(t, FP32, net.ComputePrecision())
	})

	t.Run("errors", func(t *testing.T) {
		// Unconnected port.
		b := NewBuilder("unconnected")
		relu := must.M1(b.AddLayer(ReLULayer("relu")))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: relu}}, OutputLayer("out", FP32)))
		_, err := b.Build()
		require.ErrorContains(t, err, "not connected")

		// Port connected twice.
		b = NewBuilder("twice")
		x := must.M1(b.AddLayer(InputLayer("x", []int{1})))
		relu = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: x}}, ReLULayer("relu")))
		require.Error(t, b.Connect(PortInfo{Layer: x}, PortInfo{Layer: relu}))
		require.Error(t, b.Connect(PortInfo{Layer: x, Port: 1}, PortInfo{Layer: relu, Port: 1}))
		require.Error(t, b.Connect(PortInfo{Layer: 7}, PortInfo{Layer: relu, Port: 1}))

		// Cycle.
		b = NewBuilder("cycle")
		a := must.M1(b.AddLayer(ReLULayer("a")))
		c := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: a}}, ReLULayer("c")))
		require.NoError(t, b.Connect(PortInfo{Layer: c}, PortInfo{Layer: a}))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: c}}, OutputLayer("out", FP32)))
		_, err = b.Build()
		require.ErrorContains(t, err, "cycle")

		// Duplicate names.
		b = NewBuilder("duplicate")
		x = must.M1(b.AddLayer(InputLayer("x", []int{1})))
		r1 := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: x}}, ReLULayer("r")))
		r2 := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: r1}}, ReLULayer("r")))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: r2}}, OutputLayer("out", FP32)))
		_, err = b.Build()
		require.ErrorContains(t, err, "duplicate")

		// No outputs.
		b = NewBuilder("no outputs")
		_ = must.M1(b.AddLayer(InputLayer("x", []int{1})))
		_, err = b.Build()
		require.ErrorContains(t, err, "no outputs")

		// Unknown layer type without shape inference.
		b = NewBuilder("unknown")
		x = must.M1(b.AddLayer(InputLayer("x", []int{1})))
		u := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: x}}, NewLayer("u", "Unknown", 1, 1)))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: u}}, OutputLayer("out", FP32)))
		_, err = b.Build()
		require.True(t, errors.Is(err, ErrNotImplemented))

		// Eltwise with mismatched inputs.
		b = NewBuilder("eltwise")
		x = must.M1(b.AddLayer(InputLayer("x", []int{2})))
		y := must.M1(b.AddLayer(InputLayer("y", []int{3})))
		e := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: x}, {Layer: y}}, EltwiseLayer("e", EltwiseSum, 2)))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: e}}, OutputLayer("out", FP32)))
		_, err = b.Build()
		require.Error(t, err)
	})

	t.Run("custom shape inference", func(t *testing.T) {
		b := NewBuilder("custom")
		x := must.M1(b.AddLayer(InputLayer("x", []int{4})))
		custom := NewLayer("split", "Split", 1, 2)
		custom.Params["parts"] = 2
		id := must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: x}}, custom))
		_ = must.M1(b.AddLayerWithInputs([]PortInfo{{Layer: id, Port: 1}}, OutputLayer("out", FP32)))
		b.AddShapeInferImpl("Split", ShapeInferFunc(
			func(inShapes [][]int, params map[string]string, _ map[string]*Blob) ([][]int, error) {
				require.Equal(t, "2", params["parts"])
				half := []int{inShapes[0][0] / 2}
				return [][]int{half, half}, nil
			}))
		net := must.M1(b.Build())
		require.Equal(t, []string{"split.1"}, net.OutputNames())
		require.Equal(t, []int{2}, net.OutputsInfo()["split.1"].Dims())
	})
}

func TestHeteroDevice(t *testing.T) {
	name := HeteroDevice(DeviceMyriad, DeviceCPU)
	require.Equal(t, "HETERO:MYRIAD,CPU", name)
	devices, ok := ParseHeteroDevice(name)
	require.True(t, ok)
	require.Equal(t, []string{"MYRIAD", "CPU"}, devices)
	_, ok = ParseHeteroDevice("CPU")
	require.False(t, ok)
	_, ok = ParseHeteroDevice("HETERO:")
	require.False(t, ok)
}

func TestStatusCode(t *testing.T) {
	require.NoError(t, OK.Err())
	require.True(t, errors.Is(NotImplemented.Err(), ErrNotImplemented))
	require.ErrorContains(t, GeneralError.Err(), "GENERAL_ERROR")
}
