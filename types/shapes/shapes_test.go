package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float32)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 4, int(shape0.Memory()))

	shape1 := Make(dtypes.Uint8, 1, 3, 224, 224)
	require.False(t, shape1.IsScalar())
	require.Equal(t, 4, shape1.Rank())
	require.Equal(t, 3*224*224, shape1.Size())
	require.Equal(t, 3*224*224, int(shape1.Memory()))
	require.Contains(t, shape1.String(), "[1 3 224 224]")

	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(Make(dtypes.Float32, 1, 3, 224, 224)))
	require.Panics(t, func() { Make(dtypes.Float32, 2, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestReversed(t *testing.T) {
	dims := []int{1, 3, 224, 224}
	r := Reversed(dims)
	require.Equal(t, []int{224, 224, 3, 1}, r)
	require.Equal(t, []int{1, 3, 224, 224}, dims, "Reversed must not modify its input")
	require.Equal(t, dims, Reversed(r))
	require.Empty(t, Reversed(nil))
}
