// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// EstimateLayout of a tensor from its rank: NCHW for rank 4, NC for rank 2, AnyLayout otherwise.
func EstimateLayout(t *tensors.Tensor) engine.Layout {
	return engine.LayoutForRank(t.Rank())
}

// precisionFor returns the blob precision of the host dtypes supported for transfer.
func precisionFor(dtype dtypes.DType) (engine.Precision, error) {
	switch dtype {
	case dtypes.Float32:
		return engine.FP32, nil
	case dtypes.Uint8:
		return engine.U8, nil
	}
	return engine.Unspecified, errors.Wrapf(ErrNotImplemented, "unsupported data type %s", dtype)
}

func tensorDesc(t *tensors.Tensor) (engine.TensorDesc, error) {
	precision, err := precisionFor(t.DType())
	if err != nil {
		return engine.TensorDesc{}, err
	}
	return engine.TensorDesc{
		Precision: precision,
		Dims:      shapes.Reversed(t.Shape().Dimensions),
		Layout:    EstimateLayout(t),
	}, nil
}

// WrapToDataNode creates a data node describing t.
func WrapToDataNode(t *tensors.Tensor, name string) (*engine.Data, error) {
	desc, err := tensorDesc(t)
	if err != nil {
		return nil, err
	}
	return engine.NewData(name, desc), nil
}

// WrapToBlob creates a blob that aliases the storage of t.
func WrapToBlob(t *tensors.Tensor) (*engine.Blob, error) {
	desc, err := tensorDesc(t)
	if err != nil {
		return nil, err
	}
	return engine.NewBlob(desc, t.Flat())
}

func checkTransferPrecision(p engine.Precision) error {
	if p != engine.FP32 && p != engine.U8 {
		return errors.Wrapf(ErrNotImplemented, "unsupported blob precision %s", p)
	}
	return nil
}

// CloneBlob allocates a blob with the same description as blob but independent storage.
// The contents are not copied.
func CloneBlob(blob *engine.Blob) (*engine.Blob, error) {
	if err := checkTransferPrecision(blob.Precision()); err != nil {
		return nil, err
	}
	return engine.AllocateBlob(blob.TensorDesc())
}

// BlobToTensor returns a tensor that aliases the storage of blob.
func BlobToTensor(blob *engine.Blob) (*tensors.Tensor, error) {
	if err := checkTransferPrecision(blob.Precision()); err != nil {
		return nil, err
	}
	shape := shapes.Make(blob.Precision().DType(), shapes.Reversed(blob.Dims())...)
	return tensors.FromFlat(shape, blob.Buffer())
}

// BlobsToTensors converts each blob with BlobToTensor.
func BlobsToTensors(blobs []*engine.Blob) ([]*tensors.Tensor, error) {
	ts := make([]*tensors.Tensor, len(blobs))
	for i, blob := range blobs {
		t, err := BlobToTensor(blob)
		if err != nil {
			return nil, errors.WithMessagef(err, "blob #%d", i)
		}
		ts[i] = t
	}
	return ts, nil
}

// ConvertFP16 converts an FP32 blob into a newly allocated FP16 blob with the same dimensions and layout.
func ConvertFP16(blob *engine.Blob) (*engine.Blob, error) {
	if blob.Precision() != engine.FP32 {
		return nil, errors.Wrapf(ErrNotImplemented, "ConvertFP16 of a %s blob", blob.Precision())
	}
	desc := blob.TensorDesc()
	desc.Precision = engine.FP16
	halfs := make([]float16.Float16, blob.Size())
	for i, v := range blob.Buffer().([]float32) {
		halfs[i] = float16.Fromfloat32(v)
	}
	return engine.NewBlob(desc, halfs)
}

// AddConstantData stores a constant blob in the layer parameters under name.
// For ports typed "weights" or "biases" Network.AddLayer turns it into a Const layer.
func AddConstantData(name string, blob *engine.Blob, layer *engine.Layer) {
	if layer.Params == nil {
		layer.Params = make(map[string]any)
	}
	layer.Params[name] = blob
}
