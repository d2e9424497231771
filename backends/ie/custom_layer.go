// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/gomlx/dnnie/types/xsync"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CustomLayerType is the engine layer type of host layers executed through the bridge.
const CustomLayerType = "HostLayer"

// Parameters of CustomLayerType layers.
const (
	paramHandle    = "impl"
	paramOutputs   = "outputs"
	paramInternals = "internals"
)

// shapesToString serializes a list of shapes as "<count> <rank> <dims...> <rank> <dims...>".
func shapesToString(list [][]int) string {
	var sb strings.Builder
	sb.WriteString(strconv.Itoa(len(list)))
	for _, dims := range list {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(len(dims)))
		for _, d := range dims {
			sb.WriteByte(' ')
			sb.WriteString(strconv.Itoa(d))
		}
	}
	return sb.String()
}

// stringToShapes parses the output of shapesToString.
func stringToShapes(s string) ([][]int, error) {
	fields := strings.Fields(s)
	pos := 0
	next := func() (int, error) {
		if pos >= len(fields) {
			return 0, errors.Errorf("truncated shapes %q", s)
		}
		v, err := strconv.Atoi(fields[pos])
		if err != nil || v < 0 {
			return 0, errors.Errorf("invalid value %q in shapes %q", fields[pos], s)
		}
		pos++
		return v, nil
	}
	count, err := next()
	if err != nil {
		return nil, err
	}
	list := make([][]int, count)
	for i := range list {
		rank, err := next()
		if err != nil {
			return nil, err
		}
		list[i] = make([]int, rank)
		for j := range list[i] {
			if list[i][j], err = next(); err != nil {
				return nil, err
			}
		}
	}
	if pos != len(fields) {
		return nil, errors.Errorf("trailing values in shapes %q", s)
	}
	return list, nil
}

// customShapeInference returns the output shapes serialized in the layer parameters: they were
// computed by the host before the layer was created.
var customShapeInference = engine.ShapeInferFunc(
	func(_ [][]int, params map[string]string, _ map[string]*engine.Blob) ([][]int, error) {
		return stringToShapes(params[paramOutputs])
	})

// hostLayers maps the handles stored in CustomLayerType layers to the host layers.
type hostLayers struct {
	layers     xsync.SyncMap[uint64, dnn.Layer]
	nextHandle atomic.Uint64
}

func (h *hostLayers) register(layer dnn.Layer) uint64 {
	handle := h.nextHandle.Add(1)
	h.layers.Store(handle, layer)
	return handle
}

func (h *hostLayers) release(handle uint64) {
	h.layers.Delete(handle)
}

func (h *hostLayers) lookup(handle uint64) (dnn.Layer, bool) {
	return h.layers.Load(handle)
}

// bridgeExtension is the engine extension that executes CustomLayerType layers by calling back
// the host layers.
type bridgeExtension struct {
	hostLayers *hostLayers
}

var _ engine.Extension = (*bridgeExtension)(nil)

// Name implements engine.Extension.
func (e *bridgeExtension) Name() string { return "dnnie_host_layers" }

// FactoryFor implements engine.Extension.
func (e *bridgeExtension) FactoryFor(layer *engine.CNNLayer) (engine.LayerImplFactory, engine.StatusCode) {
	if layer.Type != CustomLayerType {
		return nil, engine.NotImplemented
	}
	return &bridgeFactory{hostLayers: e.hostLayers, layer: layer}, engine.OK
}

type bridgeFactory struct {
	hostLayers *hostLayers
	layer      *engine.CNNLayer
}

// Implementations implements engine.LayerImplFactory.
func (f *bridgeFactory) Implementations() ([]engine.LayerImpl, engine.StatusCode) {
	impl, err := newBridgeImpl(f.hostLayers, f.layer)
	if err != nil {
		klog.Errorf("host layer %q: %+v", f.layer.Name, err)
		return nil, engine.GeneralError
	}
	return []engine.LayerImpl{impl}, engine.OK
}

// bridgeImpl executes one host layer.
type bridgeImpl struct {
	layer          *engine.CNNLayer
	host           dnn.Layer
	internalShapes [][]int

	// internals are the scratch tensors of the host layer, owned by whoever holds muInternals.
	muInternals sync.Mutex
	internals   []*tensors.Tensor
}

func newBridgeImpl(hostLayers *hostLayers, layer *engine.CNNLayer) (*bridgeImpl, error) {
	handleStr, _ := layer.ParamString(paramHandle)
	handle, err := strconv.ParseUint(handleStr, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid host layer handle %q", handleStr)
	}
	host, found := hostLayers.lookup(handle)
	if !found {
		return nil, errors.Errorf("host layer handle %d is not registered, was its network closed?", handle)
	}
	internalsStr, _ := layer.ParamString(paramInternals)
	internalShapes, err := stringToShapes(internalsStr)
	if err != nil {
		return nil, err
	}
	impl := &bridgeImpl{layer: layer, host: host, internalShapes: internalShapes}
	impl.internals = impl.newInternals()
	return impl, nil
}

func (impl *bridgeImpl) newInternals() []*tensors.Tensor {
	internals := make([]*tensors.Tensor, len(impl.internalShapes))
	for i, dims := range impl.internalShapes {
		internals[i] = tensors.FromShape(shapes.Make(dtypes.Float32, dims...))
	}
	return internals
}

// SupportedConfigurations implements engine.LayerImpl: it reports the descriptions of the layer data.
func (impl *bridgeImpl) SupportedConfigurations() ([]engine.LayerConfig, engine.StatusCode) {
	var config engine.LayerConfig
	for _, data := range impl.layer.InData {
		if data == nil {
			return nil, engine.GeneralError
		}
		config.In = append(config.In, engine.DataConfig{Desc: data.TensorDesc()})
	}
	for _, data := range impl.layer.OutData {
		config.Out = append(config.Out, engine.DataConfig{Desc: data.TensorDesc()})
	}
	return []engine.LayerConfig{config}, engine.OK
}

// Init implements engine.LayerImpl.
func (impl *bridgeImpl) Init(engine.LayerConfig) engine.StatusCode { return engine.OK }

// Execute implements engine.LayerImpl. Errors and panics of the host layer are reported as GeneralError.
func (impl *bridgeImpl) Execute(inputs, outputs []*engine.Blob) engine.StatusCode {
	// Requests running concurrently get their own scratch tensors.
	internals := impl.internals
	if impl.muInternals.TryLock() {
		defer impl.muInternals.Unlock()
	} else {
		internals = impl.newInternals()
	}
	var err error
	exception := exceptions.Try(func() {
		var inTensors, outTensors []*tensors.Tensor
		if inTensors, err = BlobsToTensors(inputs); err != nil {
			return
		}
		if outTensors, err = BlobsToTensors(outputs); err != nil {
			return
		}
		err = impl.host.Forward(inTensors, outTensors, internals)
	})
	if exception != nil {
		klog.Errorf("host layer %q panicked: %v", impl.layer.Name, exception)
		return engine.GeneralError
	}
	if err != nil {
		klog.Errorf("host layer %q failed: %+v", impl.layer.Name, err)
		return engine.GeneralError
	}
	return engine.OK
}
