// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ie

import (
	"fmt"
	"sync"

	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/gomlx/dnnie/types"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Network is one host graph compiled for one device.
//
// It is built incrementally with AddLayer/AddNode, Connect, AddOutput and AddBlobs, then
// initialized once with Init, and finally run any number of times with Forward.
// Building is not safe for concurrent use; Forward is.
type Network struct {
	cache       *DeviceCache
	builder     *engine.Builder
	cnn         *engine.Network
	hasNetOwner bool

	target dnn.Target
	device string

	layers      map[string]engine.LayerID
	unconnected types.Set[engine.LayerID]
	outputs     []string
	allBlobs    map[string]*engine.Blob
	handles     []uint64

	initialized bool
	plugin      *plugin
	exec        engine.ExecutableNetwork

	muRequests sync.Mutex
	requests   []*inferRequest
}

// NewNetwork creates an empty network that uses the plugins of cache.
// If cache is nil, DefaultDeviceCache() is used.
func NewNetwork(cache *DeviceCache) *Network {
	if cache == nil {
		cache = DefaultDeviceCache()
	}
	return &Network{
		cache:       cache,
		builder:     engine.NewBuilder(""),
		device:      engine.DeviceCPU,
		layers:      make(map[string]engine.LayerID),
		unconnected: types.MakeSet[engine.LayerID](),
		allBlobs:    make(map[string]*engine.Blob),
	}
}

// NewNetworkFromCompiled creates a network for an already built engine network, e.g. one imported
// from a model file. Init only declares the requested outputs and compiles it.
func NewNetworkFromCompiled(cache *DeviceCache, cnn *engine.Network) *Network {
	n := NewNetwork(cache)
	n.cnn = cnn
	n.hasNetOwner = true
	return n
}

// AddLayer inserts a native engine layer.
//
// Constants stored in the parameters under "weights" or "biases", whose name matches the type of
// one of the layer input ports, are moved into separate Const layers connected to those ports.
func (n *Network) AddLayer(layer *engine.Layer) error {
	_, err := n.addLayer(layer)
	return err
}

func (n *Network) addLayer(layer *engine.Layer) (engine.LayerID, error) {
	if n.initialized || n.hasNetOwner {
		return -1, errors.Wrapf(ErrAlreadyInitialized, "adding layer %q", layer.Name)
	}
	if _, found := n.layers[layer.Name]; found {
		return -1, errors.Wrapf(ErrNameCollision, "layer %q", layer.Name)
	}
	if layer.Type == "" {
		return -1, errors.Errorf("layer %q has no type", layer.Name)
	}
	layer = layer.Clone()

	type constPort struct {
		id   engine.LayerID
		port int
	}
	var consts []constPort
	for _, name := range []string{engine.PortWeights, engine.PortBiases} {
		port := -1
		for i, p := range layer.InputPorts {
			if p.Type() == name {
				port = i
				break
			}
		}
		if port < 0 {
			continue
		}
		blob, ok := layer.Params[name].(*engine.Blob)
		if !ok {
			continue
		}
		delete(layer.Params, name)
		id, err := n.builder.AddLayer(engine.ConstLayer(fmt.Sprintf("%s/%s", layer.Name, name), blob))
		if err != nil {
			return -1, err
		}
		consts = append(consts, constPort{id: id, port: port})
	}

	id, err := n.builder.AddLayer(layer)
	if err != nil {
		return -1, err
	}
	n.layers[layer.Name] = id
	n.unconnected.Insert(id)
	for _, c := range consts {
		if err := n.builder.Connect(engine.PortInfo{Layer: c.id}, engine.PortInfo{Layer: id, Port: c.port}); err != nil {
			return -1, err
		}
	}
	return id, nil
}

// AddNode inserts the layer of node. Host nodes are registered so the engine can call them back
// until the network is closed.
func (n *Network) AddNode(node *Node) error {
	layer := node.layer
	var handle uint64
	if node.host != nil {
		handle = n.cache.hostLayers.register(node.host)
		layer = layer.Clone()
		layer.Params[paramHandle] = handle
	}
	if _, err := n.addLayer(layer); err != nil {
		if node.host != nil {
			n.cache.hostLayers.release(handle)
		}
		return err
	}
	if node.host != nil {
		n.handles = append(n.handles, handle)
	}
	node.net = n
	return nil
}

// Connect the inputs of the layer named layerName, in order, and name its first output after the layer.
//
// An input whose name is not a layer of the network becomes a network input, with the dimensions
// of its blob.
//
// Each call renames outputs[0] after layerName: if the same wrapper is listed as output of
// several layers, the last call wins.
func (n *Network) Connect(inputs, outputs []*Wrapper, layerName string) error {
	if n.initialized || n.hasNetOwner {
		return errors.Wrapf(ErrAlreadyInitialized, "connecting layer %q", layerName)
	}
	layerID, found := n.layers[layerName]
	if !found {
		return errors.Errorf("network has no layer %q", layerName)
	}
	if len(outputs) == 0 {
		return errors.Errorf("layer %q connected without outputs", layerName)
	}
	for i, input := range inputs {
		name := input.Name()
		inputID, found := n.layers[name]
		if !found {
			inputName := name
			if inputName == "" {
				inputName = DefaultInputName
			}
			var err error
			inputID, err = n.builder.AddLayer(engine.InputLayer(inputName, input.Blob().Dims()))
			if err != nil {
				return err
			}
			n.layers[name] = inputID
		}
		if err := n.builder.Connect(engine.PortInfo{Layer: inputID}, engine.PortInfo{Layer: layerID, Port: i}); err != nil {
			return errors.WithMessagef(err, "connecting input %q of layer %q", name, layerName)
		}
		n.unconnected.Delete(inputID)
	}
	outputs[0].Data().SetName(layerName)
	return nil
}

// AddOutput requests the output of the named layer to be a network output, on top of the layers
// whose output is not consumed by any other layer.
func (n *Network) AddOutput(name string) {
	n.outputs = append(n.outputs, name)
}

// AddBlobs registers the blobs of the wrappers by data name, DefaultInputName for anonymous ones.
// Every network input and output must have a blob registered before Init.
func (n *Network) AddBlobs(wrappers []*Wrapper) {
	for _, w := range wrappers {
		name := w.Name()
		if name == "" {
			name = DefaultInputName
		}
		if _, found := n.allBlobs[name]; !found {
			n.allBlobs[name] = w.Blob()
		}
	}
}

// DeviceForTarget returns the engine device of a target: CPU, GPU (OpenCL and OpenCL FP16),
// MYRIAD or FPGA. Other targets return an error wrapping ErrNotImplemented.
func DeviceForTarget(target dnn.Target) (string, error) {
	switch target {
	case dnn.TargetCPU:
		return engine.DeviceCPU, nil
	case dnn.TargetOpenCL, dnn.TargetOpenCLFP16:
		return engine.DeviceGPU, nil
	case dnn.TargetMyriad:
		return engine.DeviceMyriad, nil
	case dnn.TargetFPGA:
		return engine.DeviceFPGA, nil
	}
	return "", errors.Wrapf(ErrNotImplemented, "unknown target %s", target)
}

// Init finalizes the network and compiles it for target.
//
// Every layer whose output was not connected to another layer becomes a network output. Input and
// output precisions are taken from the registered blobs (see AddBlobs).
func (n *Network) Init(target dnn.Target) error {
	if n.initialized {
		return errors.WithStack(ErrAlreadyInitialized)
	}
	device, err := DeviceForTarget(target)
	if err != nil {
		return err
	}
	if !n.hasNetOwner {
		if len(n.unconnected) == 0 {
			return errors.New("network has no layers to use as outputs")
		}
		precision := engine.FP32
		if target == dnn.TargetMyriad || target == dnn.TargetOpenCLFP16 {
			precision = engine.FP16
		}
		for _, id := range types.SortedKeys(n.unconnected) {
			output := engine.OutputLayer(fmt.Sprintf("output_%d", id), precision)
			if _, err := n.builder.AddLayerWithInputs([]engine.PortInfo{{Layer: id}}, output); err != nil {
				return err
			}
		}
		n.builder.AddShapeInferImpl(CustomLayerType, customShapeInference)
		cnn, err := n.builder.Build()
		if err != nil {
			return errors.WithMessage(err, "building the inference engine network")
		}
		n.cnn = cnn
	}
	for _, name := range n.outputs {
		if err := n.cnn.AddOutput(name); err != nil {
			return err
		}
	}
	for name, info := range n.cnn.InputsInfo() {
		blob, found := n.allBlobs[name]
		if !found {
			return errors.Errorf("no blob registered for network input %q", name)
		}
		info.SetPrecision(blob.Precision())
	}
	for name, data := range n.cnn.OutputsInfo() {
		blob, found := n.allBlobs[name]
		if !found {
			return errors.Errorf("no blob registered for network output %q", name)
		}
		data.SetPrecision(blob.Precision())
	}
	n.target, n.device = target, device
	return n.initPlugin()
}

// initPlugin compiles the network. Host layers only run on CPU, so on other devices a network
// containing them is split: host layers on CPU, the rest on the device. FPGA is always split.
func (n *Network) initPlugin() error {
	device := n.device
	isHetero := false
	if device != engine.DeviceCPU {
		isHetero = device == engine.DeviceFPGA
		for _, l := range n.cnn.Layers() {
			if l.Type == CustomLayerType {
				l.Affinity = engine.DeviceCPU
				isHetero = true
			} else {
				l.Affinity = device
			}
		}
	}
	loadDevice := device
	if isHetero {
		loadDevice = engine.HeteroDevice(device, engine.DeviceCPU)
	}
	klog.V(1).Infof("compiling network with %d layers for %s", len(n.cnn.Layers()), loadDevice)
	p, exec, err := n.cache.load(device, loadDevice, n.cnn, nil)
	if err != nil {
		return &InitializationError{Device: loadDevice, Cause: err}
	}
	if klog.V(2).Enabled() {
		for layer, affinity := range exec.Affinity() {
			klog.Infof("layer %q affinity %s", layer, affinity)
		}
	}
	n.plugin, n.exec = p, exec
	n.initialized = true
	return nil
}

// IsInitialized reports whether Init completed successfully.
func (n *Network) IsInitialized() bool { return n.initialized }

// Target given to Init.
func (n *Network) Target() dnn.Target { return n.target }

// Device the network runs on, from the target given to Init.
func (n *Network) Device() string { return n.device }

// CNN returns the built engine network, nil before Init for incrementally built networks.
func (n *Network) CNN() *engine.Network { return n.cnn }

// Executable returns the compiled network, nil before Init.
func (n *Network) Executable() engine.ExecutableNetwork { return n.exec }

// Close waits for the running asynchronous requests and releases the host layers of the network.
func (n *Network) Close() error {
	n.Wait()
	n.muRequests.Lock()
	n.requests = nil
	n.muRequests.Unlock()
	for _, handle := range n.handles {
		n.cache.hostLayers.release(handle)
	}
	n.handles = nil
	return nil
}
