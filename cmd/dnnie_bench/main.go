// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dnnie_bench builds a small demo network with the inference engine backend, compiles it for a
// target and times its forward passes.
//
// The demo network is: image -> ReLU -> ScaleShift (per channel constants) -> Softmax -> Clamp.
// The Softmax is a host layer run through the custom layer bridge, so targets other than "cpu"
// run the network split between the device and the CPU.
//
// Example:
//
//	dnnie_bench -target=myriad -async -parallel=8 -iters=1000
//	DNNIE_ENGINE="go:myriad_platform=VPU_2480" dnnie_bench -target=myriad -vpu
package main

import (
	"flag"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/dnnie/backends/ie"
	"github.com/gomlx/dnnie/dnn"
	"github.com/gomlx/dnnie/engine"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/dnnie/engine/goengine"
)

var (
	flagTarget = flag.String("target", "cpu", "Target device: cpu, opencl, opencl_fp16, myriad or fpga.")
	flagEngine = flag.String("engine", "", fmt.Sprintf(
		"Inference engine configuration, formatted as <engine>:<options>. Defaults to $%s.", engine.DNNIE_ENGINE))
	flagIters    = flag.Int("iters", 100, "Number of forward passes.")
	flagAsync    = flag.Bool("async", false, "Run the forward passes asynchronously.")
	flagParallel = flag.Int("parallel", 4, "Number of asynchronous forward passes in flight, used with -async.")
	flagBatch    = flag.Int("batch", 1, "Batch size of the input image.")
	flagChannels = flag.Int("channels", 3, "Number of channels of the input image.")
	flagSize     = flag.Int("size", 64, "Height and width of the input image.")
	flagPlan     = flag.Bool("plan", true, "Print the layers of the compiled network and where they run.")
	flagVPU      = flag.Bool("vpu", false, "Detect and print the VPU type (Myriad2 or MyriadX).")
	flagNoColor  = flag.Bool("no_color", false, "Disable colors in the output.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if *flagIters <= 0 {
		klog.Exitf("-iters must be positive, got %d", *flagIters)
	}

	target := must.M1(dnn.ParseTarget(*flagTarget))
	config := must.M1(ie.ConfigFromEnv())
	cache := ie.NewDeviceCache(config, func() (engine.Core, error) { return engine.NewCore(*flagEngine) })
	defer func() {
		if err := cache.Close(); err != nil {
			klog.Errorf("closing the inference engine: %+v", err)
		}
	}()

	if *flagVPU {
		fmt.Println(titleStyle.Render("VPU"))
		table := newPlainTable(false)
		table.Row("type", cache.VPUType())
		fmt.Println(table.Render())
	}

	d, err := buildDemo(cache, target)
	if err != nil {
		klog.Exitf("failed to build the demo network for %s: %+v", target, err)
	}
	defer func() { _ = d.net.Close() }()
	if *flagPlan {
		printPlan(d)
	}
	result, err := run(d)
	if err != nil {
		klog.Exitf("forward failed: %+v", err)
	}
	printSummary(d, result)
}
