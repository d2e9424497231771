// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/gomlx/dnnie/backends/ie"
	"github.com/gomlx/dnnie/types/tensors"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
)

// runResult holds the timing of the forward passes and the last output.
type runResult struct {
	iterations int
	elapsed    time.Duration
	output     *tensors.Tensor
}

// run executes -iters forward passes of the demo network.
//
// Asynchronously, -parallel forward passes are started at a time, each with its own re-wrapped
// output, and their futures are waited on together.
func run(d *demo) (*runResult, error) {
	bar := newProgressBar(*flagIters)
	defer bar.finish()
	result := &runResult{iterations: *flagIters}
	start := time.Now()
	if !*flagAsync {
		for range *flagIters {
			if err := d.net.Forward([]*ie.Wrapper{d.output}, false); err != nil {
				return nil, err
			}
			bar.add(1)
		}
		result.elapsed = time.Since(start)
		result.output = d.output.Tensor()
		return result, nil
	}

	slots := make([]*ie.Wrapper, max(*flagParallel, 1))
	for i := range slots {
		slots[i] = ie.Rewrap(d.output)
	}
	for done := 0; done < *flagIters; {
		batch := slots[:min(len(slots), *flagIters-done)]
		for _, w := range batch {
			if err := d.net.Forward([]*ie.Wrapper{w}, true); err != nil {
				return nil, err
			}
		}
		var g errgroup.Group
		outputs := make([]*tensors.Tensor, len(batch))
		for i, w := range batch {
			future := w.Future()
			g.Go(func() (err error) {
				outputs[i], err = future.Get()
				return
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		// Requests are only reusable once their completion finished.
		d.net.Wait()
		result.output = outputs[len(outputs)-1]
		done += len(batch)
		bar.add(len(batch))
	}
	result.elapsed = time.Since(start)
	return result, nil
}

// progressBar displays the progress of the forward passes on stderr.
type progressBar struct {
	bar    *progressbar.ProgressBar
	output *termenv.Output
}

func newProgressBar(numSteps int) *progressBar {
	pBar := &progressBar{output: termenv.NewOutput(os.Stderr)}
	pBar.output.HideCursor()
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("      [bold]%s", *flagTarget)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(!*flagNoColor),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("forwards"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
	)
	return pBar
}

func (pBar *progressBar) add(amount int) {
	_ = pBar.bar.Add(amount)
}

func (pBar *progressBar) finish() {
	_ = pBar.bar.Finish()
	pBar.output.ShowCursor()
	fmt.Fprintln(os.Stderr)
}
