// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dnnie/types/shapes"
	"github.com/gomlx/dnnie/types/tensors"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// printPlan lists the layers of the compiled network, where they run and the memory of their outputs.
func printPlan(d *demo) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Plan on %s", d.net.Executable().Device())))
	affinity := d.net.Executable().Affinity()
	table := newPlainTable(true)
	table.Row("Layer", "Type", "Device", "Output", "Precision", "Bytes")
	var totalBytes uint64
	for _, l := range d.net.CNN().Layers() {
		row := []string{l.Name, l.Type, affinity[l.Name], "", "", ""}
		if len(l.OutData) > 0 {
			desc := l.OutData[0].TensorDesc()
			bytes := uint64(desc.Size() * desc.Precision.ElementSize())
			totalBytes += bytes
			row[3] = fmt.Sprint(shapes.Reversed(desc.Dims))
			row[4] = desc.Precision.String()
			row[5] = humanize.Bytes(bytes)
		}
		table.Row(row...)
	}
	table.Row("", "", "", "", "total", humanize.Bytes(totalBytes))
	fmt.Println(table.Render())
}

// printSummary reports the timing of the forward passes.
func printSummary(d *demo, result *runResult) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newPlainTable(false)
	table.Row("target", d.target.String())
	table.Row("device", d.net.Executable().Device())
	mode := "sync"
	if *flagAsync {
		mode = fmt.Sprintf("async, %d in flight", max(*flagParallel, 1))
	}
	table.Row("mode", mode)
	table.Row("input", fmt.Sprint(d.input.Tensor().Shape()))
	table.Row("# forwards", humanize.Comma(int64(result.iterations)))
	table.Row("# requests", humanize.Comma(int64(d.net.NumRequests())))
	table.Row("elapsed", result.elapsed.Round(time.Microsecond).String())
	perForward := result.elapsed / time.Duration(result.iterations)
	table.Row("per forward", perForward.Round(time.Microsecond).String())
	if seconds := result.elapsed.Seconds(); seconds > 0 {
		table.Row("throughput", humanize.CommafWithDigits(float64(result.iterations)/seconds, 1)+" forwards/s")
	}
	table.Row("output", outputSample(result.output))
	fmt.Println(table.Render())
}

func outputSample(t *tensors.Tensor) string {
	if t == nil {
		return "-"
	}
	values := tensors.CopyFlatData[float32](t)
	if len(values) > 4 {
		return fmt.Sprintf("%v ... (%s values)", values[:4], humanize.Comma(int64(len(values))))
	}
	return fmt.Sprint(values)
}
