// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

// Data is a named data node: the description of a tensor flowing between layers.
type Data struct {
	name string
	desc TensorDesc
}

// NewData creates a data node with a copy of desc.
func NewData(name string, desc TensorDesc) *Data {
	return &Data{name: name, desc: desc.Clone()}
}

// Name of the data node.
func (d *Data) Name() string { return d.name }

// SetName renames the data node.
func (d *Data) SetName(name string) { d.name = name }

// TensorDesc returns a copy of the tensor description.
func (d *Data) TensorDesc() TensorDesc { return d.desc.Clone() }

// Dims returns a copy of the dimensions, in engine order.
func (d *Data) Dims() []int { return d.TensorDesc().Dims }

// Precision of the data.
func (d *Data) Precision() Precision { return d.desc.Precision }

// SetPrecision changes the precision of the data.
func (d *Data) SetPrecision(p Precision) { d.desc.Precision = p }

// Clone returns an independent data node with the same name and description.
func (d *Data) Clone() *Data { return NewData(d.name, d.desc) }

func (d *Data) setDims(dims []int) { d.desc.Dims = append(d.desc.Dims[:0:0], dims...) }
