// Copyright 2025 go-highway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gemm generates Metal kernels for C = A·B (+ beta·C) (+ bias).
//
// A Descriptor states the problem. Descriptor.KernelDescriptor applies the
// block size and precision heuristics for a device, NewKernel validates the
// result, and Kernel.Program renders the source:
//
//	kd, err := gemm.Descriptor{
//		Matrix:           gemm.Dimensions{M: 50, N: 50, K: 50},
//		MemoryPrecisions: gemm.Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
//		Transpose:        gemm.Transpose{A: true},
//	}.KernelDescriptor(dev, nil)
//	prog, err := gemm.Generate(kd)
//
// The matrix dimensions are not part of the source. They are bound at
// pipeline creation through the function constants returned by
// Descriptor.FunctionConstants.
package gemm

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/ajroetker/go-mfa/mfa"
)

// Dimensions of the product: A is M×K, B is K×N, C is M×N.
type Dimensions struct {
	M uint32 `json:"m" yaml:"m"`
	N uint32 `json:"n" yaml:"n"`
	K uint32 `json:"k" yaml:"k"`
}

// Precisions assigns a precision to each operand.
type Precisions struct {
	A mfa.Precision `json:"a" yaml:"a"`
	B mfa.Precision `json:"b" yaml:"b"`
	C mfa.Precision `json:"c" yaml:"c"`
}

// Transpose marks operands stored transposed: A as K×M, B as N×K.
type Transpose struct {
	A bool `json:"a,omitempty" yaml:"a,omitempty"`
	B bool `json:"b,omitempty" yaml:"b,omitempty"`
}

// LeadingDimensions are row strides in elements. Zero selects the packed
// stride implied by the dimensions and transpose state.
type LeadingDimensions struct {
	A uint32 `json:"a,omitempty" yaml:"a,omitempty"`
	B uint32 `json:"b,omitempty" yaml:"b,omitempty"`
	C uint32 `json:"c,omitempty" yaml:"c,omitempty"`
}

// BiasAxis selects how a bias vector is broadcast over C.
type BiasAxis uint8

const (
	// BiasNone disables the bias buffer.
	BiasNone BiasAxis = iota
	// BiasRows adds bias[m] to every element of row m (length M).
	BiasRows
	// BiasColumns adds bias[n] to every element of column n (length N).
	BiasColumns
)

func (a BiasAxis) String() string {
	switch a {
	case BiasNone:
		return "none"
	case BiasRows:
		return "rows"
	case BiasColumns:
		return "columns"
	}
	return fmt.Sprintf("BiasAxis(%d)", uint8(a))
}

// ParseBiasAxis parses "none", "rows" or "columns".
func ParseBiasAxis(s string) (BiasAxis, error) {
	switch s {
	case "", "none":
		return BiasNone, nil
	case "rows", "row", "m":
		return BiasRows, nil
	case "columns", "column", "n":
		return BiasColumns, nil
	}
	return 0, fmt.Errorf("unknown bias axis %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a BiasAxis) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *BiasAxis) UnmarshalText(text []byte) error {
	v, err := ParseBiasAxis(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Bias describes the optional bias vector bound at buffer 3.
type Bias struct {
	Axis      BiasAxis      `json:"axis,omitempty" yaml:"axis,omitempty"`
	Precision mfa.Precision `json:"precision,omitempty" yaml:"precision,omitempty"`
}

// MarshalJSON leaves out the fields that are unset, so a descriptor without
// a bias encodes as "bias":{} under encoders that ignore omitzero.
func (b Bias) MarshalJSON() ([]byte, error) {
	var out struct {
		Axis      *BiasAxis      `json:"axis,omitempty"`
		Precision *mfa.Precision `json:"precision,omitempty"`
	}
	if b.Axis != BiasNone {
		out.Axis = &b.Axis
	}
	if b.Precision != 0 {
		out.Precision = &b.Precision
	}
	return json.Marshal(out)
}

// Descriptor describes a matrix multiplication problem.
type Descriptor struct {
	// BatchDimension counts independent products dispatched together. It
	// only influences the occupancy estimate. Zero means 1.
	BatchDimension    int               `json:"batch,omitempty" yaml:"batch,omitempty"`
	Matrix            Dimensions        `json:"matrix" yaml:"matrix"`
	MemoryPrecisions  Precisions        `json:"memory_precisions" yaml:"memory_precisions"`
	Transpose         Transpose         `json:"transpose" yaml:"transpose"`
	LeadingDimensions LeadingDimensions `json:"leading_dimensions,omitzero" yaml:"leading_dimensions,omitempty"`
	// LoadPreviousC makes the kernel compute C = A·B + Beta·C.
	LoadPreviousC bool    `json:"load_previous_c,omitempty" yaml:"load_previous_c,omitempty"`
	Beta          float32 `json:"beta,omitempty" yaml:"beta,omitempty"`
	// Bias.Precision defaults to the memory precision of C.
	Bias Bias `json:"bias,omitzero" yaml:"bias,omitempty"`
}

func (d Descriptor) validate() error {
	if d.Matrix.M == 0 || d.Matrix.N == 0 || d.Matrix.K == 0 {
		return fmt.Errorf("%w: matrix dimensions %+v", mfa.ErrDescriptorIncomplete, d.Matrix)
	}
	p := d.MemoryPrecisions
	if !p.A.Valid() || !p.B.Valid() || !p.C.Valid() {
		return fmt.Errorf("%w: memory precisions %v/%v/%v", mfa.ErrDescriptorIncomplete, p.A, p.B, p.C)
	}
	if d.Bias.Axis > BiasColumns {
		return fmt.Errorf("%w: %v", mfa.ErrInvalidDescriptor, d.Bias.Axis)
	}
	return nil
}

// beta is the value bound to the beta function constant. The kernel ignores
// it without LoadPreviousC.
func (d Descriptor) beta() float32 {
	if d.LoadPreviousC && d.Beta == 0 {
		return 1
	}
	return d.Beta
}

// ResolvedLeadingDimensions fills in the packed strides for zero fields.
func (d Descriptor) ResolvedLeadingDimensions() LeadingDimensions {
	ld := d.LeadingDimensions
	m := d.Matrix
	if ld.A == 0 {
		ld.A = m.K
		if d.Transpose.A {
			ld.A = m.M
		}
	}
	if ld.B == 0 {
		ld.B = m.N
		if d.Transpose.B {
			ld.B = m.K
		}
	}
	if ld.C == 0 {
		ld.C = m.N
	}
	return ld
}

// FunctionConstants returns the values a pipeline for this problem must
// bind. LoadPreviousC with a zero Beta blends with factor 1.
func (d Descriptor) FunctionConstants() []mfa.ConstantValue {
	ld := d.ResolvedLeadingDimensions()
	values := []any{
		d.Matrix.M, d.Matrix.N, d.Matrix.K,
		ld.A, ld.B, ld.C,
		d.LoadPreviousC,
		d.beta(),
	}
	out := make([]mfa.ConstantValue, len(Constants))
	for i, c := range Constants {
		out[i] = mfa.ConstantValue{FunctionConstant: c, Value: values[i]}
	}
	return out
}

// Constants lists the function constants every GEMM kernel declares.
var Constants = []mfa.FunctionConstant{
	{Index: 0, Name: "M", Type: mfa.ConstantUint},
	{Index: 1, Name: "N", Type: mfa.ConstantUint},
	{Index: 2, Name: "K", Type: mfa.ConstantUint},
	{Index: 5, Name: "A_leading_dimension", Type: mfa.ConstantUint},
	{Index: 6, Name: "B_leading_dimension", Type: mfa.ConstantUint},
	{Index: 7, Name: "C_leading_dimension", Type: mfa.ConstantUint},
	{Index: 10, Name: "load_previous_C", Type: mfa.ConstantBool},
	{Index: 11, Name: "beta", Type: mfa.ConstantFloat},
}
