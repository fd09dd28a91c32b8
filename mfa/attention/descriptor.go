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

// Package attention generates Metal kernels for FlashAttention.
//
// The forward pass computes O = softmax(Q·Kᵀ/√D)·V and the log-sum-exp L
// with an online softmax. The backward pass is split in two kernels that
// recompute the attention matrix from L: one parallelized over rows
// (the D term and dQ) and one over columns (dV and dK, or dSᵀ for a
// separate GEMM).
//
//	desc := attention.Descriptor{
//		Matrix:             attention.Dimensions{Row: 1024, Column: 1024, Head: 64},
//		LowPrecisionInputs: true,
//	}
//	kd, err := desc.KernelDescriptor(attention.KernelType{Pass: attention.Forward, Secondary: true}, dev, nil)
//	prog, err := attention.Generate(kd)
//
// The head dimension is compiled into the source; the sequence lengths R
// and C are function constants (see Descriptor.FunctionConstants).
package attention

import (
	"fmt"

	"github.com/ajroetker/go-mfa/mfa"
)

// Dimensions of the attention problem. Row is the output sequence length
// (R), Column the input sequence length (C), Head the head dimension (D).
type Dimensions struct {
	Row    uint32 `json:"row" yaml:"row"`
	Column uint32 `json:"column" yaml:"column"`
	Head   uint16 `json:"head" yaml:"head"`
}

// Transpose marks the inputs and output stored as D×sequence instead of
// sequence×D. Gradients inherit the layout of their primal.
type Transpose struct {
	Q bool `json:"q,omitempty" yaml:"q,omitempty"`
	K bool `json:"k,omitempty" yaml:"k,omitempty"`
	V bool `json:"v,omitempty" yaml:"v,omitempty"`
	O bool `json:"o,omitempty" yaml:"o,omitempty"`
}

// Descriptor states an attention problem.
type Descriptor struct {
	// LowPrecisionInputs stores Q, K and V as FP16 and dO as BF16.
	LowPrecisionInputs bool `json:"low_precision_inputs,omitempty" yaml:"low_precision_inputs,omitempty"`
	// LowPrecisionIntermediates stores L as FP16 and D and dSᵀ as BF16.
	LowPrecisionIntermediates bool `json:"low_precision_intermediates,omitempty" yaml:"low_precision_intermediates,omitempty"`
	// LowPrecisionOutputs stores O as FP16 and the gradients as BF16.
	LowPrecisionOutputs bool `json:"low_precision_outputs,omitempty" yaml:"low_precision_outputs,omitempty"`
	// AggressiveIntermediates narrows the register precision of the
	// attention matrix intermediates.
	AggressiveIntermediates bool `json:"aggressive_intermediates,omitempty" yaml:"aggressive_intermediates,omitempty"`

	Matrix    Dimensions `json:"matrix" yaml:"matrix"`
	Transpose Transpose  `json:"transpose,omitzero" yaml:"transpose,omitempty"`
}

func (d Descriptor) validate() error {
	m := d.Matrix
	if m.Row == 0 || m.Column == 0 || m.Head == 0 {
		return fmt.Errorf("%w: matrix %+v", mfa.ErrDescriptorIncomplete, m)
	}
	return nil
}

// transposeState expands the input layout to every device operand.
func (d Descriptor) transposeState() OperandSet {
	var s OperandSet
	t := d.Transpose
	for _, pair := range []struct {
		set bool
		ops []Operand
	}{
		{t.Q, []Operand{Q, DQ}},
		{t.K, []Operand{K, DK}},
		{t.V, []Operand{V, DV}},
		{t.O, []Operand{O, DO}},
	} {
		if pair.set {
			s |= NewOperandSet(pair.ops...)
		}
	}
	return s
}

// MemoryPrecisions returns the storage precision of every device operand.
func (d Descriptor) MemoryPrecisions() Precisions {
	var p Precisions
	p[Q], p[K], p[V], p[DO] = mfa.FP32, mfa.FP32, mfa.FP32, mfa.FP32
	if d.LowPrecisionInputs {
		p[Q], p[K], p[V] = mfa.FP16, mfa.FP16, mfa.FP16
		p[DO] = mfa.BF16
	}
	p[L], p[D], p[DST] = mfa.FP32, mfa.FP32, mfa.FP32
	if d.LowPrecisionIntermediates {
		p[L] = mfa.FP16
		p[D], p[DST] = mfa.BF16, mfa.BF16
	}
	p[O], p[DV], p[DK], p[DQ] = mfa.FP32, mfa.FP32, mfa.FP32, mfa.FP32
	if d.LowPrecisionOutputs {
		p[O] = mfa.FP16
		p[DV], p[DK], p[DQ] = mfa.BF16, mfa.BF16, mfa.BF16
	}
	return p
}

// RegisterPrecisions returns the register precision of every operand on a
// device family.
func (d Descriptor) RegisterPrecisions(f mfa.Family) Precisions {
	mem := d.MemoryPrecisions()
	native := f.NativeBF16()
	widen := func(p mfa.Precision) mfa.Precision {
		if p == mfa.BF16 && !native {
			return mfa.FP32
		}
		return p
	}

	var p Precisions
	for _, o := range []Operand{Q, K, V, DO} {
		p[o] = widen(mem[o])
	}
	for _, o := range []Operand{L, D, S, P, DP, DS} {
		p[o] = mfa.FP32
	}
	if d.AggressiveIntermediates {
		p[L] = mem[L]
		p[D] = widen(mem[D])
		if d.LowPrecisionInputs {
			p[S] = mfa.FP16
		}
		p[P] = mfa.FP16
		p[DS] = widen(mfa.BF16)
	}
	for _, o := range []Operand{O, DV, DK, DQ} {
		p[o] = mfa.FP32
	}
	// dSᵀ is widened from the dS registers before it is stored.
	p[DST] = mfa.FP32
	return p
}

// Constants are the function constants declared by every attention kernel.
var Constants = []mfa.FunctionConstant{
	{Index: 0, Name: "R", Type: mfa.ConstantUint},
	{Index: 1, Name: "C", Type: mfa.ConstantUint},
}

// FunctionConstants binds the sequence lengths.
func (d Descriptor) FunctionConstants() []mfa.ConstantValue {
	return []mfa.ConstantValue{
		{FunctionConstant: Constants[0], Value: d.Matrix.Row},
		{FunctionConstant: Constants[1], Value: d.Matrix.Column},
	}
}

// DerivativeSTLeadingDimension is the row stride, in elements, of the dSᵀ
// buffer written by BackwardKeyValue without dK: dS rows of C padded to a
// multiple of 32.
func (d Descriptor) DerivativeSTLeadingDimension() uint32 {
	return (d.Matrix.Column + 31) / 32 * 32
}
