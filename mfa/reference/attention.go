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

package reference

import (
	"errors"
	"fmt"
	"math"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
)

// maskValue is what the forward kernel writes into scores past the end of
// the sequence. After scaling it stays finite and exp2 flushes it to 0.
const maskValue = float32((0.875 / math.Log2E) * -math.MaxFloat32)

// AttentionBuffers holds the device buffers of an attention dispatch.
// Only the operands bound by the kernel type are read or written.
type AttentionBuffers struct {
	Q, K, V, O, L []float32
	DO, D         []float32
	DV, DK, DQ    []float32
	// DST is dS stored row-major, R rows of DerivativeSTLeadingDimension.
	DST []float32
}

func (b *AttentionBuffers) field(o attention.Operand) *[]float32 {
	switch o {
	case attention.Q:
		return &b.Q
	case attention.K:
		return &b.K
	case attention.V:
		return &b.V
	case attention.O:
		return &b.O
	case attention.L:
		return &b.L
	case attention.DO:
		return &b.DO
	case attention.D:
		return &b.D
	case attention.DV:
		return &b.DV
	case attention.DK:
		return &b.DK
	case attention.DQ:
		return &b.DQ
	case attention.DST:
		return &b.DST
	}
	return nil
}

func (b *AttentionBuffers) get(o attention.Operand) []float32 { return *b.field(o) }

// NewAttentionBuffers allocates every operand the kernel type binds.
func NewAttentionBuffers(p attention.Descriptor, typ attention.KernelType) *AttentionBuffers {
	b := &AttentionBuffers{}
	for _, o := range typ.Operands().Operands() {
		*b.field(o) = make([]float32, OperandSize(p, o))
	}
	return b
}

// OperandSize returns the element count of the buffer bound for o.
func OperandSize(p attention.Descriptor, o attention.Operand) int {
	switch o {
	case attention.L, attention.D:
		return int(p.Matrix.Row)
	case attention.DST:
		return int(p.Matrix.Row) * int(p.DerivativeSTLeadingDimension())
	}
	return layoutOf(p, o).size()
}

// EmulateAttention runs kernel on the CPU for problem p.
//
// Each threadgroup owns a block of rows (columns for the backward
// key-value pass) and steps through the other sequence in blocks of the
// kernel's traversal size, the way the kernel does: an online softmax
// with the edge masked and base-2 exponentials in the forward pass, and
// the attention matrix recomputed from L and D in the backward passes.
// Values are quantized to the kernel's register precisions after every
// 8-deep product, and accumulators the kernel does not cache make a round
// trip through memory precision after each block.
func EmulateAttention(kernel *attention.Kernel, p attention.Descriptor, buf *AttentionBuffers) error {
	kd := kernel.Descriptor()
	if kd.HeadDimension != p.Matrix.Head {
		return fmt.Errorf("%w: kernel head dimension %d, problem %d", mfa.ErrInvalidDescriptor, kd.HeadDimension, p.Matrix.Head)
	}
	if p.Matrix.Row == 0 || p.Matrix.Column == 0 {
		return fmt.Errorf("%w: matrix %+v", mfa.ErrDescriptorIncomplete, p.Matrix)
	}
	var errs []error
	for _, o := range kd.Type.Operands().Operands() {
		errs = append(errs, checkLen(o.String(), buf.get(o), OperandSize(p, o)))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	e := &attentionEmulator{
		kd:     kd,
		cached: kernel.Cached(),
		p:      p,
		buf:    buf,
		r:      int(p.Matrix.Row),
		c:      int(p.Matrix.Column),
		d:      int(p.Matrix.Head),
		block:  int(kd.BlockDimensions.Parallelization),
		trav:   int(kd.BlockDimensions.Traversal),
	}
	e.fwdScale = float32(math.Log2E / math.Sqrt(float64(e.d)))
	e.bwdScale = float32(1 / math.Sqrt(float64(e.d)))

	var group func(int)
	switch kd.Type.Pass {
	case attention.Forward:
		group = e.forward
	case attention.BackwardQuery:
		group = e.backwardQuery
	case attention.BackwardKeyValue:
		group = e.backwardKeyValue
	default:
		return fmt.Errorf("%w: pass %v", mfa.ErrInvalidDescriptor, kd.Type.Pass)
	}
	pool().Dispatch(int(kernel.Grid(p.Matrix)), 1, func(x, _ int) { group(x) })
	return nil
}

type attentionEmulator struct {
	kd     attention.KernelDescriptor
	cached attention.OperandSet
	p      attention.Descriptor
	buf    *AttentionBuffers

	r, c, d     int
	block, trav int

	fwdScale, bwdScale float32
}

func (e *attentionEmulator) reg(o attention.Operand) mfa.Precision { return e.kd.RegisterPrecisions[o] }

// row loads sequence index i of o in register precision. Indices past the
// sequence read as zero, as the padded copies produce.
func (e *attentionEmulator) row(o attention.Operand, i int) []float32 {
	out := make([]float32, e.d)
	l := layoutOf(e.p, o)
	if i >= l.seq {
		return out
	}
	src := e.buf.get(o)
	for x := range out {
		v := mfa.Round(e.kd.MemoryPrecisions[o], src[l.index(i, x)])
		out[x] = mfa.Round(e.reg(o), v)
	}
	return out
}

func (e *attentionEmulator) storeRow(o attention.Operand, i int, v []float32) {
	l := layoutOf(e.p, o)
	dst := e.buf.get(o)
	for x := range v {
		dst[l.index(i, x)] = mfa.Round(e.kd.MemoryPrecisions[o], v[x])
	}
}

// scalar loads element i of the vector operand L or D. Past the sequence
// the padded copy yields zero.
func (e *attentionEmulator) scalar(o attention.Operand, i int) float32 {
	if i >= e.r {
		return 0
	}
	v := mfa.Round(e.kd.MemoryPrecisions[o], e.buf.get(o)[i])
	return mfa.Round(e.reg(o), v)
}

// dot is an 8-deep-stepped inner product rounded to p.
func dot(p mfa.Precision, a, b []float32) float32 {
	var acc float32
	for x0 := 0; x0 < len(a); x0 += 8 {
		var sum float32
		for x := x0; x < min(x0+8, len(a)); x++ {
			sum += a[x] * b[x]
		}
		acc = mfa.Round(p, acc+sum)
	}
	return acc
}

// accumulate adds weights·rows into acc, 8 rows per step, rounding to p.
func accumulate(p mfa.Precision, acc []float32, weights []float32, rows [][]float32) {
	for e0 := 0; e0 < len(weights); e0 += 8 {
		for x := range acc {
			var sum float32
			for j := e0; j < min(e0+8, len(weights)); j++ {
				sum += weights[j] * rows[j][x]
			}
			acc[x] = mfa.Round(p, acc[x]+sum)
		}
	}
}

func scale(p mfa.Precision, acc []float32, f float32) {
	for x := range acc {
		acc[x] = mfa.Round(p, acc[x]*f)
	}
}

func exp2(x float32) float32 { return float32(math.Exp2(float64(x))) }

// roundTrip models an accumulator that lives in device memory between
// blocks.
func (e *attentionEmulator) roundTrip(o attention.Operand, acc []float32) {
	if e.cached.Contains(o) {
		return
	}
	for x := range acc {
		acc[x] = mfa.Round(e.reg(o), mfa.Round(e.kd.MemoryPrecisions[o], acc[x]))
	}
}

func (e *attentionEmulator) rows(o attention.Operand, start int) [][]float32 {
	out := make([][]float32, e.trav)
	for j := range out {
		out[j] = e.row(o, start+j)
	}
	return out
}

func (e *attentionEmulator) forward(group int) {
	for i := group * e.block; i < min((group+1)*e.block, e.r); i++ {
		q := e.row(attention.Q, i)
		o := make([]float32, e.d)
		m := float32(-math.MaxFloat32)
		var l float32

		for c0 := 0; c0 < e.c; c0 += e.trav {
			keys, values := e.rows(attention.K, c0), e.rows(attention.V, c0)
			s := make([]float32, e.trav)
			for j := range s {
				s[j] = dot(e.reg(attention.S), q, keys[j])
				if c0+j >= e.c {
					s[j] = mfa.Round(e.reg(attention.S), maskValue)
				}
			}

			mNew := float32(-math.MaxFloat32)
			for _, v := range s {
				mNew = max(mNew, v)
			}
			mNew = max(m, mNew*e.fwdScale)
			correction := float32(1)
			if mNew > m {
				correction = exp2(m - mNew)
				m = mNew
			}

			probs := make([]float32, e.trav)
			var lNew float32
			for j, v := range s {
				probs[j] = mfa.Round(e.reg(attention.P), exp2(v*e.fwdScale-m))
				lNew += probs[j]
			}
			l = l*correction + lNew

			regO := e.reg(attention.O)
			if c0 > 0 {
				scale(regO, o, correction)
			}
			accumulate(regO, o, probs, values)
			if c0+e.trav >= e.c {
				scale(regO, o, 1/l)
			}
			e.roundTrip(attention.O, o)
		}

		e.storeRow(attention.O, i, o)
		if e.kd.Type.Secondary {
			e.buf.L[i] = mfa.Round(e.kd.MemoryPrecisions[attention.L], m+float32(math.Log2(float64(l))))
		}
	}
}

// dTerm is rowsum(dO ∘ O) scaled by 1/√D.
func (e *attentionEmulator) dTerm(i int) float32 {
	l := layoutOf(e.p, attention.O)
	var sum float32
	for x := range e.d {
		do := mfa.Round(e.kd.MemoryPrecisions[attention.DO], e.buf.DO[l.index(i, x)])
		o := mfa.Round(e.kd.MemoryPrecisions[attention.O], e.buf.O[l.index(i, x)])
		sum += do * o
	}
	return sum * e.bwdScale
}

func (e *attentionEmulator) backwardQuery(group int) {
	for i := group * e.block; i < min((group+1)*e.block, e.r); i++ {
		dTerm := e.dTerm(i)
		e.buf.D[i] = mfa.Round(e.kd.MemoryPrecisions[attention.D], dTerm)
		if !e.kd.Type.Secondary {
			continue
		}

		lTerm := mfa.Round(e.kd.MemoryPrecisions[attention.L], e.buf.L[i])
		q, do := e.row(attention.Q, i), e.row(attention.DO, i)
		dq := make([]float32, e.d)
		for c0 := 0; c0 < e.c; c0 += e.trav {
			keys, values := e.rows(attention.K, c0), e.rows(attention.V, c0)
			ds := make([]float32, e.trav)
			for j := range ds {
				s := dot(e.reg(attention.S), q, keys[j])
				p := mfa.Round(e.reg(attention.P), exp2(s*e.fwdScale-lTerm))
				dp := dot(e.reg(attention.DP), do, values[j])
				ds[j] = mfa.Round(e.reg(attention.DS), p*(dp*e.bwdScale-dTerm))
			}
			accumulate(e.reg(attention.DQ), dq, ds, keys)
			e.roundTrip(attention.DQ, dq)
		}
		e.storeRow(attention.DQ, i, dq)
	}
}

func (e *attentionEmulator) backwardKeyValue(group int) {
	ld := int(e.p.DerivativeSTLeadingDimension())
	for j := group * e.block; j < min((group+1)*e.block, e.c); j++ {
		k, v := e.row(attention.K, j), e.row(attention.V, j)
		dv := make([]float32, e.d)
		dk := make([]float32, e.d)
		for r0 := 0; r0 < e.r; r0 += e.trav {
			queries, grads := e.rows(attention.Q, r0), e.rows(attention.DO, r0)
			probs := make([]float32, e.trav)
			ds := make([]float32, e.trav)
			for x := range probs {
				s := dot(e.reg(attention.S), k, queries[x])
				probs[x] = mfa.Round(e.reg(attention.P), exp2(s*e.fwdScale-e.scalar(attention.L, r0+x)))
				dp := dot(e.reg(attention.DP), v, grads[x])
				ds[x] = mfa.Round(e.reg(attention.DS), probs[x]*(dp*e.bwdScale-e.scalar(attention.D, r0+x)))
			}
			accumulate(e.reg(attention.DV), dv, probs, grads)
			e.roundTrip(attention.DV, dv)

			if e.kd.Type.Secondary {
				accumulate(e.reg(attention.DK), dk, ds, queries)
				e.roundTrip(attention.DK, dk)
				continue
			}
			for x, value := range ds {
				if r := r0 + x; r < e.r {
					e.buf.DST[r*ld+j] = mfa.Round(e.kd.MemoryPrecisions[attention.DST], value)
				}
			}
		}
		e.storeRow(attention.DV, j, dv)
		if e.kd.Type.Secondary {
			e.storeRow(attention.DK, j, dk)
		}
	}
}
