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

// Package reference computes GEMM and attention in float64, and emulates
// generated kernels on the CPU so their schedules can be checked against
// it without a GPU.
//
// Buffers use the layouts the kernels bind: row-major with the
// descriptor's leading dimensions for GEMM, sequence×D (or D×sequence when
// transposed) for attention. Results of the float64 functions are packed
// row-major.
package reference

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/contrib/workerpool"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

var (
	// ErrBufferSize is returned when a buffer is shorter than its operand.
	ErrBufferSize = errors.New("reference: buffer too small")
	// ErrOutOfBounds is returned when an emulated kernel reads or writes
	// device memory outside its operand, or stages more than its
	// threadgroup memory allocation holds.
	ErrOutOfBounds = errors.New("reference: kernel accessed memory out of bounds")
)

// pool runs emulated threadgroups.
var pool = sync.OnceValue(func() *workerpool.Pool { return workerpool.New(0) })

func checkLen(name string, buf []float32, n int) error {
	if len(buf) < n {
		return fmt.Errorf("%w: %s has %d elements, need %d", ErrBufferSize, name, len(buf), n)
	}
	return nil
}

// extent is the number of elements spanned by rows×cols with stride ld.
func extent(rows, cols, ld int) int {
	if rows == 0 || cols == 0 {
		return 0
	}
	return (rows-1)*ld + cols
}

// gemmBeta is the factor applied to the previous C.
func gemmBeta(p gemm.Descriptor) float32 {
	if p.Beta == 0 {
		return 1
	}
	return p.Beta
}

// MatMul returns A·B (+ beta·C) (+ bias) as a packed M×N matrix. C and bias
// are read only when the descriptor uses them.
func MatMul(p gemm.Descriptor, a, b, c, bias []float32) ([]float64, error) {
	m, n, k := int(p.Matrix.M), int(p.Matrix.N), int(p.Matrix.K)
	ld := p.ResolvedLeadingDimensions()
	if err := checkGEMMBuffers(p, a, b, c, bias, p.LoadPreviousC); err != nil {
		return nil, err
	}

	out := make([]float64, m*n)
	for i := range m {
		for j := range n {
			var sum float64
			for l := range k {
				var av, bv float32
				if p.Transpose.A {
					av = a[l*int(ld.A)+i]
				} else {
					av = a[i*int(ld.A)+l]
				}
				if p.Transpose.B {
					bv = b[j*int(ld.B)+l]
				} else {
					bv = b[l*int(ld.B)+j]
				}
				sum += float64(av) * float64(bv)
			}
			if p.LoadPreviousC {
				sum += float64(gemmBeta(p)) * float64(c[i*int(ld.C)+j])
			}
			switch p.Bias.Axis {
			case gemm.BiasRows:
				sum += float64(bias[i])
			case gemm.BiasColumns:
				sum += float64(bias[j])
			}
			out[i*n+j] = sum
		}
	}
	return out, nil
}

func checkGEMMBuffers(p gemm.Descriptor, a, b, c, bias []float32, needC bool) error {
	m, n, k := int(p.Matrix.M), int(p.Matrix.N), int(p.Matrix.K)
	ld := p.ResolvedLeadingDimensions()
	aRows, aCols := m, k
	if p.Transpose.A {
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if p.Transpose.B {
		bRows, bCols = n, k
	}
	checks := []error{
		checkLen("A", a, extent(aRows, aCols, int(ld.A))),
		checkLen("B", b, extent(bRows, bCols, int(ld.B))),
	}
	if needC {
		checks = append(checks, checkLen("C", c, extent(m, n, int(ld.C))))
	}
	switch p.Bias.Axis {
	case gemm.BiasRows:
		checks = append(checks, checkLen("bias", bias, m))
	case gemm.BiasColumns:
		checks = append(checks, checkLen("bias", bias, n))
	}
	return errors.Join(checks...)
}

// layout maps (sequence index, head index) to a buffer offset.
type layout struct {
	seq, head int
	trans     bool
}

func (l layout) index(i, d int) int {
	if l.trans {
		return d*l.seq + i
	}
	return i*l.head + d
}

func (l layout) size() int { return l.seq * l.head }

func layoutOf(p attention.Descriptor, o attention.Operand) layout {
	r, c, d := int(p.Matrix.Row), int(p.Matrix.Column), int(p.Matrix.Head)
	t := p.Transpose
	switch o {
	case attention.Q, attention.DQ:
		return layout{seq: r, head: d, trans: t.Q}
	case attention.K, attention.DK:
		return layout{seq: c, head: d, trans: t.K}
	case attention.V, attention.DV:
		return layout{seq: c, head: d, trans: t.V}
	case attention.O, attention.DO:
		return layout{seq: r, head: d, trans: t.O}
	}
	return layout{seq: r, head: 1}
}

// unpack returns the operand as a packed sequence×D float64 matrix.
func unpack(p attention.Descriptor, o attention.Operand, buf []float32) []float64 {
	l := layoutOf(p, o)
	out := make([]float64, l.size())
	for i := range l.seq {
		for d := range l.head {
			out[i*l.head+d] = float64(buf[l.index(i, d)])
		}
	}
	return out
}

// Attention returns O = softmax(Q·Kᵀ/√D)·V packed R×D, and the
// log-sum-exp of each row in base 2, the form the forward kernel stores.
func Attention(p attention.Descriptor, q, k, v []float32) (o, l []float64, err error) {
	r, c, d := int(p.Matrix.Row), int(p.Matrix.Column), int(p.Matrix.Head)
	if err := errors.Join(
		checkLen("Q", q, r*d), checkLen("K", k, c*d), checkLen("V", v, c*d),
	); err != nil {
		return nil, nil, err
	}
	qm, km, vm := unpack(p, attention.Q, q), unpack(p, attention.K, k), unpack(p, attention.V, v)
	probs, lse := softmaxRows(qm, km, r, c, d)

	o = make([]float64, r*d)
	for i := range r {
		for j := range c {
			pij := probs[i*c+j]
			for x := range d {
				o[i*d+x] += pij * vm[j*d+x]
			}
		}
	}
	l = make([]float64, r)
	for i := range r {
		l[i] = lse[i] * math.Log2E
	}
	return o, l, nil
}

// softmaxRows returns the R×C attention matrix and each row's natural
// log-sum-exp of the scaled scores.
func softmaxRows(q, k []float64, r, c, d int) (probs, lse []float64) {
	scale := 1 / math.Sqrt(float64(d))
	probs = make([]float64, r*c)
	lse = make([]float64, r)
	for i := range r {
		row := probs[i*c : (i+1)*c]
		maxScore := math.Inf(-1)
		for j := range c {
			var s float64
			for x := range d {
				s += q[i*d+x] * k[j*d+x]
			}
			row[j] = s * scale
			maxScore = max(maxScore, row[j])
		}
		var sum float64
		for j := range c {
			row[j] = math.Exp(row[j] - maxScore)
			sum += row[j]
		}
		for j := range c {
			row[j] /= sum
		}
		lse[i] = maxScore + math.Log(sum)
	}
	return probs, lse
}

// Gradients of attention with respect to its inputs, packed sequence×D.
type Gradients struct {
	DQ, DK, DV []float64
	// D is rowsum(dO ∘ O), without the 1/√D factor the kernels fold in.
	D []float64
}

// AttentionBackward differentiates Attention without checkpointing: the
// full attention matrix is materialized.
func AttentionBackward(p attention.Descriptor, q, k, v, dO []float32) (Gradients, error) {
	r, c, d := int(p.Matrix.Row), int(p.Matrix.Column), int(p.Matrix.Head)
	if err := errors.Join(
		checkLen("Q", q, r*d), checkLen("K", k, c*d), checkLen("V", v, c*d), checkLen("dO", dO, r*d),
	); err != nil {
		return Gradients{}, err
	}
	qm, km, vm := unpack(p, attention.Q, q), unpack(p, attention.K, k), unpack(p, attention.V, v)
	dom := unpack(p, attention.DO, dO)
	probs, _ := softmaxRows(qm, km, r, c, d)
	scale := 1 / math.Sqrt(float64(d))

	g := Gradients{
		DQ: make([]float64, r*d),
		DK: make([]float64, c*d),
		DV: make([]float64, c*d),
		D:  make([]float64, r),
	}
	o := make([]float64, r*d)
	for i := range r {
		for j := range c {
			for x := range d {
				o[i*d+x] += probs[i*c+j] * vm[j*d+x]
			}
		}
		for x := range d {
			g.D[i] += dom[i*d+x] * o[i*d+x]
		}
	}
	for i := range r {
		for j := range c {
			pij := probs[i*c+j]
			var dp float64
			for x := range d {
				dp += dom[i*d+x] * vm[j*d+x]
				g.DV[j*d+x] += pij * dom[i*d+x]
			}
			ds := pij * (dp - g.D[i]) * scale
			for x := range d {
				g.DQ[i*d+x] += ds * km[j*d+x]
				g.DK[j*d+x] += ds * qm[i*d+x]
			}
		}
	}
	return g, nil
}

// MaxRelativeError is max|got - want| divided by max|want|. A NaN or
// infinite element of got yields +Inf.
func MaxRelativeError(got []float32, want []float64) float64 {
	var diff, scale float64
	for i, w := range want {
		g := float64(got[i])
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return math.Inf(1)
		}
		diff = max(diff, math.Abs(g-w))
		scale = max(scale, math.Abs(w))
	}
	if scale == 0 {
		return diff
	}
	return diff / scale
}

// Quantize rounds every element of buf to p in place and returns it.
func Quantize(p mfa.Precision, buf []float32) []float32 {
	mfa.RoundSlice(p, buf)
	return buf
}
