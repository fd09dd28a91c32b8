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
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/gemm"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

// OutputError is the max relative error of one output buffer.
type OutputError struct {
	Name  string  `json:"name"`
	Error float64 `json:"max_relative_error"`
}

// Report lists the outputs checked by a verification run.
type Report struct {
	Outputs []OutputError `json:"outputs"`
}

// Max returns the largest error in the report, or NaN if any is NaN.
func (r Report) Max() float64 {
	var m float64
	for _, o := range r.Outputs {
		if math.IsNaN(o.Error) {
			return o.Error
		}
		m = max(m, o.Error)
	}
	return m
}

func (r *Report) add(name string, e float64) {
	r.Outputs = append(r.Outputs, OutputError{Name: name, Error: e})
}

// Tolerance is the max relative error expected from kernels whose
// narrowest memory precision is p.
func Tolerance(p mfa.Precision) float64 {
	switch p {
	case mfa.FP16:
		return 5e-3
	case mfa.BF16:
		return 5e-2
	}
	return 1e-5
}

// random returns n uniform values in [-1, 1) representable in p.
func random(rng *rand.Rand, p mfa.Precision, n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = rng.Float32()*2 - 1
	}
	return Quantize(p, s)
}

// VerifyGEMM emulates the kernel kd on random operands for p and compares
// C with MatMul.
func VerifyGEMM(kd gemm.KernelDescriptor, p gemm.Descriptor, rng *rand.Rand) (Report, error) {
	kernel, err := gemm.NewKernel(kd)
	if err != nil {
		return Report{}, err
	}
	lds := p.ResolvedLeadingDimensions()
	m, n, k := int(p.Matrix.M), int(p.Matrix.N), int(p.Matrix.K)
	mp := p.MemoryPrecisions
	aRows, aCols := m, k
	if p.Transpose.A {
		aRows, aCols = k, m
	}
	bRows, bCols := k, n
	if p.Transpose.B {
		bRows, bCols = n, k
	}
	a := random(rng, mp.A, extent(aRows, aCols, int(lds.A)))
	b := random(rng, mp.B, extent(bRows, bCols, int(lds.B)))
	c := random(rng, mp.C, extent(m, n, int(lds.C)))
	var bias []float32
	switch p.Bias.Axis {
	case gemm.BiasRows:
		bias = random(rng, kd.Bias.Precision, m)
	case gemm.BiasColumns:
		bias = random(rng, kd.Bias.Precision, n)
	}

	want, err := MatMul(p, a, b, c, bias)
	if err != nil {
		return Report{}, err
	}
	if err := EmulateGEMM(kernel, p, a, b, c, bias); err != nil {
		return Report{}, err
	}
	got := make([]float32, m*n)
	for i := range m {
		copy(got[i*n:(i+1)*n], c[i*int(lds.C):])
	}
	var r Report
	r.add("C", MaxRelativeError(got, want))
	return r, nil
}

// VerifyAttention runs the forward, backward-query and backward-key-value
// kernels generated for dev on random inputs and compares O, L, D and the
// three gradients with the unfused reference.
func VerifyAttention(p attention.Descriptor, dev mfa.Device, t *tuning.Tables, rng *rand.Rand) (Report, error) {
	mem := p.MemoryPrecisions()
	buf := &AttentionBuffers{}
	for _, o := range []attention.Operand{attention.Q, attention.K, attention.V, attention.DO} {
		*buf.field(o) = random(rng, mem[o], OperandSize(p, o))
	}
	for _, o := range []attention.Operand{attention.O, attention.L, attention.D, attention.DQ, attention.DK, attention.DV} {
		*buf.field(o) = make([]float32, OperandSize(p, o))
	}
	for _, pass := range attention.Passes {
		typ := attention.KernelType{Pass: pass, Secondary: true}
		kd, err := p.KernelDescriptor(typ, dev, t)
		if err != nil {
			return Report{}, fmt.Errorf("%v kernel: %w", pass, err)
		}
		kernel, err := attention.NewKernel(kd)
		if err != nil {
			return Report{}, fmt.Errorf("%v kernel: %w", pass, err)
		}
		if err := EmulateAttention(kernel, p, buf); err != nil {
			return Report{}, fmt.Errorf("%v pass: %w", pass, err)
		}
	}

	o, l, err := Attention(p, buf.Q, buf.K, buf.V)
	if err != nil {
		return Report{}, err
	}
	g, err := AttentionBackward(p, buf.Q, buf.K, buf.V, buf.DO)
	if err != nil {
		return Report{}, err
	}
	scale := 1 / math.Sqrt(float64(p.Matrix.Head))
	for i := range g.D {
		g.D[i] *= scale
	}

	var r Report
	for _, out := range []struct {
		op   attention.Operand
		want []float64
	}{
		{attention.O, o},
		{attention.L, l},
		{attention.D, g.D},
		{attention.DQ, g.DQ},
		{attention.DK, g.DK},
		{attention.DV, g.DV},
	} {
		got := unpack(p, out.op, buf.get(out.op))
		r.add(out.op.String(), relative(got, out.want))
	}
	return r, nil
}

func relative(got, want []float64) float64 {
	g := make([]float32, len(got))
	for i, v := range got {
		g[i] = float32(v)
	}
	return MaxRelativeError(g, want)
}
