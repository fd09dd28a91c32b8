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
	"math"
	"math/rand/v2"
	"testing"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/gemm"
)

var (
	forwardL     = attention.KernelType{Pass: attention.Forward, Secondary: true}
	backwardQ    = attention.KernelType{Pass: attention.BackwardQuery, Secondary: true}
	backwardKV   = attention.KernelType{Pass: attention.BackwardKeyValue, Secondary: true}
	backwardKVST = attention.KernelType{Pass: attention.BackwardKeyValue}
)

func attentionKernel(t *testing.T, p attention.Descriptor, typ attention.KernelType, fam mfa.Family) *attention.Kernel {
	t.Helper()
	kd, err := p.KernelDescriptor(typ, mfa.Device{Family: fam}, nil)
	if err != nil {
		t.Fatal(err)
	}
	k, err := attention.NewKernel(kd)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

// allBuffers allocates every device operand, so the passes can run in
// sequence on one set of buffers.
func allBuffers(rng *rand.Rand, p attention.Descriptor) *AttentionBuffers {
	mem := p.MemoryPrecisions()
	b := &AttentionBuffers{}
	for _, o := range []attention.Operand{attention.Q, attention.K, attention.V, attention.DO} {
		*b.field(o) = random(rng, mem[o], OperandSize(p, o))
	}
	for _, o := range []attention.Operand{attention.O, attention.L, attention.D, attention.DV, attention.DK, attention.DQ, attention.DST} {
		*b.field(o) = make([]float32, OperandSize(p, o))
	}
	return b
}

func emulate(t *testing.T, p attention.Descriptor, typ attention.KernelType, fam mfa.Family, b *AttentionBuffers) {
	t.Helper()
	if err := EmulateAttention(attentionKernel(t, p, typ, fam), p, b); err != nil {
		t.Fatal(err)
	}
}

func TestEmulateForwardFP32(t *testing.T) {
	p := attention.Descriptor{Matrix: attention.Dimensions{Row: 40, Column: 40, Head: 16}}
	for _, fam := range mfa.Families {
		t.Run(fam.String(), func(t *testing.T) {
			b := allBuffers(rand.New(rand.NewPCG(40, 16)), p)
			emulate(t, p, forwardL, fam, b)

			o, l, err := Attention(p, b.Q, b.K, b.V)
			if err != nil {
				t.Fatal(err)
			}
			if e := MaxRelativeError(b.O, o); !(e <= 1e-5) {
				t.Errorf("O relative error %g", e)
			}
			for i, want := range l {
				if got := float64(b.L[i]); !(math.Abs(got-want) <= 1e-5*math.Abs(want)+1e-6) {
					t.Errorf("L[%d] = %v, want %v", i, got, want)
				}
			}
		})
	}
}

func TestEmulateForwardOutlier(t *testing.T) {
	p := attention.Descriptor{Matrix: attention.Dimensions{Row: 24, Column: 70, Head: 32}}
	b := allBuffers(rand.New(rand.NewPCG(1, 50)), p)
	// One key dominates every score of row 3.
	for x := range 32 {
		b.Q[3*32+x] = 1
		b.K[65*32+x] = 50
	}
	emulate(t, p, forwardL, mfa.Apple9, b)

	for i, v := range b.O {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("O[%d] = %v", i, v)
		}
	}
	for i, v := range b.L {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("L[%d] = %v", i, v)
		}
	}
	o, _, err := Attention(p, b.Q, b.K, b.V)
	if err != nil {
		t.Fatal(err)
	}
	if e := MaxRelativeError(b.O, o); !(e <= 1e-4) {
		t.Errorf("O relative error %g", e)
	}
	// Row 3 is all but one-hot on V row 65.
	for x := range 32 {
		if d := math.Abs(float64(b.O[3*32+x] - b.V[65*32+x])); d > 1e-4 {
			t.Errorf("O[3][%d] = %v, want V[65][%d] = %v", x, b.O[3*32+x], x, b.V[65*32+x])
		}
	}
}

func TestEmulateForwardTransposed(t *testing.T) {
	p := attention.Descriptor{
		Matrix:    attention.Dimensions{Row: 19, Column: 45, Head: 24},
		Transpose: attention.Transpose{Q: true, K: true, V: true, O: true},
	}
	b := allBuffers(rand.New(rand.NewPCG(2, 2)), p)
	emulate(t, p, forwardL, mfa.Apple7, b)
	o, _, err := Attention(p, b.Q, b.K, b.V)
	if err != nil {
		t.Fatal(err)
	}
	got := unpack(p, attention.O, b.O)
	if e := relative(got, o); !(e <= 1e-5) {
		t.Errorf("O relative error %g", e)
	}
}

func TestEmulateForwardLowPrecision(t *testing.T) {
	p := attention.Descriptor{
		LowPrecisionInputs:        true,
		LowPrecisionIntermediates: true,
		LowPrecisionOutputs:       true,
		Matrix:                    attention.Dimensions{Row: 33, Column: 65, Head: 40},
	}
	for _, fam := range mfa.Families {
		t.Run(fam.String(), func(t *testing.T) {
			b := allBuffers(rand.New(rand.NewPCG(3, 3)), p)
			emulate(t, p, forwardL, fam, b)
			o, _, err := Attention(p, b.Q, b.K, b.V)
			if err != nil {
				t.Fatal(err)
			}
			if e := MaxRelativeError(b.O, o); !(e <= 5e-3) {
				t.Errorf("O relative error %g", e)
			}
		})
	}
}

func TestEmulateBackward(t *testing.T) {
	p := attention.Descriptor{Matrix: attention.Dimensions{Row: 37, Column: 29, Head: 24}}
	for _, fam := range mfa.Families {
		t.Run(fam.String(), func(t *testing.T) {
			b := allBuffers(rand.New(rand.NewPCG(5, 5)), p)
			emulate(t, p, forwardL, fam, b)
			emulate(t, p, backwardQ, fam, b)
			emulate(t, p, backwardKV, fam, b)

			g, err := AttentionBackward(p, b.Q, b.K, b.V, b.DO)
			if err != nil {
				t.Fatal(err)
			}
			scale := 1 / math.Sqrt(24)
			wantD := make([]float64, len(g.D))
			for i, v := range g.D {
				wantD[i] = v * scale
			}
			for _, tc := range []struct {
				name string
				got  []float32
				want []float64
			}{
				{"D", b.D, wantD},
				{"dQ", b.DQ, g.DQ},
				{"dK", b.DK, g.DK},
				{"dV", b.DV, g.DV},
			} {
				if e := MaxRelativeError(tc.got, tc.want); !(e <= 1e-4) {
					t.Errorf("%s relative error %g", tc.name, e)
				}
			}
		})
	}
}

// TestEmulateBackwardDerivativeST stores dSᵀ and finishes dK with a GEMM.
func TestEmulateBackwardDerivativeST(t *testing.T) {
	p := attention.Descriptor{Matrix: attention.Dimensions{Row: 21, Column: 35, Head: 16}}
	b := allBuffers(rand.New(rand.NewPCG(6, 6)), p)
	emulate(t, p, forwardL, mfa.Apple9, b)
	emulate(t, p, backwardQ, mfa.Apple9, b)
	emulate(t, p, backwardKVST, mfa.Apple9, b)

	// dK (C×D) = dSᵀ (C×R) · Q (R×D), with dS stored R×C.
	r, c, d := p.Matrix.Row, p.Matrix.Column, uint32(p.Matrix.Head)
	mm := gemm.Descriptor{
		Matrix:            gemm.Dimensions{M: c, N: d, K: r},
		MemoryPrecisions:  gemm.Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32},
		Transpose:         gemm.Transpose{A: true},
		LeadingDimensions: gemm.LeadingDimensions{A: p.DerivativeSTLeadingDimension()},
	}
	kd, err := mm.KernelDescriptor(mfa.Device{Family: mfa.Apple9}, nil)
	if err != nil {
		t.Fatal(err)
	}
	kernel, err := gemm.NewKernel(kd)
	if err != nil {
		t.Fatal(err)
	}
	dk := make([]float32, c*d)
	if err := EmulateGEMM(kernel, mm, b.DST, b.Q, dk, nil); err != nil {
		t.Fatal(err)
	}

	g, err := AttentionBackward(p, b.Q, b.K, b.V, b.DO)
	if err != nil {
		t.Fatal(err)
	}
	if e := MaxRelativeError(dk, g.DK); !(e <= 1e-4) {
		t.Errorf("dK relative error %g", e)
	}
	if e := MaxRelativeError(b.DV, g.DV); !(e <= 1e-4) {
		t.Errorf("dV relative error %g", e)
	}
}

func TestEmulateDTermOnly(t *testing.T) {
	p := attention.Descriptor{Matrix: attention.Dimensions{Row: 10, Column: 10, Head: 20}}
	typ := attention.KernelType{Pass: attention.BackwardQuery}
	rng := rand.New(rand.NewPCG(8, 8))
	b := NewAttentionBuffers(p, typ)
	if b.Q != nil || b.DQ != nil {
		t.Fatal("D-term buffers include Q or dQ")
	}
	b.O = random(rng, mfa.FP32, len(b.O))
	b.DO = random(rng, mfa.FP32, len(b.DO))
	emulate(t, p, typ, mfa.Apple9, b)

	for i := range 10 {
		var want float64
		for x := range 20 {
			want += float64(b.O[i*20+x]) * float64(b.DO[i*20+x])
		}
		want /= math.Sqrt(20)
		if math.Abs(float64(b.D[i])-want) > 1e-5 {
			t.Errorf("D[%d] = %v, want %v", i, b.D[i], want)
		}
	}
}

func TestEmulateAttentionErrors(t *testing.T) {
	p := attention.Descriptor{Matrix: attention.Dimensions{Row: 16, Column: 16, Head: 8}}
	k := attentionKernel(t, p, forwardL, mfa.Apple9)

	b := NewAttentionBuffers(p, forwardL)
	b.L = b.L[:4]
	if err := EmulateAttention(k, p, b); !errors.Is(err, ErrBufferSize) {
		t.Errorf("EmulateAttention(short L) = %v, want ErrBufferSize", err)
	}

	other := p
	other.Matrix.Head = 16
	if err := EmulateAttention(k, other, NewAttentionBuffers(other, forwardL)); !errors.Is(err, mfa.ErrInvalidDescriptor) {
		t.Errorf("EmulateAttention(head mismatch) = %v, want ErrInvalidDescriptor", err)
	}
}
