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

package mfa

import (
	"math"
	"testing"
)

func TestFloat16RoundTrip(t *testing.T) {
	// Every finite half survives widening and narrowing.
	for bits := 0; bits < 1<<16; bits++ {
		h := Float16(bits)
		if h.IsNaN() {
			if !NewFloat16(h.Float32()).IsNaN() {
				t.Fatalf("NaN %#04x lost", bits)
			}
			continue
		}
		if got := NewFloat16(h.Float32()); got != h {
			t.Fatalf("NewFloat16(%v) = %#04x, want %#04x", h.Float32(), uint16(got), bits)
		}
	}
}

func TestNewFloat16(t *testing.T) {
	tests := []struct {
		in   float32
		want Float16
	}{
		{1, Float16One},
		{65504, Float16Max},
		{65519, Float16Max},
		{65520, Float16Inf},
		{float32(math.Inf(1)), Float16Inf},
		{1 + 1.0/2048, Float16One},        // halfway, rounds to even
		{1 + 3.0/2048, Float16One + 2},    // halfway, rounds up to even
		{5.960464477539063e-08, 0x0001},   // smallest subnormal
		{2.9802322387695312e-08, 0x0000},  // half of it rounds to even zero
		{-2, 0xC000},
	}
	for _, tt := range tests {
		if got := NewFloat16(tt.in); got != tt.want {
			t.Errorf("NewFloat16(%v) = %#04x, want %#04x", tt.in, uint16(got), uint16(tt.want))
		}
	}
}

func TestNewBFloat16(t *testing.T) {
	tests := []struct {
		in   float32
		want BFloat16
	}{
		{1, BFloat16One},
		{float32(math.Inf(1)), BFloat16Inf},
		{math.Float32frombits(0x3F808000), 0x3F80}, // tie, even stays
		{math.Float32frombits(0x3F818000), 0x3F82}, // tie, odd rounds up
		{math.Float32frombits(0x3F808001), 0x3F81},
	}
	for _, tt := range tests {
		if got := NewBFloat16(tt.in); got != tt.want {
			t.Errorf("NewBFloat16(%v) = %#04x, want %#04x", tt.in, uint16(got), uint16(tt.want))
		}
	}
	if !NewBFloat16(float32(math.NaN())).IsNaN() {
		t.Error("NaN not preserved")
	}
}

func TestRound(t *testing.T) {
	x := float32(0.1)
	if Round(FP32, x) != x {
		t.Error("FP32 rounding changed the value")
	}
	if got := Round(FP16, x); math.Abs(float64(got-x)) > 1e-4 || got == x {
		t.Errorf("Round(FP16, 0.1) = %v", got)
	}
	if got := Round(BF16, x); math.Abs(float64(got-x)) > 1e-3 || got == x {
		t.Errorf("Round(BF16, 0.1) = %v", got)
	}
	s := []float32{0.1, 0.2}
	RoundSlice(FP16, s)
	if s[0] != Round(FP16, 0.1) || s[1] != Round(FP16, 0.2) {
		t.Errorf("RoundSlice = %v", s)
	}
}
