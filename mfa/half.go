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

import "math"

// Float16 is the bit pattern of an IEEE 754 binary16 value, the layout of
// Metal's half.
//
//	S | EEEEE | MMMMMMMMMM   (bias 15, max 65504)
type Float16 uint16

// BFloat16 is the bit pattern of a bfloat16 value, the layout of Metal's
// bfloat: the upper half of a binary32.
//
//	S | EEEEEEEE | MMMMMMM
type BFloat16 uint16

const (
	Float16One  Float16  = 0x3C00
	Float16Max  Float16  = 0x7BFF
	Float16Inf  Float16  = 0x7C00
	Float16NaN  Float16  = 0x7E00
	BFloat16One BFloat16 = 0x3F80
	BFloat16Inf BFloat16 = 0x7F80
	BFloat16NaN BFloat16 = 0x7FC0
)

// Float32 widens h exactly.
func (h Float16) Float32() float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: mant * 2^-24.
		f := float32(mant) * (1.0 / (1 << 24))
		if sign != 0 {
			f = -f
		}
		return f
	case 0x1F:
		if mant == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | mant<<13)
}

// IsNaN reports whether h is a NaN.
func (h Float16) IsNaN() bool { return h&0x7C00 == 0x7C00 && h&0x3FF != 0 }

// IsInf reports whether h is ±Inf.
func (h Float16) IsInf() bool { return h&0x7FFF == 0x7C00 }

// NewFloat16 narrows f with round-to-nearest-even. Values beyond the
// binary16 range become ±Inf, tiny values flush through the subnormals
// to ±0.
func NewFloat16(f float32) Float16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	abs := bits & 0x7FFFFFFF

	switch {
	case abs > 0x7F800000:
		return Float16(sign | 0x7E00 | uint16(abs>>13)&0x3FF)
	case abs >= 0x477FF000:
		// 65520 and above round past the largest finite half.
		return Float16(sign | 0x7C00)
	case abs < 0x38800000:
		// Below 2^-14 the result is subnormal. Scaling by 2^24 turns the
		// subnormal step into 1, and float32 rounding gives RNE for free.
		v := math.Float32frombits(abs) * (1 << 24)
		return Float16(sign | uint16(math.RoundToEven(float64(v))))
	}
	// Normal range: drop 13 mantissa bits with RNE, carrying into the
	// exponent when the mantissa overflows.
	rebased := abs - 112<<23
	round := uint32(0xFFF) + (rebased>>13)&1
	return Float16(sign | uint16((rebased+round)>>13))
}

// Float32 widens b exactly.
func (b BFloat16) Float32() float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// IsNaN reports whether b is a NaN.
func (b BFloat16) IsNaN() bool { return b&0x7F80 == 0x7F80 && b&0x7F != 0 }

// NewBFloat16 narrows f with round-to-nearest-even, keeping NaNs quiet.
func NewBFloat16(f float32) BFloat16 {
	bits := math.Float32bits(f)
	if bits&0x7FFFFFFF > 0x7F800000 {
		return BFloat16(bits>>16 | 0x40)
	}
	bits += 0x7FFF + (bits>>16)&1
	return BFloat16(bits >> 16)
}

// Round quantizes f to precision p and widens it back, which is what a
// value goes through when it is stored in p and loaded again.
func Round(p Precision, f float32) float32 {
	switch p {
	case FP16:
		return NewFloat16(f).Float32()
	case BF16:
		return NewBFloat16(f).Float32()
	}
	return f
}

// RoundSlice applies Round to every element in place.
func RoundSlice(p Precision, s []float32) {
	if p == FP32 {
		return
	}
	for i, v := range s {
		s[i] = Round(p, v)
	}
}
