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

package gemm

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-mfa/mfa"
)

func baseDescriptor() KernelDescriptor {
	return KernelDescriptor{
		BlockDimensions:    BlockDimensions{M: 32, N: 32, K: 32},
		MemoryPrecisions:   Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
		RegisterPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
		Splits:             Splits{M: 2, N: 2},
		PreferAsyncLoad:    true,
		PreferAsyncStore:   true,
	}
}

func TestNewKernelErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*KernelDescriptor)
		want   error
	}{
		{"missing block", func(d *KernelDescriptor) { d.BlockDimensions.K = 0 }, mfa.ErrDescriptorIncomplete},
		{"missing splits", func(d *KernelDescriptor) { d.Splits = Splits{} }, mfa.ErrDescriptorIncomplete},
		{"missing precision", func(d *KernelDescriptor) { d.RegisterPrecisions.B = 0 }, mfa.ErrDescriptorIncomplete},
		{"block not multiple of 8", func(d *KernelDescriptor) { d.BlockDimensions.K = 36 }, mfa.ErrInvalidDescriptor},
		{"block not divisible by splits", func(d *KernelDescriptor) { d.Splits.M = 3 }, mfa.ErrInvalidDescriptor},
		{"narrowed register", func(d *KernelDescriptor) {
			d.MemoryPrecisions.A = mfa.FP32
		}, mfa.ErrInvalidPrecisionPair},
		{"bf16 accumulator", func(d *KernelDescriptor) {
			d.MemoryPrecisions.C = mfa.BF16
			d.RegisterPrecisions.C = mfa.BF16
		}, mfa.ErrInvalidPrecisionPair},
		{"leading block too small", func(d *KernelDescriptor) {
			d.LeadingBlockDimensions.A = 16
		}, mfa.ErrInvalidDescriptor},
		{"leading block too small when transposed", func(d *KernelDescriptor) {
			d.Transpose.B = true
			d.LeadingBlockDimensions.B = 24
		}, mfa.ErrInvalidDescriptor},
		{"threadgroup memory", func(d *KernelDescriptor) {
			d.BlockDimensions = BlockDimensions{M: 128, N: 128, K: 32}
			d.MemoryPrecisions = Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32}
			d.RegisterPrecisions = d.MemoryPrecisions
		}, mfa.ErrThreadgroupMemoryExceeded},
		{"bias without precision", func(d *KernelDescriptor) {
			d.Bias = Bias{Axis: BiasColumns}
		}, mfa.ErrDescriptorIncomplete},
		{"bias axis out of range", func(d *KernelDescriptor) {
			d.Bias = Bias{Axis: 7, Precision: mfa.FP16}
		}, mfa.ErrInvalidDescriptor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := baseDescriptor()
			tt.modify(&d)
			_, err := NewKernel(d)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewKernel = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPrecisionPairs(t *testing.T) {
	for _, mem := range mfa.Precisions {
		for _, reg := range mfa.Precisions {
			d := baseDescriptor()
			d.MemoryPrecisions.A = mem
			d.RegisterPrecisions.A = reg
			_, err := NewKernel(d)
			valid := reg == mem || reg == mfa.FP32
			if valid && err != nil {
				t.Errorf("A %v/%v: unexpected error %v", mem, reg, err)
			}
			if !valid && !errors.Is(err, mfa.ErrInvalidPrecisionPair) {
				t.Errorf("A %v/%v: got %v, want ErrInvalidPrecisionPair", mem, reg, err)
			}
		}
	}
}

func TestDerivedQuantities(t *testing.T) {
	tests := []struct {
		name    string
		desc    KernelDescriptor
		tgmem   uint16
		size    uint16
		regM    uint16
		regN    uint16
		leading LeadingBlockDimensions
	}{
		{
			name:    "default 32x32x32",
			desc:    baseDescriptor(),
			tgmem:   4096, // C block: 32*32*4
			size:    128,
			regM:    16,
			regN:    16,
			leading: LeadingBlockDimensions{A: 32, B: 32, C: 32},
		},
		{
			name: "apple9 32x32x8",
			desc: KernelDescriptor{
				BlockDimensions:    BlockDimensions{M: 32, N: 32, K: 8},
				MemoryPrecisions:   Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
				RegisterPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
				Splits:             Splits{M: 1, N: 1},
				Transpose:          Transpose{A: true},
			},
			tgmem:   4096,
			size:    32,
			regM:    32,
			regN:    32,
			leading: LeadingBlockDimensions{A: 32, B: 32, C: 32},
		},
		{
			name: "padded 48x48x24",
			desc: KernelDescriptor{
				BlockDimensions:        BlockDimensions{M: 48, N: 48, K: 24},
				LeadingBlockDimensions: LeadingBlockDimensions{A: 52, B: 48, C: 48},
				MemoryPrecisions:       Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32},
				RegisterPrecisions:     Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32},
				Splits:                 Splits{M: 2, N: 2},
				Transpose:              Transpose{A: true},
			},
			// A: 52*24*4 + B: 48*24*4 = 9600 > C: 48*48*4 = 9216
			tgmem:   9600,
			size:    128,
			regM:    24,
			regN:    24,
			leading: LeadingBlockDimensions{A: 52, B: 48, C: 48},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := NewKernel(tt.desc)
			if err != nil {
				t.Fatal(err)
			}
			if got := k.ThreadgroupMemory(); got != tt.tgmem {
				t.Errorf("ThreadgroupMemory = %d, want %d", got, tt.tgmem)
			}
			if got := k.ThreadgroupSize(); got != tt.size {
				t.Errorf("ThreadgroupSize = %d, want %d", got, tt.size)
			}
			if m, n := k.RegisterTile(); m != tt.regM || n != tt.regN {
				t.Errorf("RegisterTile = %dx%d, want %dx%d", m, n, tt.regM, tt.regN)
			}
			if diff := cmp.Diff(tt.leading, k.LeadingBlockDimensions()); diff != "" {
				t.Errorf("LeadingBlockDimensions (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGrid(t *testing.T) {
	k, err := NewKernel(baseDescriptor())
	if err != nil {
		t.Fatal(err)
	}
	x, y := k.Grid(Dimensions{M: 65, N: 32, K: 7})
	if x != 1 || y != 3 {
		t.Errorf("Grid = (%d, %d), want (1, 3)", x, y)
	}
}

func TestCacheKey(t *testing.T) {
	a := baseDescriptor()
	b := baseDescriptor()
	if a.CacheKey() != b.CacheKey() {
		t.Errorf("equal descriptors have different keys: %q vs %q", a.CacheKey(), b.CacheKey())
	}
	b.Transpose.B = true
	if a.CacheKey() == b.CacheKey() {
		t.Errorf("transpose did not change key %q", a.CacheKey())
	}
	c := baseDescriptor()
	c.Bias = Bias{Axis: BiasRows, Precision: mfa.FP16}
	want := "gemm-32x32x32-memFP16.FP16.FP32-regFP16.FP16.FP32-s2x2-tFF-asyncTT-biasrows.FP16"
	if got := c.CacheKey(); got != want {
		t.Errorf("CacheKey = %q, want %q", got, want)
	}
}

func TestFunctionConstants(t *testing.T) {
	d := Descriptor{
		Matrix:           Dimensions{M: 50, N: 40, K: 30},
		MemoryPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
		Transpose:        Transpose{A: true, B: true},
		LoadPreviousC:    true,
	}
	got := map[string]any{}
	for _, c := range d.FunctionConstants() {
		got[c.Name] = c.Value
	}
	want := map[string]any{
		"M": uint32(50), "N": uint32(40), "K": uint32(30),
		"A_leading_dimension": uint32(50),
		"B_leading_dimension": uint32(30),
		"C_leading_dimension": uint32(40),
		"load_previous_C":     true,
		"beta":                float32(1),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("FunctionConstants (-want +got):\n%s", diff)
	}

	d.Transpose = Transpose{}
	d.LeadingDimensions.C = 64
	d.Beta = 0.5
	got = map[string]any{}
	for _, c := range d.FunctionConstants() {
		got[c.Name] = c.Value
	}
	if got["A_leading_dimension"] != uint32(30) || got["B_leading_dimension"] != uint32(40) ||
		got["C_leading_dimension"] != uint32(64) || got["beta"] != float32(0.5) {
		t.Errorf("FunctionConstants = %v", got)
	}
}

func TestBiasAxisText(t *testing.T) {
	for _, a := range []BiasAxis{BiasNone, BiasRows, BiasColumns} {
		text, _ := a.MarshalText()
		var back BiasAxis
		if err := back.UnmarshalText(text); err != nil || back != a {
			t.Errorf("round trip %v = %v, %v", a, back, err)
		}
	}
	if _, err := ParseBiasAxis("diagonal"); err == nil {
		t.Error("ParseBiasAxis accepted an unknown axis")
	}
}

func TestDescriptorJSONWithoutBias(t *testing.T) {
	dev := mfa.Device{Family: mfa.Apple7}
	kd, err := Descriptor{
		Matrix:           Dimensions{M: 50, N: 50, K: 50},
		MemoryPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
		Transpose:        Transpose{A: true},
	}.KernelDescriptor(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(kd)
	if err != nil {
		t.Fatalf("Marshal(KernelDescriptor) error = %v", err)
	}
	var back KernelDescriptor
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	if back.Bias != (Bias{}) {
		t.Errorf("Bias after round trip = %+v, want none", back.Bias)
	}

	biased := kd
	biased.Bias = Bias{Axis: BiasColumns, Precision: mfa.FP16}
	data, err = json.Marshal(biased)
	if err != nil {
		t.Fatalf("Marshal(biased) error = %v", err)
	}
	back = KernelDescriptor{}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Bias != biased.Bias {
		t.Errorf("Bias after round trip = %+v, want %+v", back.Bias, biased.Bias)
	}
}
