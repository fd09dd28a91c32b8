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

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

func square(n uint32, a, b, c mfa.Precision) Descriptor {
	return Descriptor{
		Matrix:           Dimensions{M: n, N: n, K: n},
		MemoryPrecisions: Precisions{A: a, B: b, C: c},
	}
}

func TestKernelDescriptorHeuristics(t *testing.T) {
	m1 := mfa.Device{Family: mfa.Apple7}
	m3 := mfa.Device{Family: mfa.Apple9}

	tests := []struct {
		name string
		dev  mfa.Device
		desc Descriptor
		want KernelDescriptor
	}{
		{
			name: "apple9",
			dev:  m3,
			desc: square(1024, mfa.FP16, mfa.FP16, mfa.FP32),
			want: KernelDescriptor{
				BlockDimensions:    BlockDimensions{M: 32, N: 32, K: 8},
				MemoryPrecisions:   Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
				RegisterPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP32},
				Splits:             Splits{M: 1, N: 1},
			},
		},
		{
			name: "apple9 keeps bf16",
			dev:  m3,
			desc: square(64, mfa.BF16, mfa.BF16, mfa.BF16),
			want: KernelDescriptor{
				BlockDimensions:    BlockDimensions{M: 32, N: 32, K: 8},
				MemoryPrecisions:   Precisions{A: mfa.BF16, B: mfa.BF16, C: mfa.BF16},
				RegisterPrecisions: Precisions{A: mfa.BF16, B: mfa.BF16, C: mfa.FP32},
				Splits:             Splits{M: 1, N: 1},
			},
		},
		{
			name: "small fp16",
			dev:  m1,
			desc: square(64, mfa.FP16, mfa.FP16, mfa.FP16),
			want: KernelDescriptor{
				BlockDimensions:    BlockDimensions{M: 32, N: 32, K: 32},
				MemoryPrecisions:   Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP16},
				RegisterPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP16},
				Splits:             Splits{M: 2, N: 2},
				PreferAsyncLoad:    true,
				PreferAsyncStore:   true,
			},
		},
		{
			name: "large fp16",
			dev:  m1,
			desc: square(2048, mfa.FP16, mfa.FP16, mfa.FP16),
			want: KernelDescriptor{
				BlockDimensions:    BlockDimensions{M: 48, N: 48, K: 32},
				MemoryPrecisions:   Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP16},
				RegisterPrecisions: Precisions{A: mfa.FP16, B: mfa.FP16, C: mfa.FP16},
				Splits:             Splits{M: 2, N: 2},
				PreferAsyncLoad:    true,
				PreferAsyncStore:   true,
			},
		},
		{
			name: "large fp32 padded",
			dev:  m1,
			desc: square(2048, mfa.FP32, mfa.FP32, mfa.FP32),
			want: KernelDescriptor{
				BlockDimensions:        BlockDimensions{M: 48, N: 48, K: 24},
				LeadingBlockDimensions: LeadingBlockDimensions{A: 24, B: 48, C: 48},
				MemoryPrecisions:       Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32},
				RegisterPrecisions:     Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32},
				Splits:                 Splits{M: 2, N: 2},
				PreferAsyncLoad:        true,
				PreferAsyncStore:       true,
			},
		},
		{
			name: "bf16 widened before apple9",
			dev:  mfa.Device{Family: mfa.Apple8},
			desc: square(32, mfa.BF16, mfa.FP16, mfa.FP32),
			want: KernelDescriptor{
				BlockDimensions:    BlockDimensions{M: 32, N: 32, K: 32},
				MemoryPrecisions:   Precisions{A: mfa.BF16, B: mfa.FP16, C: mfa.FP32},
				RegisterPrecisions: Precisions{A: mfa.FP32, B: mfa.FP16, C: mfa.FP32},
				Splits:             Splits{M: 2, N: 2},
				PreferAsyncLoad:    true,
				PreferAsyncStore:   true,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.desc.KernelDescriptor(tt.dev, nil)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("KernelDescriptor (-want +got):\n%s", diff)
			}
			if _, err := NewKernel(got); err != nil {
				t.Errorf("heuristic output rejected: %v", err)
			}
		})
	}
}

func TestPaddedLeadingDimensions(t *testing.T) {
	dev := mfa.Device{Family: mfa.Apple7}
	tests := []struct {
		a, b  mfa.Precision
		trans Transpose
		want  LeadingBlockDimensions
	}{
		{mfa.FP32, mfa.FP32, Transpose{}, LeadingBlockDimensions{24, 48, 48}},
		{mfa.FP16, mfa.FP32, Transpose{B: true}, LeadingBlockDimensions{24, 28, 48}},
		{mfa.FP16, mfa.FP16, Transpose{B: true}, LeadingBlockDimensions{24, 24, 48}},
		{mfa.FP32, mfa.FP16, Transpose{A: true}, LeadingBlockDimensions{52, 48, 48}},
		{mfa.FP16, mfa.FP16, Transpose{A: true}, LeadingBlockDimensions{56, 48, 48}},
		{mfa.FP32, mfa.FP32, Transpose{A: true, B: true}, LeadingBlockDimensions{52, 24, 48}},
	}
	for _, tt := range tests {
		d := square(4096, tt.a, tt.b, mfa.FP32)
		d.Transpose = tt.trans
		kd, err := d.KernelDescriptor(dev, nil)
		if err != nil {
			t.Fatal(err)
		}
		if kd.LeadingBlockDimensions != tt.want {
			t.Errorf("%v/%v %+v: leading = %+v, want %+v", tt.a, tt.b, tt.trans, kd.LeadingBlockDimensions, tt.want)
		}
	}
}

func TestOccupancyThreshold(t *testing.T) {
	dev := mfa.Device{Family: mfa.Apple7, CoreCount: 10}
	// 10 cores × 6 groups: 60 blocks of 48×48 stay on the small block.
	d := Descriptor{
		Matrix:           Dimensions{M: 48 * 6, N: 48 * 10, K: 64},
		MemoryPrecisions: Precisions{A: mfa.FP32, B: mfa.FP32, C: mfa.FP32},
	}
	kd, err := d.KernelDescriptor(dev, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kd.BlockDimensions.M != 32 {
		t.Errorf("60 groups: block %+v, want 32", kd.BlockDimensions)
	}
	d.BatchDimension = 2
	if kd, _ = d.KernelDescriptor(dev, nil); kd.BlockDimensions.M != 48 {
		t.Errorf("120 groups: block %+v, want 48", kd.BlockDimensions)
	}

	tables := tuning.Default()
	tables.GEMM.LargeGroupsPerCore = 12
	if kd, _ = d.KernelDescriptor(dev, tables); kd.BlockDimensions.M != 32 {
		t.Errorf("120 groups with threshold 120: block %+v, want 32", kd.BlockDimensions)
	}
}

func TestKernelDescriptorBias(t *testing.T) {
	d := square(64, mfa.FP16, mfa.FP16, mfa.FP16)
	d.Bias.Axis = BiasColumns
	kd, err := d.KernelDescriptor(mfa.Device{Family: mfa.Apple9}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if kd.Bias != (Bias{Axis: BiasColumns, Precision: mfa.FP16}) {
		t.Errorf("Bias = %+v, want columns/FP16", kd.Bias)
	}
}

func TestKernelDescriptorErrors(t *testing.T) {
	good := square(64, mfa.FP16, mfa.FP16, mfa.FP32)
	if _, err := good.KernelDescriptor(mfa.Device{}, nil); !errors.Is(err, mfa.ErrUnsupportedDevice) {
		t.Errorf("unknown family: %v", err)
	}
	bad := good
	bad.Matrix.K = 0
	if _, err := bad.KernelDescriptor(mfa.Device{Family: mfa.Apple9}, nil); !errors.Is(err, mfa.ErrDescriptorIncomplete) {
		t.Errorf("K = 0: %v", err)
	}
	bad = good
	bad.MemoryPrecisions.C = 0
	if _, err := bad.KernelDescriptor(mfa.Device{Family: mfa.Apple9}, nil); !errors.Is(err, mfa.ErrDescriptorIncomplete) {
		t.Errorf("missing precision: %v", err)
	}
}
