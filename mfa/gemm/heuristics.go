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
	"fmt"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

// KernelDescriptor chooses block sizes, splits, register precisions and
// copy strategy for running d on dev. A nil t uses tuning.Default().
func (d Descriptor) KernelDescriptor(dev mfa.Device, t *tuning.Tables) (KernelDescriptor, error) {
	if err := d.validate(); err != nil {
		return KernelDescriptor{}, err
	}
	if !dev.Family.Valid() {
		return KernelDescriptor{}, fmt.Errorf("%w: family %v", mfa.ErrUnsupportedDevice, dev.Family)
	}
	if t == nil {
		t = tuning.Default()
	}

	kd := KernelDescriptor{
		MemoryPrecisions:   d.MemoryPrecisions,
		RegisterPrecisions: registerPrecisions(d.MemoryPrecisions, dev.Family),
		Transpose:          d.Transpose,
		PreferAsyncStore:   dev.Family.PrefersAsyncCopy(),
		Bias:               d.Bias,
	}
	if kd.Bias.Axis != BiasNone && !kd.Bias.Precision.Valid() {
		kd.Bias.Precision = d.MemoryPrecisions.C
	}

	if !dev.Family.PrefersAsyncCopy() {
		b := t.GEMM.Blocks.Apple9
		kd.BlockDimensions = BlockDimensions{M: b.M, N: b.N, K: b.K}
		kd.Splits = Splits{M: 1, N: 1}
		return kd, nil
	}

	kd.PreferAsyncLoad = true
	kd.Splits = Splits{M: 2, N: 2}

	batch := max(d.BatchDimension, 1)
	edge := t.GEMM.OccupancyBlock
	actualGroups := int(ceilDiv(d.Matrix.M, edge)) * int(ceilDiv(d.Matrix.N, edge)) * batch
	cores := t.CoreCount(dev)

	p := d.MemoryPrecisions
	large := p.A == mfa.FP32 || p.B == mfa.FP32 || p.C == mfa.FP32
	blocks := t.GEMM.Blocks
	switch {
	case large && actualGroups <= cores*t.GEMM.LargeGroupsPerCore,
		!large && actualGroups <= cores*t.GEMM.SmallGroupsPerCore:
		kd.BlockDimensions = block(blocks.Small)
	case large:
		kd.BlockDimensions = block(blocks.LargeFP32)
		kd.LeadingBlockDimensions = paddedLeading(kd.BlockDimensions, d.Transpose, p)
	default:
		kd.BlockDimensions = block(blocks.LargeFP16)
	}
	return kd, nil
}

func block(b tuning.Block) BlockDimensions {
	return BlockDimensions{M: b.M, N: b.N, K: b.K}
}

// registerPrecisions keeps A and B in their memory precision, widening BF16
// where the GPU has no native bfloat arithmetic. The accumulator is FP16
// only for all-FP16 problems.
func registerPrecisions(mem Precisions, f mfa.Family) Precisions {
	reg := Precisions{A: mem.A, B: mem.B, C: mfa.FP32}
	if mem.A == mfa.FP16 && mem.B == mfa.FP16 && mem.C == mfa.FP16 {
		reg.C = mfa.FP16
	}
	if !f.NativeBF16() {
		if reg.A == mfa.BF16 {
			reg.A = mfa.FP32
		}
		if reg.B == mfa.BF16 {
			reg.B = mfa.FP32
		}
	}
	return reg
}

// paddedLeading pads the staging rows of the large FP32 block so that
// consecutive rows start in different banks. The padding was measured per
// transpose state; with both operands transposed B is left packed.
func paddedLeading(bd BlockDimensions, t Transpose, p Precisions) LeadingBlockDimensions {
	ld := LeadingBlockDimensions{A: bd.K, B: bd.N, C: bd.N}
	if t.A {
		ld.A = bd.M + 8
		if p.A == mfa.FP32 {
			ld.A = bd.M + 4
		}
	}
	if t.B {
		ld.B = bd.K
		if p.B == mfa.FP32 && !t.A {
			ld.B = bd.K + 4
		}
	}
	return ld
}
