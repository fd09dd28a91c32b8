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
	"strings"

	"github.com/ajroetker/go-mfa/mfa"
)

// BlockDimensions is the threadgroup block: M_group × N_group of C, stepping
// K_group along the reduction.
type BlockDimensions struct {
	M uint16 `json:"m" yaml:"m"`
	N uint16 `json:"n" yaml:"n"`
	K uint16 `json:"k" yaml:"k"`
}

// LeadingBlockDimensions are the row strides of the threadgroup staging
// blocks. Zero derives the packed stride; larger values pad rows to avoid
// bank conflicts.
type LeadingBlockDimensions struct {
	A uint16 `json:"a,omitempty" yaml:"a,omitempty"`
	B uint16 `json:"b,omitempty" yaml:"b,omitempty"`
	C uint16 `json:"c,omitempty" yaml:"c,omitempty"`
}

// Splits partitions the block among simdgroups: Splits.M × Splits.N of them,
// each owning a (M/Splits.M) × (N/Splits.N) register tile of C.
type Splits struct {
	M uint16 `json:"m" yaml:"m"`
	N uint16 `json:"n" yaml:"n"`
}

// KernelDescriptor fully determines the generated source. It is comparable
// and serves as a pipeline cache key.
type KernelDescriptor struct {
	BlockDimensions        BlockDimensions        `json:"block_dimensions" yaml:"block_dimensions"`
	LeadingBlockDimensions LeadingBlockDimensions `json:"leading_block_dimensions,omitzero" yaml:"leading_block_dimensions,omitempty"`
	MemoryPrecisions       Precisions             `json:"memory_precisions" yaml:"memory_precisions"`
	RegisterPrecisions     Precisions             `json:"register_precisions" yaml:"register_precisions"`
	Splits                 Splits                 `json:"splits" yaml:"splits"`
	Transpose              Transpose              `json:"transpose" yaml:"transpose"`
	// PreferAsyncLoad streams every K iteration through threadgroup memory
	// instead of reading aligned iterations directly from device memory.
	PreferAsyncLoad bool `json:"prefer_async_load,omitempty" yaml:"prefer_async_load,omitempty"`
	// PreferAsyncStore always stages C through threadgroup memory.
	PreferAsyncStore bool `json:"prefer_async_store,omitempty" yaml:"prefer_async_store,omitempty"`
	Bias             Bias `json:"bias,omitzero" yaml:"bias,omitempty"`
}

// CacheKey renders the descriptor as a stable, file-name safe string.
func (d KernelDescriptor) CacheKey() string {
	var b strings.Builder
	bd, lb := d.BlockDimensions, d.LeadingBlockDimensions
	fmt.Fprintf(&b, "gemm-%dx%dx%d", bd.M, bd.N, bd.K)
	if lb != (LeadingBlockDimensions{}) {
		fmt.Fprintf(&b, "-ld%d.%d.%d", lb.A, lb.B, lb.C)
	}
	m, r := d.MemoryPrecisions, d.RegisterPrecisions
	fmt.Fprintf(&b, "-mem%v.%v.%v-reg%v.%v.%v", m.A, m.B, m.C, r.A, r.B, r.C)
	fmt.Fprintf(&b, "-s%dx%d", d.Splits.M, d.Splits.N)
	fmt.Fprintf(&b, "-t%s%s", flag(d.Transpose.A), flag(d.Transpose.B))
	fmt.Fprintf(&b, "-async%s%s", flag(d.PreferAsyncLoad), flag(d.PreferAsyncStore))
	if d.Bias.Axis != BiasNone {
		fmt.Fprintf(&b, "-bias%v.%v", d.Bias.Axis, d.Bias.Precision)
	}
	return b.String()
}

func flag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

// operand identifies A, B or C.
type operand uint8

const (
	opA operand = iota
	opB
	opC
)

func (o operand) String() string { return string("ABC"[o]) }

// Kernel is a validated KernelDescriptor with its derived quantities.
type Kernel struct {
	desc KernelDescriptor

	registerM, registerN uint16
	// leading holds the resolved leading block dimensions.
	leading [3]uint16

	threadgroupMemory uint16
	threadgroupSize   uint16
}

// NewKernel validates d. Errors wrap mfa.ErrDescriptorIncomplete,
// mfa.ErrInvalidDescriptor, mfa.ErrInvalidPrecisionPair or
// mfa.ErrThreadgroupMemoryExceeded.
func NewKernel(d KernelDescriptor) (*Kernel, error) {
	bd, s := d.BlockDimensions, d.Splits
	if bd.M == 0 || bd.N == 0 || bd.K == 0 {
		return nil, fmt.Errorf("%w: block dimensions %+v", mfa.ErrDescriptorIncomplete, bd)
	}
	if s.M == 0 || s.N == 0 {
		return nil, fmt.Errorf("%w: splits %+v", mfa.ErrDescriptorIncomplete, s)
	}
	if bd.M%(8*s.M) != 0 || bd.N%(8*s.N) != 0 || bd.K%8 != 0 {
		return nil, fmt.Errorf("%w: block %dx%dx%d does not tile into 8x8 simdgroup matrices with splits %dx%d",
			mfa.ErrInvalidDescriptor, bd.M, bd.N, bd.K, s.M, s.N)
	}

	k := &Kernel{desc: d}
	for _, op := range []operand{opA, opB, opC} {
		mem, reg := k.memory(op), k.register(op)
		if err := mfa.ValidatePair(mem, reg); err != nil {
			return nil, fmt.Errorf("operand %v: %w", op, err)
		}
	}
	if d.RegisterPrecisions.C == mfa.BF16 {
		return nil, fmt.Errorf("operand C: %w: accumulator cannot be %v", mfa.ErrInvalidPrecisionPair, mfa.BF16)
	}
	switch d.Bias.Axis {
	case BiasNone:
	case BiasRows, BiasColumns:
		if !d.Bias.Precision.Valid() {
			return nil, fmt.Errorf("%w: bias precision", mfa.ErrDescriptorIncomplete)
		}
	default:
		return nil, fmt.Errorf("%w: %v", mfa.ErrInvalidDescriptor, d.Bias.Axis)
	}

	specified := [3]uint16{d.LeadingBlockDimensions.A, d.LeadingBlockDimensions.B, d.LeadingBlockDimensions.C}
	for _, op := range []operand{opA, opB, opC} {
		expected := k.expectedLeading(op)
		switch v := specified[op]; {
		case v == 0:
			k.leading[op] = expected
		case v < expected:
			return nil, fmt.Errorf("%w: leading block dimension of %v is %d, need at least %d",
				mfa.ErrInvalidDescriptor, op, v, expected)
		default:
			k.leading[op] = v
		}
	}

	tgmem := max(k.blockBytes(opA)+k.blockBytes(opB), k.blockBytes(opC))
	if tgmem > mfa.MaxThreadgroupMemory {
		return nil, fmt.Errorf("%w: %d bytes needed, %d available",
			mfa.ErrThreadgroupMemoryExceeded, tgmem, mfa.MaxThreadgroupMemory)
	}
	k.threadgroupMemory = uint16(tgmem)
	k.registerM = bd.M / s.M
	k.registerN = bd.N / s.N
	k.threadgroupSize = 32 * s.M * s.N
	return k, nil
}

// Descriptor returns the descriptor the kernel was built from.
func (k *Kernel) Descriptor() KernelDescriptor { return k.desc }

// ThreadgroupMemory is the staging allocation in bytes.
func (k *Kernel) ThreadgroupMemory() uint16 { return k.threadgroupMemory }

// ThreadgroupSize is the number of threads per threadgroup.
func (k *Kernel) ThreadgroupSize() uint16 { return k.threadgroupSize }

// RegisterTile returns the M×N extent of C owned by one simdgroup.
func (k *Kernel) RegisterTile() (m, n uint16) { return k.registerM, k.registerN }

// LeadingBlockDimensions returns the resolved staging strides.
func (k *Kernel) LeadingBlockDimensions() LeadingBlockDimensions {
	return LeadingBlockDimensions{A: k.leading[opA], B: k.leading[opB], C: k.leading[opC]}
}

// Grid returns the threadgroup count for a problem: ceil(N/N_group) along x
// and ceil(M/M_group) along y.
func (k *Kernel) Grid(m Dimensions) (x, y uint32) {
	bd := k.desc.BlockDimensions
	return ceilDiv(m.N, uint32(bd.N)), ceilDiv(m.M, uint32(bd.M))
}

func ceilDiv(a, b uint32) uint32 { return (a + b - 1) / b }

func (k *Kernel) memory(op operand) mfa.Precision {
	p := k.desc.MemoryPrecisions
	return [3]mfa.Precision{p.A, p.B, p.C}[op]
}

func (k *Kernel) register(op operand) mfa.Precision {
	p := k.desc.RegisterPrecisions
	return [3]mfa.Precision{p.A, p.B, p.C}[op]
}

func (k *Kernel) transposed(op operand) bool {
	switch op {
	case opA:
		return k.desc.Transpose.A
	case opB:
		return k.desc.Transpose.B
	}
	return false
}

// blockShape returns the rows × columns of op's block in its logical
// (untransposed) orientation.
func (k *Kernel) blockShape(op operand) (rows, cols uint16) {
	bd := k.desc.BlockDimensions
	switch op {
	case opA:
		return bd.M, bd.K
	case opB:
		return bd.K, bd.N
	}
	return bd.M, bd.N
}

func (k *Kernel) expectedLeading(op operand) uint16 {
	rows, cols := k.blockShape(op)
	if k.transposed(op) {
		return rows
	}
	return cols
}

func (k *Kernel) trailing(op operand) uint16 {
	rows, cols := k.blockShape(op)
	if k.transposed(op) {
		return cols
	}
	return rows
}

func (k *Kernel) blockBytes(op operand) int {
	return int(k.leading[op]) * int(k.trailing(op)) * k.memory(op).Size()
}

// Generate validates d and renders its program.
func Generate(d KernelDescriptor) (mfa.Program, error) {
	k, err := NewKernel(d)
	if err != nil {
		return mfa.Program{}, err
	}
	return k.Program(), nil
}
