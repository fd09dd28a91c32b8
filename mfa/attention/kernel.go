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

package attention

import (
	"fmt"
	"strings"

	"github.com/ajroetker/go-mfa/mfa"
)

// BlockDimensions is the threadgroup block. Parallelization rows (or
// columns, for BackwardKeyValue) are owned by one threadgroup, 8 per
// simdgroup; the loop steps Traversal along the other sequence; GEMMs over
// the head dimension are split into chunks of Head.
type BlockDimensions struct {
	Parallelization uint16 `json:"parallelization" yaml:"parallelization"`
	Traversal       uint16 `json:"traversal" yaml:"traversal"`
	Head            uint16 `json:"head" yaml:"head"`
}

// KernelDescriptor fully determines the generated source. It is comparable
// and serves as a pipeline cache key.
type KernelDescriptor struct {
	BlockDimensions BlockDimensions `json:"block_dimensions" yaml:"block_dimensions"`
	// CacheState holds the operands kept in registers across the loop.
	CacheState OperandSet `json:"cache_state" yaml:"cache_state"`
	// TransposeState holds the operands stored D×sequence.
	TransposeState     OperandSet `json:"transpose_state" yaml:"transpose_state"`
	MemoryPrecisions   Precisions `json:"memory_precisions" yaml:"memory_precisions"`
	RegisterPrecisions Precisions `json:"register_precisions" yaml:"register_precisions"`
	HeadDimension      uint16     `json:"head_dimension" yaml:"head_dimension"`
	// PreferAsyncCache stages cached operands through threadgroup memory
	// instead of reading them directly.
	PreferAsyncCache bool `json:"prefer_async_cache,omitempty" yaml:"prefer_async_cache,omitempty"`
	// PreferAsyncLoad stages streamed operands through threadgroup memory.
	PreferAsyncLoad bool       `json:"prefer_async_load,omitempty" yaml:"prefer_async_load,omitempty"`
	Type            KernelType `json:"type" yaml:"type"`
}

// CacheKey renders the descriptor as a stable, file-name safe string.
func (d KernelDescriptor) CacheKey() string {
	var b strings.Builder
	bd := d.BlockDimensions
	fmt.Fprintf(&b, "attention-%v-d%d-%dx%dx%d", d.Type, d.HeadDimension, bd.Parallelization, bd.Traversal, bd.Head)
	active := d.Type.Operands()
	fmt.Fprintf(&b, "-cache[%v]-trans[%v]", d.CacheState.Intersect(active), d.TransposeState.Intersect(active))
	b.WriteString("-mem")
	writePrecisions(&b, active, d.MemoryPrecisions)
	b.WriteString("-reg")
	writePrecisions(&b, active|d.Type.registers(), d.RegisterPrecisions)
	fmt.Fprintf(&b, "-async%s%s", flag(d.PreferAsyncCache), flag(d.PreferAsyncLoad))
	return b.String()
}

func writePrecisions(b *strings.Builder, s OperandSet, p Precisions) {
	for i, o := range s.Operands() {
		if i > 0 {
			b.WriteByte('.')
		}
		fmt.Fprintf(b, "%v%v", o, p[o])
	}
}

func flag(b bool) string {
	if b {
		return "T"
	}
	return "F"
}

// Kernel is a validated KernelDescriptor with its derived quantities.
type Kernel struct {
	desc KernelDescriptor

	operands OperandSet
	cached   OperandSet

	paddedHead        uint16
	threadgroupMemory uint16
	threadgroupSize   uint16
}

// NewKernel validates d. Errors wrap mfa.ErrDescriptorIncomplete,
// mfa.ErrInvalidDescriptor, mfa.ErrInvalidPrecisionPair or
// mfa.ErrThreadgroupMemoryExceeded.
func NewKernel(d KernelDescriptor) (*Kernel, error) {
	bd := d.BlockDimensions
	if !d.Type.Pass.Valid() {
		return nil, fmt.Errorf("%w: kernel type", mfa.ErrDescriptorIncomplete)
	}
	if d.HeadDimension == 0 {
		return nil, fmt.Errorf("%w: head dimension", mfa.ErrDescriptorIncomplete)
	}
	if bd.Parallelization == 0 || bd.Traversal == 0 || bd.Head == 0 {
		return nil, fmt.Errorf("%w: block dimensions %+v", mfa.ErrDescriptorIncomplete, bd)
	}
	k := &Kernel{
		desc:       d,
		operands:   d.Type.Operands(),
		paddedHead: (d.HeadDimension + 7) / 8 * 8,
	}
	for _, o := range k.operands.Operands() {
		if !d.MemoryPrecisions[o].Valid() || !d.RegisterPrecisions[o].Valid() {
			return nil, fmt.Errorf("%w: precision of %v", mfa.ErrDescriptorIncomplete, o)
		}
	}
	for _, o := range d.Type.registers().Operands() {
		if !d.RegisterPrecisions[o].Valid() {
			return nil, fmt.Errorf("%w: register precision of %v", mfa.ErrDescriptorIncomplete, o)
		}
	}

	if bd.Parallelization%8 != 0 || bd.Traversal%8 != 0 || bd.Head%8 != 0 {
		return nil, fmt.Errorf("%w: block %dx%dx%d is not a multiple of 8",
			mfa.ErrInvalidDescriptor, bd.Parallelization, bd.Traversal, bd.Head)
	}
	if bd.Head > k.paddedHead {
		return nil, fmt.Errorf("%w: head block %d exceeds padded head dimension %d",
			mfa.ErrInvalidDescriptor, bd.Head, k.paddedHead)
	}

	for _, o := range k.operands.Operands() {
		if err := mfa.ValidatePair(d.MemoryPrecisions[o], d.RegisterPrecisions[o]); err != nil {
			return nil, fmt.Errorf("operand %v: %w", o, err)
		}
	}
	for _, o := range d.Type.accumulators().Operands() {
		if d.RegisterPrecisions[o] != mfa.FP32 {
			return nil, fmt.Errorf("operand %v: %w: accumulator must be %v",
				o, mfa.ErrInvalidPrecisionPair, mfa.FP32)
		}
	}

	k.cached = d.CacheState.Intersect(k.operands).Intersect(d.Type.Pass.Cacheable())
	tgmem := k.requiredThreadgroupMemory()
	if tgmem > mfa.MaxThreadgroupMemory {
		return nil, fmt.Errorf("%w: %d bytes needed, %d available",
			mfa.ErrThreadgroupMemoryExceeded, tgmem, mfa.MaxThreadgroupMemory)
	}
	k.threadgroupMemory = uint16(tgmem)
	k.threadgroupSize = 32 * (bd.Parallelization / 8)
	return k, nil
}

// requiredThreadgroupMemory is the largest staging block any phase of the
// kernel uses. Phases are separated by barriers and share the allocation.
func (k *Kernel) requiredThreadgroupMemory() int {
	bd := k.desc.BlockDimensions
	tgmem := 0
	for _, o := range k.operands.Operands() {
		switch o {
		case L, D, DST:
			continue
		}
		tgmem = max(tgmem, int(k.blockSequenceLength(o))*int(bd.Head)*k.memory(o).Size())
	}
	if k.desc.Type.Pass == BackwardQuery {
		// Zero-padded edge of dO and O for the D term.
		edge := int(bd.Parallelization) * 8 * (k.memory(DO).Size() + k.memory(O).Size())
		tgmem = max(tgmem, edge)
	}
	if k.desc.Type.Pass == BackwardKeyValue {
		for _, o := range []Operand{L, D} {
			tgmem = max(tgmem, int(bd.Traversal)*k.memory(o).Size())
		}
	}
	return tgmem
}

// Descriptor returns the descriptor the kernel was built from.
func (k *Kernel) Descriptor() KernelDescriptor { return k.desc }

// ThreadgroupMemory is the staging allocation in bytes.
func (k *Kernel) ThreadgroupMemory() uint16 { return k.threadgroupMemory }

// ThreadgroupSize is the number of threads per threadgroup.
func (k *Kernel) ThreadgroupSize() uint16 { return k.threadgroupSize }

// Operands returns the device operands bound by the kernel.
func (k *Kernel) Operands() OperandSet { return k.operands }

// Cached returns the operands held in registers for the whole traversal.
func (k *Kernel) Cached() OperandSet { return k.cached }

// Grid returns the number of threadgroups for a problem.
func (k *Kernel) Grid(m Dimensions) uint32 {
	n := m.Row
	if k.desc.Type.Pass == BackwardKeyValue {
		n = m.Column
	}
	p := uint32(k.desc.BlockDimensions.Parallelization)
	return (n + p - 1) / p
}

func (k *Kernel) memory(o Operand) mfa.Precision   { return k.desc.MemoryPrecisions[o] }
func (k *Kernel) register(o Operand) mfa.Precision { return k.desc.RegisterPrecisions[o] }
func (k *Kernel) transposed(o Operand) bool        { return k.desc.TransposeState.Contains(o) }
func (k *Kernel) isCached(o Operand) bool          { return k.cached.Contains(o) }

// parallel reports whether o is indexed by the parallelization dimension.
func (k *Kernel) parallel(o Operand) bool {
	return o.rowIndexed() != (k.desc.Type.Pass == BackwardKeyValue)
}

func (k *Kernel) blockSequenceLength(o Operand) uint16 {
	if k.parallel(o) {
		return k.desc.BlockDimensions.Parallelization
	}
	return k.desc.BlockDimensions.Traversal
}

// sequenceDimension is the function constant bounding o's sequence index.
func sequenceDimension(o Operand) string {
	if o.rowIndexed() {
		return "R"
	}
	return "C"
}

// leadingDimension is o's row stride in device memory.
func (k *Kernel) leadingDimension(o Operand) string {
	if k.transposed(o) {
		return sequenceDimension(o)
	}
	return fmt.Sprint(k.desc.HeadDimension)
}

// leadingBlockDimension is o's row stride in threadgroup memory.
func (k *Kernel) leadingBlockDimension(o Operand) uint16 {
	if k.transposed(o) {
		return k.blockSequenceLength(o)
	}
	return k.desc.BlockDimensions.Head
}

// Generate validates d and renders its program.
func Generate(d KernelDescriptor) (mfa.Program, error) {
	k, err := NewKernel(d)
	if err != nil {
		return mfa.Program{}, err
	}
	return k.Program(), nil
}
