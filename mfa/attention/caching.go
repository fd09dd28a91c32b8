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

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/msl"
)

// writeSetup loads the cached inputs, allocates the cached accumulators and
// initializes the per-row softmax statistics.
func (k *Kernel) writeSetup(w *msl.Writer) {
	switch k.desc.Type.Pass {
	case Forward:
		k.writeCacheLoad(w, Q)
		k.writeAllocate(w, O)
		w.Line("float m = -numeric_limits<float>::max();")
		w.Line("float l = numeric_limits<float>::denorm_min();")
		w.Blank()
	case BackwardQuery:
		if k.desc.Type.Secondary {
			k.writeCacheLoad(w, Q)
		}
		k.writeCacheLoad(w, DO)
		k.writeAllocate(w, DQ)
		if k.operands.Contains(L) {
			w.Linef("float L_term = %s;", k.scalarLoad(L, k.clampedParallelizationThreadOffset()))
		}
		w.Line("float D_term;")
		k.writeDTerm(w)
	case BackwardKeyValue:
		k.writeCacheLoad(w, K)
		k.writeCacheLoad(w, V)
		k.writeAllocate(w, DV)
		k.writeAllocate(w, DK)
	}
}

// writeCleanup stores the cached accumulators and the per-row outputs.
func (k *Kernel) writeCleanup(w *msl.Writer) {
	guard := fmt.Sprintf("%s < %s", parallelizationThreadOffset, k.parallelizationDimension())
	switch k.desc.Type.Pass {
	case Forward:
		k.writeCacheStore(w, O)
		if k.operands.Contains(L) {
			w.If(guard, func() {
				w.Comment("Base 2 log-sum-exp of the scaled row.")
				w.Line("float L_term = m + fast::log2(l);")
				w.Linef("L[%s] = %s(L_term);", parallelizationThreadOffset, k.memoryName(L))
			})
		}
	case BackwardQuery:
		k.writeCacheStore(w, DQ)
		w.If(guard, func() {
			w.Linef("D[%s] = %s(D_term);", parallelizationThreadOffset, k.memoryName(D))
		})
	case BackwardKeyValue:
		k.writeCacheStore(w, DV)
		k.writeCacheStore(w, DK)
	}
}

// scalarLoad reads one element of a vector operand as float.
func (k *Kernel) scalarLoad(o Operand, index string) string {
	return fmt.Sprintf("float(%v[%s])", o, index)
}

func (k *Kernel) writeAllocate(w *msl.Writer, o Operand) {
	if !k.isCached(o) {
		return
	}
	w.Linef("simdgroup_matrix_storage<%s> %v_sram[%d];", k.registerName(o), o, k.paddedHead/8)
	w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", k.paddedHead), func() {
		w.Linef("%v_sram[d / 8] = simdgroup_matrix_storage<%s>(0);", o, k.registerName(o))
	})
	w.Blank()
}

func (k *Kernel) writeCacheLoad(w *msl.Writer, o Operand) {
	if !k.isCached(o) {
		return
	}
	w.Linef("simdgroup_matrix_storage<%s> %v_sram[%d];", k.registerName(o), o, k.paddedHead/8)
	k.writeCache(w, o, false)
}

func (k *Kernel) writeCacheStore(w *msl.Writer, o Operand) {
	if !k.isCached(o) {
		return
	}
	k.writeCache(w, o, true)
}

// writeCache moves a cached operand between its registers and device
// memory, one head block at a time. Whole blocks may access device memory
// directly; the partial block, and every block when PreferAsyncCache is
// set, is staged through threadgroup memory.
func (k *Kernel) writeCache(w *msl.Writer, o Operand, store bool) {
	bd := k.desc.BlockDimensions
	dim := k.desc.HeadDimension
	direct := !k.desc.PreferAsyncCache
	cond := msl.Bool(direct)
	if direct && dim%bd.Head != 0 {
		cond = fmt.Sprintf("d_outer + %d <= %d", bd.Head, dim)
	}

	verb := "Load"
	if store {
		verb = "Store"
	}
	w.Comment("%s the cached %v.", verb, o)
	w.For(msl.UnrollFull, fmt.Sprintf("ushort d_outer = 0; d_outer < %d; d_outer += %d", dim, bd.Head), func() {
		w.IfElse(cond, func() {
			w.If(fmt.Sprintf("%s < %s", parallelizationThreadOffset, k.parallelizationDimension()), func() {
				k.writeCacheDevice(w, o, store)
			})
		}, func() {
			k.writeCacheThreadgroup(w, o, store, "d_outer")
		})
	})
	w.Blank()
}

func (k *Kernel) tileAccess(o Operand, store bool) string {
	if store {
		return mfa.StoreFunction(k.memory(o), k.register(o))
	}
	return mfa.LoadFunction(k.memory(o), k.register(o))
}

func (k *Kernel) writeCacheDevice(w *msl.Writer, o Operand, store bool) {
	ld := k.leadingDimension(o)
	w.Linef("uint2 %v_offset(morton_offset.x + d_outer, %s);", o, parallelizationThreadOffset)
	w.Linef("auto %[1]v_src = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v, %[3]s, %[1]v_offset, %[4]s);",
		o, k.memoryName(o), ld, msl.Bool(k.transposed(o)))
	w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", k.desc.BlockDimensions.Head), func() {
		w.Linef("%[1]v_sram[(d_outer + d) / 8].%[2]s(%[1]v_src, %[3]s, ushort2(d, 0), %[4]s);",
			o, k.tileAccess(o, store), ld, msl.Bool(k.transposed(o)))
	})
}

// writeCacheThreadgroup stages one head block of o through threadgroup
// memory. Register tile i of the block is o_sram[(offset + i*8) / 8].
func (k *Kernel) writeCacheThreadgroup(w *msl.Writer, o Operand, store bool, offset string) {
	bd := k.desc.BlockDimensions
	dim := k.desc.HeadDimension
	mem := k.memoryName(o)
	ld, ldb := k.leadingDimension(o), k.leadingBlockDimension(o)
	trans := msl.Bool(k.transposed(o))
	parDim := k.parallelizationDimension()

	copyTile := func() {
		w.If("sidx == 0", func() {
			w.Linef("uint2 %v_offset(d_outer, %s);", o, parallelizationGroupOffset)
			w.Linef("auto %[1]v_device = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v, %[3]s, %[1]v_offset, %[4]s);",
				o, mem, ld, trans)
			w.Linef("auto %v_threadgroup = (threadgroup %s*)(threadgroup_block);", o, mem)
			w.Linef("ushort D_src_dimension = min(ushort(%d), ushort(%d - d_outer));", bd.Head, dim)
			w.Linef("ushort D_dst_dimension = min(ushort(%d), ushort(%d - d_outer));", bd.Head, k.paddedHead)
			w.Linef("ushort R_dimension = min(uint(%d), uint(%s - %s));", bd.Parallelization, parDim, parallelizationGroupOffset)
			w.Line("ushort2 tile_src(D_src_dimension, R_dimension);")
			w.Line("ushort2 tile_dst(D_dst_dimension, R_dimension);")
			w.Blank()
			w.Line("simdgroup_event event;")
			if store {
				w.Linef("event.async_copy(%[1]v_device, %[2]s, tile_src, %[1]v_threadgroup, %[3]d, tile_src, %[4]s);", o, ld, ldb, trans)
			} else {
				w.Linef("event.async_copy(%[1]v_threadgroup, %[3]d, tile_dst, %[1]v_device, %[2]s, tile_src, %[4]s);", o, ld, ldb, trans)
			}
			w.Line("simdgroup_event::wait(1, &event);")
		})
	}

	w.Barrier()
	if !store {
		copyTile()
	}
	w.Linef("ushort2 %v_block_offset(morton_offset.x, morton_offset.y + sidx * 8);", o)
	w.Linef("auto %[1]v_block = (threadgroup %[2]s*)(threadgroup_block);", o, mem)
	w.Linef("%[1]v_block = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v_block, %[3]d, %[1]v_block_offset, %[4]s);",
		o, mem, ldb, trans)
	w.Barrier()
	access := func(end uint16) {
		w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", end), func() {
			w.Linef("%[1]v_sram[(%[5]s + d) / 8].%[2]s(%[1]v_block, %[3]d, ushort2(d, 0), %[4]s);",
				o, k.tileAccess(o, store), ldb, trans, offset)
		})
	}
	if dim%bd.Head == 0 {
		access(bd.Head)
	} else {
		w.IfElse(fmt.Sprintf("d_outer + %d <= %d", bd.Head, dim), func() {
			access(bd.Head)
		}, func() {
			access(k.paddedHeadEdge())
		})
	}
	if store {
		w.Barrier()
		copyTile()
	}
}
