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

// outerIteration describes one head block of an outer product.
type outerIteration struct {
	// registerOffset indexes the cached A registers; "0" when A is loaded
	// per block.
	registerOffset string
	// accumulate is the multiply's accumulate flag.
	accumulate string
	lhs, rhs   msl.AddressSpace
	// edge is set when the block may cross the traversal or head end.
	edge bool
}

// writeOuterProduct emits C = A·Bᵀ, where A is parallelization × head and B
// is traversal × head. C is traversal wide and lives in registers.
func (k *Kernel) writeOuterProduct(w *msl.Writer, a, b, c Operand) {
	bd := k.desc.BlockDimensions
	dim := k.desc.HeadDimension
	w.Linef("simdgroup_matrix_storage<%s> %v_sram[%d];", k.registerName(c), c, bd.Traversal/8)

	if k.isCached(a) {
		end := k.paddedHead - k.paddedHead%bd.Head
		it := outerIteration{registerOffset: "d_outer", accumulate: "(d_outer > 0) || (d > 0)"}
		w.For(msl.UnrollFull, fmt.Sprintf("ushort d_outer = 0; d_outer < %d; d_outer += %d", end, bd.Head), func() {
			k.writeGatedOuterIteration(w, a, b, c, it)
		})
		if end < k.paddedHead {
			w.Scope(func() {
				w.Linef("ushort d_outer = %d;", end)
				it.lhs, it.rhs, it.edge = msl.Threadgroup, msl.Threadgroup, true
				k.writeOuterIteration(w, a, b, c, it)
			})
		}
		w.Blank()
		return
	}

	w.For(msl.UnrollFull, fmt.Sprintf("ushort c = 0; c < %d; c += 8", bd.Traversal), func() {
		w.Linef("%v_sram[c / 8] = simdgroup_matrix_storage<%s>(0);", c, k.registerName(c))
	})
	it := outerIteration{registerOffset: "0", accumulate: "true"}
	w.For(msl.UnrollDisable, fmt.Sprintf("ushort d_outer = 0; d_outer < %d; d_outer += %d", dim, bd.Head), func() {
		k.writeGatedOuterIteration(w, a, b, c, it)
	})
	w.Blank()
}

// writeGatedOuterIteration picks device addressing for blocks fully inside
// the matrix and threadgroup staging for edge blocks.
func (k *Kernel) writeGatedOuterIteration(w *msl.Writer, a, b, c Operand, it outerIteration) {
	staged := it
	staged.lhs, staged.rhs, staged.edge = msl.Threadgroup, msl.Threadgroup, true
	if k.desc.PreferAsyncCache && k.desc.PreferAsyncLoad {
		k.writeOuterIteration(w, a, b, c, staged)
		return
	}

	direct := it
	direct.lhs, direct.rhs = msl.Threadgroup, msl.Threadgroup
	if !k.desc.PreferAsyncCache {
		direct.lhs = msl.Device
	}
	if !k.desc.PreferAsyncLoad {
		direct.rhs = msl.Device
	}
	bd := k.desc.BlockDimensions
	cond := fmt.Sprintf("%s + %d <= %s", k.traversalOffset(), bd.Traversal, k.traversalDimension())
	if k.desc.HeadDimension%bd.Head != 0 {
		cond = fmt.Sprintf("(%s) && (d_outer + %d <= %d)", cond, bd.Head, k.desc.HeadDimension)
	}
	w.IfElse(cond, func() {
		k.writeOuterIteration(w, a, b, c, direct)
	}, func() {
		k.writeOuterIteration(w, a, b, c, staged)
	})
}

func (k *Kernel) writeOuterIteration(w *msl.Writer, a, b, c Operand, it outerIteration) {
	if !k.isCached(a) {
		k.writeLoadLHS(w, a, it.lhs)
	}
	k.writeLoadRHS(w, b, it.rhs)

	trav := fmt.Sprint(k.desc.BlockDimensions.Traversal)
	if !it.edge {
		k.writeOuterTraversal(w, a, b, c, it, "0", trav)
		return
	}
	k.writeOuterTraversal(w, a, b, c, it, "0", "padded_traversal_edge")
	w.If(fmt.Sprintf("%s + %s < %s", k.traversalOffset(), trav, k.traversalDimension()), func() {
		k.writeOuterTraversal(w, a, b, c, it, "padded_traversal_edge", trav)
	})
}

// writeLoadLHS fills A_sram with one head block of A.
func (k *Kernel) writeLoadLHS(w *msl.Writer, a Operand, space msl.AddressSpace) {
	bd := k.desc.BlockDimensions
	mem := k.memoryName(a)
	trans := msl.Bool(k.transposed(a))
	load := mfa.LoadFunction(k.memory(a), k.register(a))

	w.Linef("simdgroup_matrix_storage<%s> %v_sram[%d];", k.registerName(a), a, bd.Head/8)
	if space == msl.Device {
		ld := k.leadingDimension(a)
		w.Linef("uint2 %v_offset(morton_offset.x + d_outer, %s);", a, k.clampedParallelizationThreadOffset())
		w.Linef("auto %[1]v_src = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v, %[3]s, %[1]v_offset, %[4]s);",
			a, mem, ld, trans)
		w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", bd.Head), func() {
			w.Linef("%[1]v_sram[d / 8].%[2]s(%[1]v_src, %[3]s, ushort2(d, 0), %[4]s);", a, load, ld, trans)
		})
		return
	}

	ld, ldb := k.leadingDimension(a), k.leadingBlockDimension(a)
	w.Barrier()
	w.If("sidx == 0", func() {
		w.Linef("uint2 %v_offset(d_outer, %s);", a, parallelizationGroupOffset)
		w.Linef("auto src = simdgroup_matrix_storage<%s>::apply_offset(%v, %s, %v_offset, %s);", mem, a, ld, a, trans)
		w.Linef("auto dst = (threadgroup %s*)(threadgroup_block);", mem)
		w.Linef("ushort D_src_dimension = min(ushort(%d), ushort(%d - d_outer));", bd.Head, k.desc.HeadDimension)
		w.Linef("ushort D_dst_dimension = max(ushort(%d), D_src_dimension);", k.paddedHeadEdge())
		w.Linef("ushort R_dimension = min(uint(%d), uint(%s - %s));",
			bd.Parallelization, k.parallelizationDimension(), parallelizationGroupOffset)
		w.Line("ushort2 tile_src(D_src_dimension, R_dimension);")
		w.Line("ushort2 tile_dst(D_dst_dimension, R_dimension);")
		w.Blank()
		w.Line("simdgroup_event event;")
		w.Linef("event.async_copy(dst, %d, tile_dst, src, %s, tile_src, %s);", ldb, ld, trans)
		w.Line("simdgroup_event::wait(1, &event);")
	})
	w.Linef("ushort2 %v_block_offset(morton_offset.x, morton_offset.y + sidx * 8);", a)
	w.Linef("auto %v_block = (threadgroup %s*)(threadgroup_block);", a, mem)
	w.Linef("%[1]v_block = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v_block, %[3]d, %[1]v_block_offset, %[4]s);",
		a, mem, ldb, trans)
	w.Barrier()
	w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", bd.Head), func() {
		w.Linef("%[1]v_sram[d / 8].%[2]s(%[1]v_block, %[3]d, ushort2(d, 0), %[4]s);", a, load, ldb, trans)
	})
}

// writeLoadRHS declares B_src (device) or stages one traversal × head block
// of B and declares B_block (threadgroup). Both are addressed as Bᵀ.
func (k *Kernel) writeLoadRHS(w *msl.Writer, b Operand, space msl.AddressSpace) {
	mem := k.memoryName(b)
	notTrans := msl.Bool(!k.transposed(b))
	ld := k.leadingDimension(b)
	if space == msl.Device {
		w.Linef("uint2 %v_offset(morton_offset.x + %s, morton_offset.y + d_outer);", b, k.traversalOffset())
		w.Linef("auto %[1]v_src = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v, %[3]s, %[1]v_offset, %[4]s);",
			b, mem, ld, notTrans)
		return
	}
	k.writeStageRHS(w, b)
	w.Linef("auto %v_block = (threadgroup %s*)(threadgroup_block);", b, mem)
	w.Linef("%[1]v_block = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v_block, %[3]d, ushort2(morton_offset.x, morton_offset.y), %[4]s);",
		b, mem, k.leadingBlockDimension(b), notTrans)
	w.Barrier()
}

// writeStageRHS copies one traversal × head block of b into threadgroup
// memory, zero-padding both edges to a whole tile.
func (k *Kernel) writeStageRHS(w *msl.Writer, b Operand) {
	bd := k.desc.BlockDimensions
	mem := k.memoryName(b)
	trans := msl.Bool(k.transposed(b))
	w.Barrier()
	w.If("sidx == 0", func() {
		w.Linef("uint2 %v_offset(d_outer, %s);", b, k.traversalOffset())
		w.Linef("auto src = simdgroup_matrix_storage<%s>::apply_offset(%v, %s, %v_offset, %s);",
			mem, b, k.leadingDimension(b), b, trans)
		w.Linef("auto dst = (threadgroup %s*)(threadgroup_block);", mem)
		w.Linef("ushort D_src_dimension = min(ushort(%d), ushort(%d - d_outer));", bd.Head, k.desc.HeadDimension)
		w.Linef("ushort D_dst_dimension = max(ushort(%d), D_src_dimension);", k.paddedHeadEdge())
		w.Linef("ushort C_src_dimension = min(uint(%d), uint(%s - %s));",
			bd.Traversal, k.traversalDimension(), k.traversalOffset())
		w.Line("ushort C_dst_dimension = max(ushort(padded_traversal_edge), C_src_dimension);")
		w.Line("ushort2 tile_src(D_src_dimension, C_src_dimension);")
		w.Line("ushort2 tile_dst(D_dst_dimension, C_dst_dimension);")
		w.Blank()
		w.Line("simdgroup_event event;")
		w.Linef("event.async_copy(dst, %d, tile_dst, src, %s, tile_src, %s);",
			k.leadingBlockDimension(b), k.leadingDimension(b), trans)
		w.Line("simdgroup_event::wait(1, &event);")
	})
}

// writeOuterTraversal emits the multiply over traversal tiles [start, end).
// On edge blocks the head loop stops at the padded head edge of the last
// head block.
func (k *Kernel) writeOuterTraversal(w *msl.Writer, a, b, c Operand, it outerIteration, start, end string) {
	bd := k.desc.BlockDimensions
	edge := k.paddedHeadEdge()
	w.For(msl.UnrollFull, fmt.Sprintf("ushort c = %s; c < %s; c += 8", start, end), func() {
		if !it.edge || edge == bd.Head {
			k.writeOuterHead(w, a, b, c, it, 0, bd.Head)
			return
		}
		k.writeOuterHead(w, a, b, c, it, 0, edge)
		w.If(fmt.Sprintf("d_outer + %d < %d", bd.Head, k.desc.HeadDimension), func() {
			k.writeOuterHead(w, a, b, c, it, edge, bd.Head)
		})
	})
}

func (k *Kernel) writeOuterHead(w *msl.Writer, a, b, c Operand, it outerIteration, start, end uint16) {
	src, ld := fmt.Sprintf("%v_block", b), fmt.Sprint(k.leadingBlockDimension(b))
	if it.rhs == msl.Device {
		src, ld = fmt.Sprintf("%v_src", b), k.leadingDimension(b)
	}
	w.For(msl.UnrollFull, fmt.Sprintf("ushort d = %d; d < %d; d += 8", start, end), func() {
		w.Linef("simdgroup_matrix_storage<%s> %v_tile;", k.registerName(b), b)
		w.Linef("%v_tile.%s(%s, %s, ushort2(c, d), %s);",
			b, mfa.LoadFunction(k.memory(b), k.register(b)), src, ld, msl.Bool(!k.transposed(b)))
		w.Linef("%v_sram[c / 8].multiply(%v_sram[(%s + d) / 8], %v_tile, %s);",
			c, a, it.registerOffset, b, it.accumulate)
	})
}
