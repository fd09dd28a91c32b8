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

// accumulation is C += A·B, with A a parallelization × traversal register
// intermediate and B a traversal × head operand.
type accumulation struct {
	A, B, C Operand

	// everyIterationScale multiplies C before each block after the first.
	everyIterationScale string
	// lastIterationScale multiplies C after the last block.
	lastIterationScale string
}

func (k *Kernel) writeAccumulate(w *msl.Writer, acc accumulation) {
	bd := k.desc.BlockDimensions
	if k.isCached(acc.C) {
		end := k.paddedHead - k.paddedHead%bd.Head
		w.For(msl.UnrollFull, fmt.Sprintf("ushort d_outer = 0; d_outer < %d; d_outer += %d", end, bd.Head), func() {
			k.writeAccumulateIteration(w, acc, "d_outer", bd.Head)
		})
		if end < k.paddedHead {
			w.Scope(func() {
				w.Linef("ushort d_outer = %d;", end)
				k.writeAccumulateIteration(w, acc, "d_outer", k.paddedHeadEdge())
			})
		}
		w.Blank()
		return
	}

	w.For(msl.UnrollDisable, fmt.Sprintf("ushort d_outer = 0; d_outer < %d; d_outer += %d", k.desc.HeadDimension, bd.Head), func() {
		w.Linef("simdgroup_matrix_storage<%s> %v_sram[%d];", k.registerName(acc.C), acc.C, bd.Head/8)
		k.writeAccumulateIteration(w, acc, "0", 0)
	})
	w.Blank()
}

// writeAccumulateIteration emits one head block. Register tiles start at
// offset; an extent of zero means the block size is only known at run time.
func (k *Kernel) writeAccumulateIteration(w *msl.Writer, acc accumulation, offset string, extent uint16) {
	bd := k.desc.BlockDimensions
	trav, travDim := k.traversalOffset(), k.traversalDimension()
	scaleExtent := extent
	if scaleExtent == 0 {
		scaleExtent = bd.Head
	}
	scale := func(factor string) {
		w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", scaleExtent), func() {
			w.Linef("*(%v_sram[(%s + d) / 8].thread_elements()) *= %s;", acc.C, offset, factor)
		})
	}

	if k.isCached(acc.C) {
		if acc.everyIterationScale != "" {
			w.If(trav+" > 0", func() { scale(acc.everyIterationScale) })
		}
	} else {
		w.IfElse(trav+" == 0", func() {
			w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", bd.Head), func() {
				w.Linef("%v_sram[d / 8] = simdgroup_matrix_storage<%s>(0);", acc.C, k.registerName(acc.C))
			})
		}, func() {
			k.writeCacheThreadgroup(w, acc.C, false, offset)
			if acc.everyIterationScale != "" {
				scale(acc.everyIterationScale)
			}
		})
	}

	k.writeStageRHS(w, acc.B)
	mem := k.memoryName(acc.B)
	w.Linef("auto %v_block = (threadgroup %s*)(threadgroup_block);", acc.B, mem)
	w.Linef("%[1]v_block = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v_block, %[3]d, ushort2(morton_offset.x, morton_offset.y), %[4]s);",
		acc.B, mem, k.leadingBlockDimension(acc.B), msl.Bool(k.transposed(acc.B)))
	w.Barrier()

	k.writeAccumulateTraversal(w, acc, offset, extent, "0", "padded_traversal_edge")
	w.If(fmt.Sprintf("%s + %d < %s", trav, bd.Traversal, travDim), func() {
		k.writeAccumulateTraversal(w, acc, offset, extent, "padded_traversal_edge", fmt.Sprint(bd.Traversal))
	})

	if acc.lastIterationScale != "" {
		w.If(fmt.Sprintf("%s + %d >= %s", trav, bd.Traversal, travDim), func() {
			scale(acc.lastIterationScale)
		})
	}
	if !k.isCached(acc.C) {
		k.writeCacheThreadgroup(w, acc.C, true, offset)
	}
}

func (k *Kernel) writeAccumulateTraversal(w *msl.Writer, acc accumulation, offset string, extent uint16, start, end string) {
	bd := k.desc.BlockDimensions
	edge := k.paddedHeadEdge()
	w.For(msl.UnrollFull, fmt.Sprintf("ushort c = %s; c < %s; c += 8", start, end), func() {
		switch {
		case extent > 0:
			k.writeAccumulateHead(w, acc, offset, 0, extent)
		case edge == bd.Head:
			k.writeAccumulateHead(w, acc, offset, 0, bd.Head)
		default:
			k.writeAccumulateHead(w, acc, offset, 0, edge)
			w.If(fmt.Sprintf("d_outer + %d < %d", bd.Head, k.desc.HeadDimension), func() {
				k.writeAccumulateHead(w, acc, offset, edge, bd.Head)
			})
		}
	})
}

func (k *Kernel) writeAccumulateHead(w *msl.Writer, acc accumulation, offset string, start, end uint16) {
	b := acc.B
	w.For(msl.UnrollFull, fmt.Sprintf("ushort d = %d; d < %d; d += 8", start, end), func() {
		w.Linef("simdgroup_matrix_storage<%s> %v_tile;", k.registerName(b), b)
		w.Linef("%v_tile.%s(%v_block, %d, ushort2(d, c), %s);",
			b, mfa.LoadFunction(k.memory(b), k.register(b)), b, k.leadingBlockDimension(b), msl.Bool(k.transposed(b)))
		w.Linef("%v_sram[(%s + d) / 8].multiply(%v_sram[c / 8], %v_tile);", acc.C, offset, acc.A, b)
	})
}
