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

// Each lane holds two adjacent columns of one row of an 8x8 tile. The eight
// values of a row are spread over lanes whose ids differ in bits 0 and 3.
func writeRowReduce(w *msl.Writer, name, op string) {
	w.Linef("%[1]s = %[2]s(%[1]s, simd_shuffle_xor(%[1]s, 1));", name, op)
	w.Linef("%[1]s = %[2]s(%[1]s, simd_shuffle_xor(%[1]s, 8));", name, op)
}

func (k *Kernel) traversalTiles() string {
	return fmt.Sprintf("ushort c = 0; c < %d; c += 8", k.desc.BlockDimensions.Traversal)
}

// writeMaskEdge overwrites the S columns past the end of the last block so
// that they vanish from the softmax.
func (k *Kernel) writeMaskEdge(w *msl.Writer) {
	bd := k.desc.BlockDimensions
	cond := fmt.Sprintf("(traversal_remainder != %d) && (%s + %d > %s)",
		bd.Traversal, k.traversalOffset(), bd.Traversal, k.traversalDimension())
	reg := k.registerName(S)
	w.If(cond, func() {
		w.Line("const float mask_value = (0.875 / M_LOG2E_F) * -numeric_limits<float>::max();")
		w.Scope(func() {
			w.Line("auto S_elements = S_sram[traversal_remainder_floor / 8].thread_elements();")
			w.For(msl.UnrollFull, "ushort index = 0; index < 2; ++index", func() {
				w.If("morton_offset.x + index >= traversal_remainder - traversal_remainder_floor", func() {
					w.Linef("(*S_elements)[index] = %s(mask_value);", reg)
				})
			})
		})
		w.For(msl.UnrollFull, fmt.Sprintf("ushort c = traversal_remainder_floor + 8; c < %d; c += 8", bd.Traversal), func() {
			w.Linef("*(S_sram[c / 8].thread_elements()) = vec<%s, 2>(mask_value);", reg)
		})
	})
	w.Blank()
}

// writeOnlineSoftmax updates the running maximum m and sum l with the
// block in S, and writes the unnormalized probabilities to P.
func (k *Kernel) writeOnlineSoftmax(w *msl.Writer) {
	scale := k.forwardScale()
	w.Line("float2 m_new_accumulate = float2(-numeric_limits<float>::max());")
	w.For(msl.UnrollFull, k.traversalTiles(), func() {
		w.Line("m_new_accumulate = max(m_new_accumulate, float2(*S_sram[c / 8].thread_elements()));")
	})
	w.Line("float m_new = max(m_new_accumulate[0], m_new_accumulate[1]);")
	writeRowReduce(w, "m_new", "max")
	w.Linef("m_new = max(m, m_new * %s);", scale)
	w.Blank()
	w.Line("float correction = 1;")
	w.If("m_new > m", func() {
		w.Line("correction = fast::exp2(m - m_new);")
		w.Line("m = m_new;")
	})
	w.Blank()

	reg := k.registerName(P)
	w.Linef("simdgroup_matrix_storage<%s> P_sram[%d];", reg, k.desc.BlockDimensions.Traversal/8)
	w.For(msl.UnrollFull, k.traversalTiles(), func() {
		w.Line("float2 S_elements = float2(*S_sram[c / 8].thread_elements());")
		w.Linef("float2 P_elements = fast::exp2(S_elements * %s - m);", scale)
		w.Linef("*(P_sram[c / 8].thread_elements()) = vec<%s, 2>(P_elements);", reg)
	})
	w.Blank()

	w.Line("float2 l_new_accumulate = float2(0);")
	w.For(msl.UnrollFull, k.traversalTiles(), func() {
		w.Line("l_new_accumulate += float2(*P_sram[c / 8].thread_elements());")
	})
	w.Line("float l_new = l_new_accumulate[0] + l_new_accumulate[1];")
	w.Line("l_new += simd_shuffle_xor(l_new, 1);")
	w.Line("l_new += simd_shuffle_xor(l_new, 8);")
	w.Line("l = l * correction + l_new;")
	w.Blank()
}

// writeCheckpointSoftmax recomputes P from the stored log-sum-exp, or with
// derivative set, forms dS from P, dP and the D term. Both are row-wise.
func (k *Kernel) writeCheckpointSoftmax(w *msl.Writer, derivative bool) {
	trav := k.desc.BlockDimensions.Traversal
	if !derivative {
		reg := k.registerName(P)
		w.Linef("simdgroup_matrix_storage<%s> P_sram[%d];", reg, trav/8)
		w.For(msl.UnrollFull, k.traversalTiles(), func() {
			w.Line("float2 S_elements = float2(*S_sram[c / 8].thread_elements());")
			w.Linef("float2 P_elements = fast::exp2(S_elements * %s - L_term);", k.forwardScale())
			w.Linef("*(P_sram[c / 8].thread_elements()) = vec<%s, 2>(P_elements);", reg)
		})
		w.Blank()
		return
	}
	reg := k.registerName(DS)
	w.Linef("simdgroup_matrix_storage<%s> dS_sram[%d];", reg, trav/8)
	w.For(msl.UnrollFull, k.traversalTiles(), func() {
		w.Line("float2 P_elements = float2(*P_sram[c / 8].thread_elements());")
		w.Line("float2 dP_elements = float2(*dP_sram[c / 8].thread_elements());")
		w.Linef("float2 dS_elements = P_elements * (dP_elements * %s - D_term);", k.backwardScale())
		w.Linef("*(dS_sram[c / 8].thread_elements()) = vec<%s, 2>(dS_elements);", reg)
	})
	w.Blank()
}

// writeCheckpointSoftmaxT is writeCheckpointSoftmax on the transposed
// matrices, where L and D vary along the columns.
func (k *Kernel) writeCheckpointSoftmaxT(w *msl.Writer, derivative bool) {
	trav := k.desc.BlockDimensions.Traversal
	if !derivative {
		k.writeColumnTerms(w, L)
		reg := k.registerName(P)
		w.Linef("simdgroup_matrix_storage<%s> P_sram[%d];", reg, trav/8)
		w.For(msl.UnrollFull, k.traversalTiles(), func() {
			w.Line("float2 S_elements = float2(*S_sram[c / 8].thread_elements());")
			w.Linef("float2 P_elements = fast::exp2(S_elements * %s - L_terms[c / 8]);", k.forwardScale())
			w.Linef("*(P_sram[c / 8].thread_elements()) = vec<%s, 2>(P_elements);", reg)
		})
		w.Blank()
		return
	}
	k.writeColumnTerms(w, D)
	reg := k.registerName(DS)
	w.Linef("simdgroup_matrix_storage<%s> dS_sram[%d];", reg, trav/8)
	w.For(msl.UnrollFull, k.traversalTiles(), func() {
		w.Line("float2 P_elements = float2(*P_sram[c / 8].thread_elements());")
		w.Line("float2 dP_elements = float2(*dP_sram[c / 8].thread_elements());")
		w.Linef("float2 dS_elements = P_elements * (dP_elements * %s - D_terms[c / 8]);", k.backwardScale())
		w.Linef("*(dS_sram[c / 8].thread_elements()) = vec<%s, 2>(dS_elements);", reg)
	})
	w.Blank()
}

// writeColumnTerms loads the block's slice of the vector operand o into
// <o>_terms, two columns per lane. The edge block is staged through
// threadgroup memory, which zero-fills the columns past the end.
func (k *Kernel) writeColumnTerms(w *msl.Writer, o Operand) {
	trav := k.desc.BlockDimensions.Traversal
	mem := k.memoryName(o)
	w.Linef("float2 %v_terms[%d];", o, trav/8)

	direct := func() {
		w.Linef("auto %[1]v_src = %[1]v + r + morton_offset.x;", o)
		w.For(msl.UnrollFull, k.traversalTiles(), func() {
			w.Linef("%[1]v_terms[c / 8] = float2(%[1]v_src[c], %[1]v_src[c + 1]);", o)
		})
	}
	staged := func() {
		w.Barrier()
		w.If("sidx == 0", func() {
			w.Linef("auto dst = (threadgroup %s*)(threadgroup_block);", mem)
			w.Linef("auto src = %v + r;", o)
			w.Linef("ushort R_src_dimension = min(uint(%d), uint(R - r));", trav)
			w.Line("ushort R_dst_dimension = max(ushort(padded_traversal_edge), R_src_dimension);")
			w.Blank()
			w.Line("simdgroup_event event;")
			w.Linef("event.async_copy(dst, %d, ushort2(R_dst_dimension, 1), src, %d, ushort2(R_src_dimension, 1));", trav, trav)
			w.Line("simdgroup_event::wait(1, &event);")
		})
		w.Barrier()
		w.Linef("auto %v_block = (threadgroup %s*)(threadgroup_block) + morton_offset.x;", o, mem)
		w.For(msl.UnrollFull, k.traversalTiles(), func() {
			w.Linef("%[1]v_terms[c / 8] = float2(%[1]v_block[c], %[1]v_block[c + 1]);", o)
		})
	}

	if k.desc.PreferAsyncLoad {
		w.Scope(staged)
	} else {
		w.IfElse(fmt.Sprintf("r + %d <= R", trav), direct, staged)
	}
	w.Blank()
}

// writeDTerm computes D = rowsum(dO ∘ O) / √D for this thread's row.
func (k *Kernel) writeDTerm(w *msl.Writer) {
	dim := k.desc.HeadDimension
	floor := dim - dim%8
	row := k.clampedParallelizationThreadOffset()

	w.Comment("D = rowsum(dO * O) * scale")
	w.Line("float2 D_term_accumulate = float2(0);")
	if floor > 0 {
		w.Scope(func() {
			if !k.isCached(DO) {
				w.Linef("auto dO_src = simdgroup_matrix_storage<%s>::apply_offset(dO, %s, uint2(morton_offset.x, %s), %s);",
					k.memoryName(DO), k.leadingDimension(DO), row, msl.Bool(k.transposed(DO)))
			}
			w.Linef("auto O_src = simdgroup_matrix_storage<%s>::apply_offset(O, %s, uint2(morton_offset.x, %s), %s);",
				k.memoryName(O), k.leadingDimension(O), row, msl.Bool(k.transposed(O)))
			w.For(msl.UnrollFull, fmt.Sprintf("ushort d = 0; d < %d; d += 8", floor), func() {
				if k.isCached(DO) {
					w.Line("float2 dO_value = float2(*dO_sram[d / 8].thread_elements());")
				} else {
					k.writeTileLoad(w, DO, "dO_src", k.leadingDimension(DO), "ushort2(d, 0)")
					w.Line("float2 dO_value = float2(*dO_tile.thread_elements());")
				}
				k.writeTileLoad(w, O, "O_src", k.leadingDimension(O), "ushort2(d, 0)")
				w.Line("float2 O_value = float2(*O_tile.thread_elements());")
				w.Line("D_term_accumulate += dO_value * O_value;")
			})
		})
	}
	if floor < dim {
		w.Scope(func() { k.writeDTermEdge(w, floor) })
	}
	w.Line("float D_term_value = D_term_accumulate[0] + D_term_accumulate[1];")
	w.Line("D_term_value += simd_shuffle_xor(D_term_value, 1);")
	w.Line("D_term_value += simd_shuffle_xor(D_term_value, 8);")
	w.Linef("D_term = D_term_value * %s;", k.backwardScale())
	w.Blank()
}

// writeDTermEdge stages the last partial tile of dO and O, zero-padded to
// eight columns, and adds its products.
func (k *Kernel) writeDTermEdge(w *msl.Writer, floor uint16) {
	bd := k.desc.BlockDimensions
	dim := k.desc.HeadDimension
	ld := func(o Operand) uint16 {
		if k.transposed(o) {
			return bd.Parallelization
		}
		return 8
	}
	offset := int(bd.Parallelization) * 8 * k.memory(DO).Size()

	w.Barrier()
	w.If("sidx == 0", func() {
		w.Linef("ushort R_dimension = min(uint(%d), uint(R - %s));", bd.Parallelization, parallelizationGroupOffset)
		w.Linef("ushort2 tile_src(%d, R_dimension);", dim-floor)
		w.Line("ushort2 tile_dst(8, R_dimension);")
		w.Line("simdgroup_event events[2];")
		for i, o := range []Operand{DO, O} {
			mem := k.memoryName(o)
			w.Linef("auto %[1]v_src = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v, %[3]s, uint2(%[4]d, %[5]s), %[6]s);",
				o, mem, k.leadingDimension(o), floor, parallelizationGroupOffset, msl.Bool(k.transposed(o)))
			w.Linef("auto %v_dst = (threadgroup %s*)(threadgroup_block + %d);", o, mem, offset*i)
			w.Linef("events[%d].async_copy(%v_dst, %d, tile_dst, %v_src, %s, tile_src, %s);",
				i, o, ld(o), o, k.leadingDimension(o), msl.Bool(k.transposed(o)))
		}
		w.Line("simdgroup_event::wait(2, events);")
	})
	w.Barrier()
	for i, o := range []Operand{DO, O} {
		mem := k.memoryName(o)
		w.Linef("auto %[1]v_block = (threadgroup %[2]s*)(threadgroup_block + %[3]d);", o, mem, offset*i)
		w.Linef("%[1]v_block = simdgroup_matrix_storage<%[2]s>::apply_offset(%[1]v_block, %[3]d, ushort2(morton_offset.x, morton_offset.y + sidx * 8), %[4]s);",
			o, mem, ld(o), msl.Bool(k.transposed(o)))
		k.writeTileLoad(w, o, fmt.Sprintf("%v_block", o), fmt.Sprint(ld(o)), "ushort2(0, 0)")
	}
	w.Line("D_term_accumulate += float2(*dO_tile.thread_elements()) * float2(*O_tile.thread_elements());")
}

// writeTileLoad declares <o>_tile and loads it from src.
func (k *Kernel) writeTileLoad(w *msl.Writer, o Operand, src, ld, origin string) {
	w.Linef("simdgroup_matrix_storage<%s> %v_tile;", k.registerName(o), o)
	w.Linef("%v_tile.%s(%s, %s, %s, %s);", o, mfa.LoadFunction(k.memory(o), k.register(o)), src, ld, origin, msl.Bool(k.transposed(o)))
}

// writeStoreDerivativeST writes the block of dSᵀ to dST, which holds dS in
// row-major order with rows padded to dST_leading_dimension.
func (k *Kernel) writeStoreDerivativeST(w *msl.Writer) {
	mem := k.memoryName(DST)
	w.If(fmt.Sprintf("%s < C", parallelizationThreadOffset), func() {
		w.For(msl.UnrollFull, k.traversalTiles(), func() {
			w.Line("uint row = r + c + morton_offset.x;")
			w.Line("float2 dS_elements = float2(*dS_sram[c / 8].thread_elements());")
			w.For(msl.UnrollFull, "ushort index = 0; index < 2; ++index", func() {
				w.If("row + index < R", func() {
					w.Linef("dST[(row + index) * dST_leading_dimension + %s] = %s(dS_elements[index]);",
						parallelizationThreadOffset, mem)
				})
			})
		})
	})
	w.Blank()
}
