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
	"strconv"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/msl"
)

func (k *Kernel) writeUtilities(w *msl.Writer) {
	w.Raw(`// Indexes into an array of register tiles. The index is a compile-time
// constant after unrolling, so the access lowers to a register name.
template <typename T>
METAL_FUNC thread simdgroup_matrix_storage<T>* get_sram(
  thread simdgroup_matrix_storage<T> *sram,
  ushort sram_leading_dim,
  ushort2 matrix_origin
) {
  return sram + (matrix_origin.y / 8) * (sram_leading_dim / 8) + (matrix_origin.x / 8);
}
`)
	w.Blank()
	for _, space := range msl.AddressSpaces {
		k.writeMultiplyAccumulate(w, space)
	}
}

// writeMultiplyAccumulate emits one overload of the 8-deep inner step for
// sources in space. Device sources are strided by the function-constant
// leading dimensions, threadgroup sources by the block strides.
func (k *Kernel) writeMultiplyAccumulate(w *msl.Writer, space msl.AddressSpace) {
	ldA, ldB := leadingDimension(opA), leadingDimension(opB)
	if space == msl.Threadgroup {
		ldA, ldB = strconv.Itoa(int(k.leading[opA])), strconv.Itoa(int(k.leading[opB]))
	}
	loadA := mfa.LoadFunction(k.memory(opA), k.register(opA))
	loadB := mfa.LoadFunction(k.memory(opB), k.register(opB))

	w.Line("METAL_FUNC void multiply_accumulate(")
	w.Indent(func() {
		w.Linef("const %s %s *A_src,", space.Keyword(), k.memoryName(opA))
		w.Linef("const %s %s *B_src,", space.Keyword(), k.memoryName(opB))
		w.Linef("thread simdgroup_matrix_storage<%s> *A_sram,", k.registerName(opA))
		w.Linef("thread simdgroup_matrix_storage<%s> *B_sram,", k.registerName(opB))
		w.Linef("thread simdgroup_matrix_storage<%s> *C_sram,", k.registerName(opC))
		w.Line("ushort k")
	})
	w.Line(")")
	w.Scope(func() {
		w.For(msl.UnrollFull, fmt.Sprintf("ushort m = 0; m < %d; m += 8", k.registerM), func() {
			w.Line("auto A = get_sram(A_sram, 8, ushort2(0, m));")
			w.Linef("A->%s(A_src, %s, ushort2(k, m), A_trans);", loadA, ldA)
		})
		w.For(msl.UnrollFull, fmt.Sprintf("ushort n = 0; n < %d; n += 8", k.registerN), func() {
			w.Linef("auto B = get_sram(B_sram, %d, ushort2(n, 0));", k.registerN)
			w.Linef("B->%s(B_src, %s, ushort2(n, k), B_trans);", loadB, ldB)
		})
		w.For(msl.UnrollFull, fmt.Sprintf("ushort m = 0; m < %d; m += 8", k.registerM), func() {
			w.For(msl.UnrollFull, fmt.Sprintf("ushort n = 0; n < %d; n += 8", k.registerN), func() {
				w.Line("auto A = get_sram(A_sram, 8, ushort2(0, m));")
				w.Linef("auto B = get_sram(B_sram, %d, ushort2(n, 0));", k.registerN)
				w.Linef("auto C = get_sram(C_sram, %d, ushort2(n, m));", k.registerN)
				w.Line("C->multiply(*A, *B);")
			})
		})
	})
	w.Blank()
}

// asyncIterationsStart is the first K index staged through threadgroup
// memory. Earlier iterations read device memory directly, which is only
// in bounds once the shifted edge blocks fit inside the matrix.
func (k *Kernel) asyncIterationsStart() string {
	if k.desc.PreferAsyncLoad {
		return "0"
	}
	return "((M >= M_group) && (N >= N_group) ? (K - (K % K_group)) : 0)"
}

func (k *Kernel) writeMultiplyIterations(w *msl.Writer) {
	memA, memB := k.memoryName(opA), k.memoryName(opB)
	regA, regB := k.registerName(opA), k.registerName(opB)
	ldA, ldB := leadingDimension(opA), leadingDimension(opB)
	blockA, blockB := k.leading[opA], k.leading[opB]
	start := k.asyncIterationsStart()

	w.Comment("Iterations that read device memory directly.")
	w.For(msl.UnrollNone, fmt.Sprintf("uint k = 0; k < %s; k += 8", start), func() {
		w.Line("uint2 A_offset(k, M_offset);")
		w.Line("uint2 B_offset(N_offset, k);")
		w.Line("A_offset += uint2(morton_offset.x, offset_in_group.y);")
		w.Line("B_offset += uint2(offset_in_group.x, morton_offset.y);")
		w.Blank()
		w.Linef("auto A_src = simdgroup_matrix_storage<%s>::apply_offset(A, %s, A_offset, A_trans);", memA, ldA)
		w.Linef("auto B_src = simdgroup_matrix_storage<%s>::apply_offset(B, %s, B_offset, B_trans);", memB, ldB)
		w.Linef("simdgroup_matrix_storage<%s> A_sram[%d];", regA, k.registerM/8)
		w.Linef("simdgroup_matrix_storage<%s> B_sram[%d];", regB, k.registerN/8)
		w.Line("multiply_accumulate(A_src, B_src, A_sram, B_sram, C_sram, 0);")
	})
	w.Blank()

	w.Comment("Iterations staged through threadgroup memory. The final block is")
	w.Comment("zero-padded to a multiple of 8 along K.")
	w.For(msl.UnrollNone, fmt.Sprintf("uint k = %s; k < K; k += K_group", start), func() {
		w.Linef("auto A_block = (threadgroup %s*)(threadgroup_block);", memA)
		w.Linef("auto B_block = (threadgroup %s*)(threadgroup_block + %d);", memB, k.blockBytes(opA))
		w.If("sidx == 0", func() {
			w.Line("uint2 A_offset(k, M_offset);")
			w.Line("uint2 B_offset(N_offset, k);")
			w.Linef("auto A_src = simdgroup_matrix_storage<%s>::apply_offset(A, %s, A_offset, A_trans);", memA, ldA)
			w.Linef("auto B_src = simdgroup_matrix_storage<%s>::apply_offset(B, %s, B_offset, B_trans);", memB, ldB)
			w.Blank()
			w.Line("ushort M_tile_dimension = min(uint(M_group), M - M_offset);")
			w.Line("ushort N_tile_dimension = min(uint(N_group), N - N_offset);")
			w.Line("ushort K_tile_dimension = min(uint(K_group), K - k);")
			w.Line("ushort K_tile_padded = min(uint(K_group), (K + K_remainder_padded - K_remainder) - k);")
			w.Blank()
			w.Line("ushort2 A_tile_src(K_tile_dimension, M_tile_dimension);")
			w.Line("ushort2 B_tile_src(N_tile_dimension, K_tile_dimension);")
			w.Line("ushort2 A_tile_dst(K_tile_padded, M_tile_dimension);")
			w.Line("ushort2 B_tile_dst(N_tile_dimension, K_tile_padded);")
			w.Blank()
			w.Line("simdgroup_event events[2];")
			w.Linef("events[0].async_copy(A_block, %d, A_tile_dst, A_src, %s, A_tile_src, A_trans);", blockA, ldA)
			w.Linef("events[1].async_copy(B_block, %d, B_tile_dst, B_src, %s, B_tile_src, B_trans);", blockB, ldB)
			w.Line("simdgroup_event::wait(2, events);")
		})
		w.Barrier()
		w.Blank()
		w.Line("ushort2 A_block_offset(morton_offset.x, offset_in_group.y);")
		w.Line("ushort2 B_block_offset(offset_in_group.x, morton_offset.y);")
		w.Linef("auto A_block_src = simdgroup_matrix_storage<%s>::apply_offset(A_block, %d, A_block_offset, A_trans);", memA, blockA)
		w.Linef("auto B_block_src = simdgroup_matrix_storage<%s>::apply_offset(B_block, %d, B_block_offset, B_trans);", memB, blockB)
		w.Linef("simdgroup_matrix_storage<%s> A_sram[%d];", regA, k.registerM/8)
		w.Linef("simdgroup_matrix_storage<%s> B_sram[%d];", regB, k.registerN/8)
		w.For(msl.UnrollFull, "ushort k = 0; k < K_remainder_padded; k += 8", func() {
			w.Line("multiply_accumulate(A_block_src, B_block_src, A_sram, B_sram, C_sram, k);")
		})
		w.Blank()
		w.Comment("Only the last block is partial; every other block runs the rest of K_group.")
		w.If("k + K_group < K", func() {
			w.For(msl.UnrollFull, "ushort k = K_remainder_padded; k < K_group; k += 8", func() {
				w.Line("multiply_accumulate(A_block_src, B_block_src, A_sram, B_sram, C_sram, k);")
			})
			w.Barrier()
		})
	})
	w.Blank()
}
