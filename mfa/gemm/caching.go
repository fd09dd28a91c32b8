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
	"github.com/ajroetker/go-mfa/mfa/msl"
)

// directAccessCondition guards the fast paths that move C between registers
// and device memory without staging.
func (k *Kernel) directAccessCondition() string {
	if k.desc.PreferAsyncStore {
		return "false"
	}
	return "(M >= M_group) && (N >= N_group)"
}

func (k *Kernel) fastPathCondition() string {
	return k.directAccessCondition() + " && (gid.y * M_group < M_edge) && (gid.x * N_group < N_edge)"
}

// forEachTile visits every 8×8 accumulator tile the simdgroup owns, with
// origin and C declared in the loop body.
func (k *Kernel) forEachTile(w *msl.Writer, body func()) {
	w.For(msl.UnrollFull, fmt.Sprintf("ushort m = 0; m < %d; m += 8", k.registerM), func() {
		w.For(msl.UnrollFull, fmt.Sprintf("ushort n = 0; n < %d; n += 8", k.registerN), func() {
			w.Line("ushort2 origin(n, m);")
			w.Linef("auto C = get_sram(C_sram, %d, origin);", k.registerN)
			body()
		})
	})
}

func (k *Kernel) writeInitializeC(w *msl.Writer) {
	w.Linef("simdgroup_matrix_storage<%s> C_sram[%d];", k.registerName(opC), (k.registerM/8)*(k.registerN/8))
	w.IfElse("load_previous_C", func() {
		k.writeLoadC(w)
	}, func() {
		k.forEachTile(w, func() {
			w.Linef("*C = simdgroup_matrix_storage<%s>(0);", k.registerName(opC))
		})
	})
	w.Blank()
}

func (k *Kernel) writeLoadC(w *msl.Writer) {
	memC := k.memoryName(opC)
	ld := leadingDimension(opC)
	block := k.leading[opC]
	load := mfa.LoadFunction(k.memory(opC), k.register(opC))

	w.IfElse(k.fastPathCondition(), func() {
		w.Line("uint2 C_offset(N_offset + offset_in_group.x, M_offset + offset_in_group.y);")
		w.Linef("auto C_src = simdgroup_matrix_storage<%s>::apply_offset(C, %s, C_offset);", memC, ld)
		k.forEachTile(w, func() {
			w.Linef("C->%s(C_src, %s, origin);", load, ld)
		})
	}, func() {
		w.Linef("auto C_block = (threadgroup %s*)(threadgroup_block);", memC)
		w.Linef("auto C_block_src = simdgroup_matrix_storage<%s>::apply_offset(C_block, %d, offset_in_group);", memC, block)
		w.If("sidx == 0", func() {
			w.Line("uint2 C_offset(N_offset, M_offset);")
			w.Line("ushort2 C_tile(min(uint(N_group), N - C_offset.x),")
			w.Line("               min(uint(M_group), M - C_offset.y));")
			w.Linef("auto C_src = simdgroup_matrix_storage<%s>::apply_offset(C, %s, C_offset);", memC, ld)
			w.Blank()
			w.Line("simdgroup_event event;")
			w.Linef("event.async_copy(C_block, %d, C_tile, C_src, %s, C_tile);", block, ld)
			w.Line("simdgroup_event::wait(1, &event);")
		})
		w.Barrier()
		k.forEachTile(w, func() {
			w.Linef("C->%s(C_block_src, %d, origin);", load, block)
		})
		w.Barrier()
	})
	w.If("C_scale != 1", func() {
		k.forEachTile(w, func() {
			w.Linef("*(C->thread_elements()) *= %s(C_scale);", k.registerName(opC))
		})
	})
}

// writeBias adds the broadcast bias vector to the initialized accumulator.
// Indices are clamped so lanes past the edge read a valid element; their
// results are never stored.
func (k *Kernel) writeBias(w *msl.Writer) {
	regC := k.registerName(opC)
	switch k.desc.Bias.Axis {
	case BiasNone:
		return
	case BiasColumns:
		w.Comment("Bias along N.")
		w.For(msl.UnrollFull, fmt.Sprintf("ushort n = 0; n < %d; n += 8", k.registerN), func() {
			w.Line("uint column = N_offset + offset_in_group.x + n;")
			w.Linef("vec<%s, 2> bias_value(%s(bias[min(column, N - 1)]),", regC, regC)
			w.Linef("                        %s(bias[min(column + 1, N - 1)]));", regC)
			w.For(msl.UnrollFull, fmt.Sprintf("ushort m = 0; m < %d; m += 8", k.registerM), func() {
				w.Linef("auto C = get_sram(C_sram, %d, ushort2(n, m));", k.registerN)
				w.Line("*(C->thread_elements()) += bias_value;")
			})
		})
	case BiasRows:
		w.Comment("Bias along M.")
		w.For(msl.UnrollFull, fmt.Sprintf("ushort m = 0; m < %d; m += 8", k.registerM), func() {
			w.Line("uint row = M_offset + offset_in_group.y + m;")
			w.Linef("vec<%s, 2> bias_value(%s(bias[min(row, M - 1)]));", regC, regC)
			w.For(msl.UnrollFull, fmt.Sprintf("ushort n = 0; n < %d; n += 8", k.registerN), func() {
				w.Linef("auto C = get_sram(C_sram, %d, ushort2(n, m));", k.registerN)
				w.Line("*(C->thread_elements()) += bias_value;")
			})
		})
	}
	w.Blank()
}

func (k *Kernel) writeStoreC(w *msl.Writer) {
	memC := k.memoryName(opC)
	ld := leadingDimension(opC)
	block := k.leading[opC]
	store := mfa.StoreFunction(k.memory(opC), k.register(opC))

	w.IfElse(k.fastPathCondition(), func() {
		w.Line("uint2 C_offset(N_offset + offset_in_group.x, M_offset + offset_in_group.y);")
		w.Linef("auto C_dst = simdgroup_matrix_storage<%s>::apply_offset(C, %s, C_offset);", memC, ld)
		k.forEachTile(w, func() {
			w.Linef("C->%s(C_dst, %s, origin);", store, ld)
		})
	}, func() {
		w.Comment("Edge blocks overlap their neighbours, so stores go through threadgroup memory.")
		w.Linef("auto C_block = (threadgroup %s*)(threadgroup_block);", memC)
		w.Linef("auto C_block_dst = simdgroup_matrix_storage<%s>::apply_offset(C_block, %d, offset_in_group);", memC, block)
		w.Barrier()
		k.forEachTile(w, func() {
			w.Linef("C->%s(C_block_dst, %d, origin);", store, block)
		})
		w.Barrier()
		w.Blank()
		w.If("sidx == 0", func() {
			w.Line("uint2 C_offset(gid.x * N_group, gid.y * M_group);")
			w.Line("ushort2 C_tile(min(uint(N_group), N - C_offset.x),")
			w.Line("               min(uint(M_group), M - C_offset.y));")
			w.Linef("auto C_dst = simdgroup_matrix_storage<%s>::apply_offset(C, %s, C_offset);", memC, ld)
			w.Blank()
			w.Comment("A shifted block holds its garbage rows and columns at the top left.")
			w.If("(M_shift != 0) || (N_shift != 0)", func() {
				w.Line("ushort2 C_block_shift(0, 0);")
				w.If("(M_shift != 0) && (C_offset.y >= M_edge)", func() {
					w.Line("C_block_shift.y = M_shift;")
				})
				w.If("(N_shift != 0) && (C_offset.x >= N_edge)", func() {
					w.Line("C_block_shift.x = N_shift;")
				})
				w.Linef("C_block = simdgroup_matrix_storage<%s>::apply_offset(C_block, %d, C_block_shift);", memC, block)
			})
			w.Blank()
			w.Line("simdgroup_event event;")
			w.Linef("event.async_copy(C_dst, %s, C_tile, C_block, %d, C_tile);", ld, block)
		})
	})
}
