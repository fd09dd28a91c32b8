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
	"slices"
	"strings"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/headers"
	"github.com/ajroetker/go-mfa/mfa/msl"
)

// EntryPoint is the kernel function name in generated source.
const EntryPoint = "gemm"

// Program renders the kernel source and its dispatch metadata.
func (k *Kernel) Program() mfa.Program {
	return mfa.Program{
		EntryPoint:        EntryPoint,
		Source:            k.Source(),
		ThreadgroupMemory: k.threadgroupMemory,
		ThreadgroupSize:   k.threadgroupSize,
		Constants:         slices.Clone(Constants),
	}
}

// Source renders the complete Metal translation unit.
func (k *Kernel) Source() string {
	var w msl.Writer
	w.Raw(headers.SimdgroupEvent())
	w.Blank()
	w.Raw(headers.SimdgroupMatrixStorage())
	w.Blank()
	w.Line("using namespace metal;")
	w.Blank()
	k.writeConstants(&w)
	k.writeUtilities(&w)
	k.writeKernel(&w)
	return w.String()
}

func (k *Kernel) memoryName(op operand) string   { return k.memory(op).Name() }
func (k *Kernel) registerName(op operand) string { return k.register(op).Name() }

func leadingDimension(op operand) string { return op.String() + "_leading_dimension" }

func (k *Kernel) writeConstants(w *msl.Writer) {
	d := k.desc
	w.Raw(`// Matrix dimensions and strides are bound when the pipeline is created.
constant uint M [[function_constant(0)]];
constant uint N [[function_constant(1)]];
constant uint K [[function_constant(2)]];

constant uint A_leading_dimension [[function_constant(5)]];
constant uint B_leading_dimension [[function_constant(6)]];
constant uint C_leading_dimension [[function_constant(7)]];

// C = A * B + beta * C when load_previous_C is set.
constant bool load_previous_C [[function_constant(10)]];
constant float beta [[function_constant(11)]];
constant float C_scale = is_function_constant_defined(beta) ? beta : 1;
`)
	w.Blank()
	w.Linef("constant bool A_trans = %s;", msl.Bool(d.Transpose.A))
	w.Linef("constant bool B_trans = %s;", msl.Bool(d.Transpose.B))
	w.Blank()
	w.Linef("constant ushort M_group = %d;", d.BlockDimensions.M)
	w.Linef("constant ushort N_group = %d;", d.BlockDimensions.N)
	w.Linef("constant ushort K_group = %d;", d.BlockDimensions.K)
	w.Blank()
	w.Comment("Thresholds that mark the matrix edge.")
	w.Line("constant uint M_edge = M - (M % M_group);")
	w.Line("constant uint N_edge = N - (N % N_group);")
	w.Blank()
	w.Comment("Extent of the final register tile. A divisible dimension ends in a full tile.")
	w.Linef("constant ushort M_remainder = (M %% %[1]d == 0) ? %[1]d : M %% %[1]d;", k.registerM)
	w.Linef("constant ushort N_remainder = (N %% %[1]d == 0) ? %[1]d : N %% %[1]d;", k.registerN)
	w.Line("constant ushort K_remainder = (K % K_group == 0) ? K_group : K % K_group;")
	w.Line("constant ushort K_remainder_padded = (K_remainder + 7) / 8 * 8;")
	w.Blank()
	w.Comment("Edge blocks move up and left so no simdgroup reads past the matrix.")
	w.Linef("constant ushort M_shift = (M < M_group) ? 0 : %d - M_remainder;", k.registerM)
	w.Linef("constant ushort N_shift = (N < N_group) ? 0 : %d - N_remainder;", k.registerN)
	w.Blank()
}

func (k *Kernel) writeKernel(w *msl.Writer) {
	args := []string{
		fmt.Sprintf("device %s *A [[buffer(0)]]", k.memoryName(opA)),
		fmt.Sprintf("device %s *B [[buffer(1)]]", k.memoryName(opB)),
		fmt.Sprintf("device %s *C [[buffer(2)]]", k.memoryName(opC)),
	}
	if k.desc.Bias.Axis != BiasNone {
		args = append(args, fmt.Sprintf("device %s *bias [[buffer(3)]]", k.desc.Bias.Precision.Name()))
	}
	args = append(args,
		"threadgroup uchar *threadgroup_block [[threadgroup(0)]]",
		"uint3 gid [[threadgroup_position_in_grid]]",
		"ushort sidx [[simdgroup_index_in_threadgroup]]",
		"ushort lane_id [[thread_index_in_simdgroup]]",
	)
	pad := strings.Repeat(" ", len("kernel void gemm("))
	w.Line("kernel void gemm(" + strings.Join(args, ",\n"+pad) + ")")
	w.Scope(func() {
		w.Linef("ushort2 sid(sidx %% %[1]d, sidx / %[1]d);", k.desc.Splits.N)
		w.Line("ushort2 morton_offset = morton_order(lane_id);")
		w.Blank()
		w.Comment("Simdgroups past the matrix edge have nothing to compute.")
		w.Line("uint M_offset = gid.y * M_group;")
		w.Line("uint N_offset = gid.x * N_group;")
		w.If(fmt.Sprintf("M_offset + sid.y * %d >= M || N_offset + sid.x * %d >= N", k.registerM, k.registerN), func() {
			w.Line("return;")
		})
		w.Linef("ushort2 offset_in_group(sid.x * %d + morton_offset.x,", k.registerN)
		w.Linef("                        sid.y * %d + morton_offset.y);", k.registerM)
		w.Blank()
		w.If("(M_shift != 0) && (gid.y * M_group >= M_edge)", func() {
			w.Line("M_offset -= M_shift;")
		})
		w.If("(N_shift != 0) && (gid.x * N_group >= N_edge)", func() {
			w.Line("N_offset -= N_shift;")
		})
		w.Blank()
		k.writeInitializeC(w)
		k.writeBias(w)
		k.writeMultiplyIterations(w)
		k.writeStoreC(w)
	})
}
