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
	"math"
	"slices"
	"strings"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/headers"
	"github.com/ajroetker/go-mfa/mfa/msl"
)

// EntryPoint is the kernel function name in generated source.
const EntryPoint = "attention"

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
	k.writeKernel(&w)
	return w.String()
}

// Expressions shared by every phase of the kernel.
const (
	parallelizationGroupOffset  = "parallelization_group_offset"
	parallelizationThreadOffset = "(parallelization_group_offset + sidx * 8 + morton_offset.y)"
)

func (k *Kernel) parallelizationDimension() string {
	if k.desc.Type.Pass == BackwardKeyValue {
		return "C"
	}
	return "R"
}

func (k *Kernel) traversalDimension() string {
	if k.desc.Type.Pass == BackwardKeyValue {
		return "R"
	}
	return "C"
}

func (k *Kernel) traversalOffset() string {
	if k.desc.Type.Pass == BackwardKeyValue {
		return "r"
	}
	return "c"
}

// clampedParallelizationThreadOffset keeps threads past the sequence end
// reading a valid row. Their results are never stored.
func (k *Kernel) clampedParallelizationThreadOffset() string {
	return fmt.Sprintf("min(%s, %s - 1)", parallelizationThreadOffset, k.parallelizationDimension())
}

// paddedHeadEdge is the extent of the last head block rounded up to a tile.
func (k *Kernel) paddedHeadEdge() uint16 {
	head := k.desc.BlockDimensions.Head
	rem := k.desc.HeadDimension % head
	if rem == 0 {
		rem = head
	}
	return (rem + 7) / 8 * 8
}

// forwardScale is log2(e)/√D: softmax runs in base 2.
func (k *Kernel) forwardScale() string {
	return formatFloat(math.Log2E / math.Sqrt(float64(k.desc.HeadDimension)))
}

func (k *Kernel) backwardScale() string {
	return formatFloat(1 / math.Sqrt(float64(k.desc.HeadDimension)))
}

func formatFloat(v float64) string {
	return fmt.Sprintf("%.9g", float32(v))
}

func (k *Kernel) memoryName(o Operand) string   { return k.memory(o).Name() }
func (k *Kernel) registerName(o Operand) string { return k.register(o).Name() }

func (k *Kernel) writeConstants(w *msl.Writer) {
	bd := k.desc.BlockDimensions
	w.Comment("R is the output sequence length, C the input sequence length.")
	w.Line("constant uint R [[function_constant(0)]];")
	w.Line("constant uint C [[function_constant(1)]];")
	w.Blank()
	if k.desc.Type.hasLoop() {
		trav := k.traversalDimension()
		w.Comment("Extent of the last traversal block, and the same rounded up to a tile.")
		w.Linef("constant ushort traversal_remainder = (%[1]s %% %[2]d == 0) ? %[2]d : %[1]s %% %[2]d;", trav, bd.Traversal)
		w.Line("constant ushort padded_traversal_edge = (traversal_remainder + 7) / 8 * 8;")
		w.Line("constant ushort traversal_remainder_floor = traversal_remainder - (traversal_remainder % 8);")
		w.Blank()
	}
	if k.operands.Contains(DST) {
		w.Comment("dS rows are padded to a multiple of 32 columns.")
		w.Line("constant uint dST_leading_dimension = (C + 31) / 32 * 32;")
		w.Blank()
	}
}

func (k *Kernel) writeKernel(w *msl.Writer) {
	var args []string
	for _, o := range k.operands.Operands() {
		binding, _ := o.Binding()
		args = append(args, fmt.Sprintf("device %s *%v [[buffer(%d)]]", k.memoryName(o), o, binding))
	}
	args = append(args,
		"threadgroup uchar *threadgroup_block [[threadgroup(0)]]",
		"uint gid [[threadgroup_position_in_grid]]",
		"ushort sidx [[simdgroup_index_in_threadgroup]]",
		"ushort lane_id [[thread_index_in_simdgroup]]",
	)
	pad := strings.Repeat(" ", len("kernel void attention("))
	w.Line("kernel void attention(" + strings.Join(args, ",\n"+pad) + ")")
	w.Scope(func() {
		w.Line("ushort2 morton_offset = morton_order(lane_id);")
		w.Linef("uint %s = gid * %d;", parallelizationGroupOffset, k.desc.BlockDimensions.Parallelization)
		w.Blank()
		w.Comment("Threadgroups past the end of the sequence have nothing to compute.")
		w.If(fmt.Sprintf("%s >= %s", parallelizationGroupOffset, k.parallelizationDimension()), func() {
			w.Line("return;")
		})
		w.Blank()
		k.writeSetup(w)
		if k.desc.Type.hasLoop() {
			k.writeLoop(w)
		}
		k.writeCleanup(w)
	})
}

// writeLoop emits the traversal loop of the pass.
//
//	forward:              S = Q·Kᵀ; online softmax; O = O·correction + P·V
//	backward query:       S = Q·Kᵀ; P = exp2(S - L); dP = dO·Vᵀ; dS; dQ += dS·K
//	backward key-value:   Sᵀ = K·Qᵀ; Pᵀ; dV += Pᵀ·dO; dPᵀ = V·dOᵀ; dSᵀ; dK += dSᵀ·Q
func (k *Kernel) writeLoop(w *msl.Writer) {
	trav := k.traversalOffset()
	header := fmt.Sprintf("uint %[1]s = 0; %[1]s < %[2]s; %[1]s += %[3]d",
		trav, k.traversalDimension(), k.desc.BlockDimensions.Traversal)
	w.Comment("Outer loop over the traversal dimension.")
	w.For(msl.UnrollNone, header, func() {
		switch k.desc.Type.Pass {
		case Forward:
			w.Comment("S = Q * K^T")
			k.writeOuterProduct(w, Q, K, S)
			k.writeMaskEdge(w)
			w.Comment("(m, l, P) = softmax(m, l, S * scale)")
			k.writeOnlineSoftmax(w)
			w.Comment("O = O * correction + P * V, divided by l on the last block")
			k.writeAccumulate(w, accumulation{A: P, B: V, C: O,
				everyIterationScale: "correction",
				lastIterationScale:  "fast::divide(1, l)",
			})
		case BackwardQuery:
			w.Comment("S = Q * K^T")
			k.writeOuterProduct(w, Q, K, S)
			w.Comment("P = exp2(S * scale - L)")
			k.writeCheckpointSoftmax(w, false)
			w.Comment("dP = dO * V^T")
			k.writeOuterProduct(w, DO, V, DP)
			w.Comment("dS = P * (dP * scale - D)")
			k.writeCheckpointSoftmax(w, true)
			w.Comment("dQ += dS * K")
			k.writeAccumulate(w, accumulation{A: DS, B: K, C: DQ})
		case BackwardKeyValue:
			w.Comment("S^T = K * Q^T")
			k.writeOuterProduct(w, K, Q, S)
			w.Comment("P^T = exp2(S^T * scale - L)")
			k.writeCheckpointSoftmaxT(w, false)
			w.Comment("dV += P^T * dO")
			k.writeAccumulate(w, accumulation{A: P, B: DO, C: DV})
			w.Comment("dP^T = V * dO^T")
			k.writeOuterProduct(w, V, DO, DP)
			w.Comment("dS^T = P^T * (dP^T * scale - D)")
			k.writeCheckpointSoftmaxT(w, true)
			if k.desc.Type.Secondary {
				w.Comment("dK += dS^T * Q")
				k.writeAccumulate(w, accumulation{A: DS, B: Q, C: DK})
			} else {
				k.writeStoreDerivativeST(w)
			}
		}
	})
	w.Blank()
}
