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

// Package mfa holds the plumbing shared by the Metal kernel generators:
// operand precisions, GPU families, generated program metadata and the
// error values returned when a descriptor cannot be turned into a kernel.
//
// The generators themselves live in subpackages:
//
//	mfa/gemm       matrix multiplication C = A·B (+ beta·C, + bias)
//	mfa/attention  FlashAttention forward, backward-query, backward-key-value
//
// Both follow the same pipeline. A problem descriptor describes the math,
// heuristics turn it into a kernel descriptor for a device, and the kernel
// descriptor is validated and rendered into Metal Shading Language source:
//
//	desc := gemm.Descriptor{Matrix: gemm.Dimensions{M: 1024, N: 1024, K: 1024}, ...}
//	kd, err := desc.KernelDescriptor(mfa.Device{Family: mfa.Apple9}, tuning.Default())
//	prog, err := gemm.Generate(kd)
//	// prog.Source, prog.ThreadgroupMemory, prog.ThreadgroupSize
//
// Nothing in this module talks to a GPU. Compiling the source and binding
// the function constants listed in Program.Constants is the caller's job.
package mfa
