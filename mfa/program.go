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

package mfa

// ConstantType is the Metal type of a function constant.
type ConstantType string

const (
	ConstantUint  ConstantType = "uint"
	ConstantBool  ConstantType = "bool"
	ConstantFloat ConstantType = "float"
)

// FunctionConstant is a specialization slot declared by generated source
// with [[function_constant(Index)]].
type FunctionConstant struct {
	Index int          `json:"index" yaml:"index"`
	Name  string       `json:"name" yaml:"name"`
	Type  ConstantType `json:"type" yaml:"type"`
}

// ConstantValue is a value bound to a function constant when the pipeline
// is created. Value holds a uint32, bool or float32 matching Type.
type ConstantValue struct {
	FunctionConstant
	Value any `json:"value" yaml:"value"`
}

// Program is a generated kernel and the metadata needed to dispatch it.
type Program struct {
	// EntryPoint is the name of the kernel function in Source.
	EntryPoint string `json:"entry_point"`
	Source     string `json:"source"`
	// ThreadgroupMemory is the byte count to pass to
	// setThreadgroupMemoryLength for index 0.
	ThreadgroupMemory uint16 `json:"threadgroup_memory"`
	// ThreadgroupSize is the number of threads per threadgroup.
	ThreadgroupSize uint16             `json:"threadgroup_size"`
	Constants       []FunctionConstant `json:"constants"`
}
