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

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/ajroetker/go-mfa/internal/api"
	"github.com/ajroetker/go-mfa/mfa"
)

// Metadata describes a generated kernel next to its source.
type Metadata struct {
	Name              string                 `json:"name,omitempty"`
	File              string                 `json:"file,omitempty"`
	Kind              string                 `json:"kind"`
	CacheKey          string                 `json:"cache_key"`
	EntryPoint        string                 `json:"entry_point"`
	ThreadgroupMemory uint16                 `json:"threadgroup_memory"`
	ThreadgroupSize   uint16                 `json:"threadgroup_size"`
	Grid              []uint32               `json:"grid"`
	Constants         []mfa.FunctionConstant `json:"constants"`
	Bindings          []mfa.ConstantValue    `json:"function_constants"`
	Kernel            any                    `json:"kernel"`
}

func gemmMetadata(k api.GEMMKernel, bindings []mfa.ConstantValue) Metadata {
	return Metadata{
		Kind:              api.KindGEMM,
		CacheKey:          k.Descriptor.CacheKey(),
		EntryPoint:        k.Program.EntryPoint,
		ThreadgroupMemory: k.Program.ThreadgroupMemory,
		ThreadgroupSize:   k.Program.ThreadgroupSize,
		Grid:              k.Grid[:],
		Constants:         k.Program.Constants,
		Bindings:          bindings,
		Kernel:            k.Descriptor,
	}
}

func attentionMetadata(k api.AttentionKernel, bindings []mfa.ConstantValue) Metadata {
	return Metadata{
		Kind:              api.KindAttention,
		CacheKey:          k.Descriptor.CacheKey(),
		EntryPoint:        k.Program.EntryPoint,
		ThreadgroupMemory: k.Program.ThreadgroupMemory,
		ThreadgroupSize:   k.Program.ThreadgroupSize,
		Grid:              []uint32{k.Grid},
		Constants:         k.Program.Constants,
		Bindings:          bindings,
		Kernel:            k.Descriptor,
	}
}

// writeOutput writes data to path, or to stdout when path is "" or "-".
func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func writeMetadata(stdout io.Writer, path string, md Metadata) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	return writeOutput(stdout, path, append(data, '\n'))
}
