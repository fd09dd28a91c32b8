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

package api

import (
	"context"
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/attention"
	"github.com/ajroetker/go-mfa/mfa/cache"
	"github.com/ajroetker/go-mfa/mfa/gemm"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

// Kernel kinds reported in responses and bundle manifests.
const (
	KindGEMM      = "gemm"
	KindAttention = "attention"
)

// Generator resolves problem descriptors for one device and memoizes the
// generated programs.
type Generator struct {
	device     mfa.Device
	tables     *tuning.Tables
	gemms      *cache.Cache[gemm.KernelDescriptor]
	attentions *cache.Cache[attention.KernelDescriptor]
}

// NewGenerator returns a generator for dev. A nil tables uses the
// embedded defaults.
func NewGenerator(dev mfa.Device, tables *tuning.Tables, opts ...cache.Option) *Generator {
	if tables == nil {
		tables = tuning.Default()
	}
	return &Generator{
		device:     dev,
		tables:     tables,
		gemms:      cache.New(KindGEMM, gemm.Generate, opts...),
		attentions: cache.New(KindAttention, attention.Generate, opts...),
	}
}

// Device returns the device kernels are generated for.
func (g *Generator) Device() mfa.Device { return g.device }

// Tables returns the tuning tables in effect.
func (g *Generator) Tables() *tuning.Tables { return g.tables }

// GEMMKernel is a generated GEMM kernel and how to dispatch it.
type GEMMKernel struct {
	Descriptor gemm.KernelDescriptor
	Program    mfa.Program
	// Grid is the threadgroup count along x and y.
	Grid [2]uint32
}

// GEMM generates (or looks up) the kernel for d.
func (g *Generator) GEMM(ctx context.Context, d gemm.Descriptor) (GEMMKernel, error) {
	kd, err := d.KernelDescriptor(g.device, g.tables)
	if err != nil {
		return GEMMKernel{}, err
	}
	prog, err := g.gemms.Get(ctx, kd)
	if err != nil {
		return GEMMKernel{}, err
	}
	k, err := gemm.NewKernel(kd)
	if err != nil {
		return GEMMKernel{}, err
	}
	x, y := k.Grid(d.Matrix)
	return GEMMKernel{Descriptor: kd, Program: prog, Grid: [2]uint32{x, y}}, nil
}

// AttentionKernel is a generated attention kernel and how to dispatch it.
type AttentionKernel struct {
	Descriptor attention.KernelDescriptor
	Program    mfa.Program
	Grid       uint32
}

// Attention generates (or looks up) the kernel of type typ for d.
func (g *Generator) Attention(ctx context.Context, d attention.Descriptor, typ attention.KernelType) (AttentionKernel, error) {
	kd, err := d.KernelDescriptor(typ, g.device, g.tables)
	if err != nil {
		return AttentionKernel{}, err
	}
	prog, err := g.attentions.Get(ctx, kd)
	if err != nil {
		return AttentionKernel{}, err
	}
	k, err := attention.NewKernel(kd)
	if err != nil {
		return AttentionKernel{}, err
	}
	return AttentionKernel{Descriptor: kd, Program: prog, Grid: k.Grid(d.Matrix)}, nil
}

// CachedKernel summarizes one memoized program.
type CachedKernel struct {
	Kind              string `json:"kind"`
	CacheKey          string `json:"cache_key"`
	EntryPoint        string `json:"entry_point"`
	ThreadgroupMemory uint16 `json:"threadgroup_memory"`
	ThreadgroupSize   uint16 `json:"threadgroup_size"`
}

// Cached lists the memoized programs of both caches ordered by kind, then
// cache key.
func (g *Generator) Cached() []CachedKernel {
	out := append(cached(KindGEMM, g.gemms), cached(KindAttention, g.attentions)...)
	slices.SortStableFunc(out, func(a, b CachedKernel) int {
		if c := strings.Compare(a.Kind, b.Kind); c != 0 {
			return c
		}
		return strings.Compare(a.CacheKey, b.CacheKey)
	})
	return out
}

func cached[K cache.Key](kind string, c *cache.Cache[K]) []CachedKernel {
	return lo.FilterMap(c.Keys(), func(k K, _ int) (CachedKernel, bool) {
		prog, ok := c.Lookup(k)
		return CachedKernel{
			Kind:              kind,
			CacheKey:          k.CacheKey(),
			EntryPoint:        prog.EntryPoint,
			ThreadgroupMemory: prog.ThreadgroupMemory,
			ThreadgroupSize:   prog.ThreadgroupSize,
		}, ok
	})
}

// Len returns the number of memoized programs per kind.
func (g *Generator) Len() map[string]int {
	return map[string]int{KindGEMM: g.gemms.Len(), KindAttention: g.attentions.Len()}
}
