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
	"errors"
	"strings"
	"testing"

	"github.com/ajroetker/go-mfa/mfa"
)

// baseDescriptor is a forward pass storing L with FP32 operands and a head
// dimension of 40.
func baseDescriptor() KernelDescriptor {
	return KernelDescriptor{
		BlockDimensions:    BlockDimensions{Parallelization: 16, Traversal: 64, Head: 16},
		CacheState:         NewOperandSet(Q, O),
		MemoryPrecisions:   Descriptor{}.MemoryPrecisions(),
		RegisterPrecisions: Descriptor{}.RegisterPrecisions(mfa.Apple9),
		HeadDimension:      40,
		PreferAsyncCache:   true,
		Type:               KernelType{Pass: Forward, Secondary: true},
	}
}

func TestNewKernelErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*KernelDescriptor)
		want   error
	}{
		{"missing pass", func(d *KernelDescriptor) { d.Type.Pass = 0 }, mfa.ErrDescriptorIncomplete},
		{"missing head", func(d *KernelDescriptor) { d.HeadDimension = 0 }, mfa.ErrDescriptorIncomplete},
		{"missing block", func(d *KernelDescriptor) { d.BlockDimensions.Traversal = 0 }, mfa.ErrDescriptorIncomplete},
		{"missing memory precision", func(d *KernelDescriptor) { d.MemoryPrecisions[K] = 0 }, mfa.ErrDescriptorIncomplete},
		{"missing intermediate precision", func(d *KernelDescriptor) { d.RegisterPrecisions[P] = 0 }, mfa.ErrDescriptorIncomplete},
		{"block not multiple of 8", func(d *KernelDescriptor) { d.BlockDimensions.Traversal = 60 }, mfa.ErrInvalidDescriptor},
		{"head block exceeds head", func(d *KernelDescriptor) { d.BlockDimensions.Head = 48 }, mfa.ErrInvalidDescriptor},
		{"narrowed register", func(d *KernelDescriptor) { d.RegisterPrecisions[Q] = mfa.FP16 }, mfa.ErrInvalidPrecisionPair},
		{"half accumulator", func(d *KernelDescriptor) {
			d.MemoryPrecisions[O] = mfa.FP16
			d.RegisterPrecisions[O] = mfa.FP16
		}, mfa.ErrInvalidPrecisionPair},
		{"threadgroup memory", func(d *KernelDescriptor) {
			d.BlockDimensions = BlockDimensions{Parallelization: 16, Traversal: 256, Head: 40}
		}, mfa.ErrThreadgroupMemoryExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := baseDescriptor()
			tt.modify(&d)
			k, err := NewKernel(d)
			if !errors.Is(err, tt.want) {
				t.Errorf("NewKernel = %v, want %v", err, tt.want)
			}
			if k != nil {
				t.Error("kernel returned with an error")
			}
		})
	}
}

func TestNewKernelIgnoresInactiveOperands(t *testing.T) {
	d := baseDescriptor()
	d.Type = KernelType{Pass: BackwardQuery}
	d.CacheState = NewOperandSet(Q, DO, DQ)
	for _, o := range []Operand{Q, K, V, L, DQ, S, P, DP, DS} {
		d.MemoryPrecisions[o] = 0
		d.RegisterPrecisions[o] = 0
	}
	k, err := NewKernel(d)
	if err != nil {
		t.Fatal(err)
	}
	if k.Operands() != NewOperandSet(O, DO, D) {
		t.Errorf("Operands = %v", k.Operands())
	}
	if k.Cached() != NewOperandSet(DO) {
		t.Errorf("Cached = %v, want dO", k.Cached())
	}
}

func TestCachedOperands(t *testing.T) {
	d := baseDescriptor()
	// K is never cached by the forward pass and dQ is not bound by it.
	d.CacheState = NewOperandSet(Q, K, O, DQ)
	k, err := NewKernel(d)
	if err != nil {
		t.Fatal(err)
	}
	if k.Cached() != NewOperandSet(Q, O) {
		t.Errorf("Cached = %v, want Q,O", k.Cached())
	}
}

func TestThreadgroupMemory(t *testing.T) {
	tests := []struct {
		name   string
		typ    KernelType
		head   uint16
		memory uint16
	}{
		// A K block: 64 rows of 16 floats.
		{"forward", KernelType{Pass: Forward, Secondary: true}, 40, 4096},
		// dO and O blocks, and their 8-column edges, are 16 rows.
		{"backward query D term", KernelType{Pass: BackwardQuery}, 40, 1024},
		{"backward query D term edge", KernelType{Pass: BackwardQuery}, 20, 1024},
		{"backward key-value", KernelType{Pass: BackwardKeyValue, Secondary: true}, 40, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := baseDescriptor()
			d.Type = tt.typ
			d.HeadDimension = tt.head
			k, err := NewKernel(d)
			if err != nil {
				t.Fatal(err)
			}
			if k.ThreadgroupMemory() != tt.memory {
				t.Errorf("ThreadgroupMemory = %d, want %d", k.ThreadgroupMemory(), tt.memory)
			}
			if k.ThreadgroupSize() != 64 {
				t.Errorf("ThreadgroupSize = %d, want 64", k.ThreadgroupSize())
			}
		})
	}
}

func TestGrid(t *testing.T) {
	m := Dimensions{Row: 100, Column: 90, Head: 40}
	d := baseDescriptor()
	k, err := NewKernel(d)
	if err != nil {
		t.Fatal(err)
	}
	if g := k.Grid(m); g != 7 {
		t.Errorf("forward grid = %d, want 7", g)
	}
	d.Type = KernelType{Pass: BackwardKeyValue, Secondary: true}
	k, err = NewKernel(d)
	if err != nil {
		t.Fatal(err)
	}
	if g := k.Grid(m); g != 6 {
		t.Errorf("backward key-value grid = %d, want 6", g)
	}
}

func TestCacheKey(t *testing.T) {
	d := baseDescriptor()
	key := d.CacheKey()
	if !strings.HasPrefix(key, "attention-forward+L-d40-16x64x16-cache[Q,O]-trans[]-memQFP32.") {
		t.Errorf("CacheKey = %q", key)
	}
	if strings.ContainsAny(key, " /") {
		t.Errorf("CacheKey %q is not file-name safe", key)
	}

	same := baseDescriptor()
	same.MemoryPrecisions[DQ] = mfa.BF16 // not bound by the forward pass
	if same.CacheKey() != key {
		t.Error("inactive operand changed the key")
	}

	for name, modify := range map[string]func(*KernelDescriptor){
		"head":      func(d *KernelDescriptor) { d.HeadDimension = 48 },
		"block":     func(d *KernelDescriptor) { d.BlockDimensions.Traversal = 32 },
		"cache":     func(d *KernelDescriptor) { d.CacheState = NewOperandSet(O) },
		"transpose": func(d *KernelDescriptor) { d.TransposeState = NewOperandSet(V) },
		"memory":    func(d *KernelDescriptor) { d.MemoryPrecisions[K] = mfa.FP16 },
		"register":  func(d *KernelDescriptor) { d.RegisterPrecisions[S] = mfa.FP16 },
		"async":     func(d *KernelDescriptor) { d.PreferAsyncLoad = true },
		"secondary": func(d *KernelDescriptor) { d.Type.Secondary = false },
	} {
		d := baseDescriptor()
		modify(&d)
		if d.CacheKey() == key {
			t.Errorf("%s: key unchanged", name)
		}
	}
}
