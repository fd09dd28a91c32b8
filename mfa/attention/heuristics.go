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

	"github.com/samber/lo"

	"github.com/ajroetker/go-mfa/mfa"
	"github.com/ajroetker/go-mfa/mfa/tuning"
)

// KernelDescriptor applies the block size, caching and precision
// heuristics for one pass on dev. A nil t selects tuning.Default().
func (d Descriptor) KernelDescriptor(typ KernelType, dev mfa.Device, t *tuning.Tables) (KernelDescriptor, error) {
	if err := d.validate(); err != nil {
		return KernelDescriptor{}, err
	}
	if !typ.Pass.Valid() {
		return KernelDescriptor{}, fmt.Errorf("%w: kernel type", mfa.ErrDescriptorIncomplete)
	}
	if !dev.Family.Valid() {
		return KernelDescriptor{}, fmt.Errorf("%w: %q", mfa.ErrUnsupportedDevice, dev.Name)
	}
	if t == nil {
		t = tuning.Default()
	}

	row := tuning.SelectRow(d.parameterRows(typ.Pass, dev.Family, t), d.Matrix.Head)
	paddedHead := (d.Matrix.Head + 7) / 8 * 8
	cached, err := cacheState(typ.Pass, row.Cached)
	if err != nil {
		return KernelDescriptor{}, err
	}

	apple9 := dev.Family >= mfa.Apple9
	return KernelDescriptor{
		BlockDimensions: BlockDimensions{
			Parallelization: row.Parallelization,
			Traversal:       row.Traversal,
			Head:            min(row.Head, paddedHead),
		},
		CacheState:         cached,
		TransposeState:     d.transposeState(),
		MemoryPrecisions:   d.MemoryPrecisions(),
		RegisterPrecisions: d.RegisterPrecisions(dev.Family),
		HeadDimension:      d.Matrix.Head,
		PreferAsyncCache:   apple9,
		PreferAsyncLoad:    !apple9,
		Type:               typ,
	}, nil
}

// parameterRows picks the table for a pass. The mixed table applies only
// when both inputs and intermediates are low precision.
func (d Descriptor) parameterRows(p Pass, f mfa.Family, t *tuning.Tables) []tuning.ParameterRow {
	tables := map[Pass]tuning.PassTables{
		Forward:          t.Attention.Forward,
		BackwardQuery:    t.Attention.BackwardQuery,
		BackwardKeyValue: t.Attention.BackwardKeyValue,
	}[p]
	rows := tables.Full.For(f)
	if d.LowPrecisionInputs && d.LowPrecisionIntermediates {
		rows = tables.Mixed.For(f)
	}
	if len(rows) == 0 {
		rows = t.Attention.Default.For(f)
	}
	return rows
}

// cacheState parses a row's cached operands, which must all be cacheable
// by the pass.
func cacheState(p Pass, names []string) (OperandSet, error) {
	var s OperandSet
	for _, name := range names {
		o, err := ParseOperand(name)
		if err != nil {
			return 0, err
		}
		if !p.Cacheable().Contains(o) {
			return 0, fmt.Errorf("%w: %v cannot be cached by the %v pass (cacheable: %v)",
				mfa.ErrInvalidDescriptor, o, p, p.Cacheable())
		}
		s = s.Add(o)
	}
	return s, nil
}

// KernelDescriptors returns the descriptors of every pass needed for
// training: the forward pass storing L, then both backward passes with
// dQ and dK.
func (d Descriptor) KernelDescriptors(dev mfa.Device, t *tuning.Tables) ([]KernelDescriptor, error) {
	types := lo.Map(Passes, func(p Pass, _ int) KernelType { return KernelType{Pass: p, Secondary: true} })
	out := make([]KernelDescriptor, 0, len(types))
	for _, typ := range types {
		kd, err := d.KernelDescriptor(typ, dev, t)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", typ, err)
		}
		out = append(out, kd)
	}
	return out, nil
}
