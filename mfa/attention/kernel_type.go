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
	"strings"

	"github.com/ajroetker/go-mfa/mfa"
)

// Pass is one of the three attention kernels.
type Pass uint8

const (
	// Forward computes O = softmax(Q·Kᵀ/√D)·V, parallelized over rows.
	Forward Pass = iota + 1
	// BackwardQuery computes the D term and dQ, parallelized over rows.
	BackwardQuery
	// BackwardKeyValue computes dV and dK (or dSᵀ), parallelized over
	// columns.
	BackwardKeyValue
)

// Passes lists every pass in execution order.
var Passes = []Pass{Forward, BackwardQuery, BackwardKeyValue}

var passNames = map[Pass]string{
	Forward:          "forward",
	BackwardQuery:    "backward-query",
	BackwardKeyValue: "backward-key-value",
}

// Valid reports whether p names a pass.
func (p Pass) Valid() bool { return p >= Forward && p <= BackwardKeyValue }

func (p Pass) String() string {
	if name, ok := passNames[p]; ok {
		return name
	}
	return "unset"
}

// ParsePass accepts the names printed by String, plus the short forms
// fwd, bwdq and bwdkv.
func ParsePass(s string) (Pass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "forward", "fwd":
		return Forward, nil
	case "backward-query", "backward_query", "bwdq":
		return BackwardQuery, nil
	case "backward-key-value", "backward_key_value", "bwdkv":
		return BackwardKeyValue, nil
	}
	return 0, fmt.Errorf("%w: unknown attention pass %q", mfa.ErrInvalidDescriptor, s)
}

func (p Pass) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("%w: attention pass %d", mfa.ErrInvalidDescriptor, uint8(p))
	}
	return []byte(p.String()), nil
}

func (p *Pass) UnmarshalText(text []byte) error {
	v, err := ParsePass(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Cacheable is the set of operands the pass may keep in registers for the
// whole traversal.
func (p Pass) Cacheable() OperandSet {
	switch p {
	case Forward:
		return NewOperandSet(Q, O)
	case BackwardQuery:
		return NewOperandSet(Q, DO, DQ)
	case BackwardKeyValue:
		return NewOperandSet(K, V, DV, DK)
	}
	return 0
}

// KernelType selects a pass and its optional output.
//
// Secondary means: for Forward, store the log-sum-exp L; for BackwardQuery,
// compute dQ (otherwise only the D term is produced); for
// BackwardKeyValue, accumulate dK (otherwise dSᵀ is stored for a separate
// GEMM).
type KernelType struct {
	Pass      Pass `json:"pass" yaml:"pass"`
	Secondary bool `json:"secondary,omitempty" yaml:"secondary,omitempty"`
}

// Operands returns the device operands the kernel binds.
func (t KernelType) Operands() OperandSet {
	switch t.Pass {
	case Forward:
		s := NewOperandSet(Q, K, V, O)
		if t.Secondary {
			s = s.Add(L)
		}
		return s
	case BackwardQuery:
		if !t.Secondary {
			return NewOperandSet(O, DO, D)
		}
		return NewOperandSet(Q, K, V, O, L, DO, D, DQ)
	case BackwardKeyValue:
		s := NewOperandSet(Q, K, V, L, DO, D, DV)
		if t.Secondary {
			return s.Add(DK)
		}
		return s.Add(DST)
	}
	return 0
}

// registers returns the register-only intermediates the kernel computes.
func (t KernelType) registers() OperandSet {
	switch {
	case t.Pass == Forward:
		return NewOperandSet(S, P)
	case t.Pass == BackwardQuery && !t.Secondary:
		return 0
	}
	return NewOperandSet(S, P, DP, DS)
}

// accumulators returns the outputs summed over the traversal.
func (t KernelType) accumulators() OperandSet {
	switch {
	case t.Pass == Forward:
		return NewOperandSet(O)
	case t.Pass == BackwardQuery && t.Secondary:
		return NewOperandSet(DQ)
	case t.Pass == BackwardKeyValue && t.Secondary:
		return NewOperandSet(DV, DK)
	case t.Pass == BackwardKeyValue:
		return NewOperandSet(DV)
	}
	return 0
}

// hasLoop reports whether the kernel traverses the attention matrix.
func (t KernelType) hasLoop() bool {
	return t.Pass != BackwardQuery || t.Secondary
}

func (t KernelType) String() string {
	switch t.Pass {
	case Forward:
		if t.Secondary {
			return "forward+L"
		}
	case BackwardQuery:
		if t.Secondary {
			return "backward-query+dQ"
		}
	case BackwardKeyValue:
		if t.Secondary {
			return "backward-key-value+dK"
		}
		return "backward-key-value+dST"
	}
	return t.Pass.String()
}
