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
	"slices"
	"strings"

	"github.com/samber/lo"

	"github.com/ajroetker/go-mfa/mfa"
)

// Operand names a matrix or vector that takes part in attention. The device
// operands come first, in buffer binding order.
type Operand uint8

const (
	Q Operand = iota
	K
	V
	O
	L
	DO
	D
	DV
	DK
	DQ
	// DST is dSᵀ stored for a separate dK GEMM. It shares dK's binding.
	DST

	// Register-only intermediates of the attention matrix.
	S
	P
	DP
	DS

	numOperands
)

var operandNames = [numOperands]string{
	"Q", "K", "V", "O", "L", "dO", "D", "dV", "dK", "dQ", "dST",
	"S", "P", "dP", "dS",
}

// Operands lists every operand in declaration order.
var Operands = lo.Map(make([]Operand, numOperands), func(_ Operand, i int) Operand { return Operand(i) })

func (o Operand) String() string {
	if o < numOperands {
		return operandNames[o]
	}
	return fmt.Sprintf("Operand(%d)", uint8(o))
}

// ParseOperand accepts the names printed by String.
func ParseOperand(s string) (Operand, error) {
	i := slices.Index(operandNames[:], strings.TrimSpace(s))
	if i < 0 {
		return 0, fmt.Errorf("%w: unknown attention operand %q", mfa.ErrInvalidDescriptor, s)
	}
	return Operand(i), nil
}

// Binding returns the buffer index of a device operand. Register-only
// operands report false.
func (o Operand) Binding() (int, bool) {
	switch {
	case o <= DQ:
		return int(o), true
	case o == DST:
		return int(DK), true
	}
	return 0, false
}

// rowIndexed reports whether the operand's sequence index runs along R.
func (o Operand) rowIndexed() bool {
	switch o {
	case Q, O, L, DO, D, DQ:
		return true
	}
	return false
}

// OperandSet is a set of operands.
type OperandSet uint16

// NewOperandSet returns the set holding ops.
func NewOperandSet(ops ...Operand) OperandSet {
	return lo.Reduce(ops, func(s OperandSet, o Operand, _ int) OperandSet { return s.Add(o) }, 0)
}

// Add returns s with o included.
func (s OperandSet) Add(o Operand) OperandSet { return s | 1<<o }

// Contains reports whether o is in s.
func (s OperandSet) Contains(o Operand) bool { return s&(1<<o) != 0 }

// Intersect returns the operands in both sets.
func (s OperandSet) Intersect(t OperandSet) OperandSet { return s & t }

// Operands returns the members of s in buffer binding order. Register-only
// operands follow the device operands.
func (s OperandSet) Operands() []Operand {
	ops := lo.Filter(Operands, func(o Operand, _ int) bool { return s.Contains(o) })
	slices.SortStableFunc(ops, func(a, b Operand) int {
		ba, okA := a.Binding()
		bb, okB := b.Binding()
		switch {
		case okA && okB:
			return ba - bb
		case okA:
			return -1
		case okB:
			return 1
		}
		return int(a) - int(b)
	})
	return ops
}

func (s OperandSet) String() string {
	return strings.Join(lo.Map(s.Operands(), func(o Operand, _ int) string { return o.String() }), ",")
}

// ParseOperandSet parses a comma separated list of operand names. The empty
// string is the empty set.
func ParseOperandSet(text string) (OperandSet, error) {
	var s OperandSet
	for name := range strings.SplitSeq(text, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		o, err := ParseOperand(name)
		if err != nil {
			return 0, err
		}
		s = s.Add(o)
	}
	return s, nil
}

func (s OperandSet) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *OperandSet) UnmarshalText(text []byte) error {
	v, err := ParseOperandSet(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Precisions assigns a precision to each operand. Entries for operands a
// kernel does not use are ignored.
type Precisions [numOperands]mfa.Precision

// MarshalYAML renders only the assigned entries, keyed by operand name.
func (p Precisions) MarshalYAML() (any, error) { return p.named(), nil }

// MarshalJSON renders only the assigned entries, keyed by operand name.
func (p Precisions) MarshalJSON() ([]byte, error) { return marshalJSON(p.named()) }

// UnmarshalJSON reads the object written by MarshalJSON.
func (p *Precisions) UnmarshalJSON(data []byte) error {
	var named map[string]mfa.Precision
	if err := unmarshalJSON(data, &named); err != nil {
		return err
	}
	return p.fromNamed(named)
}

func (p Precisions) named() map[string]mfa.Precision {
	m := map[string]mfa.Precision{}
	for o, prec := range p {
		if prec.Valid() {
			m[Operand(o).String()] = prec
		}
	}
	return m
}

func (p *Precisions) fromNamed(named map[string]mfa.Precision) error {
	*p = Precisions{}
	for name, prec := range named {
		o, err := ParseOperand(name)
		if err != nil {
			return err
		}
		p[o] = prec
	}
	return nil
}
