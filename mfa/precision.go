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

import (
	"fmt"
	"strings"
)

// Precision is the numeric format of an operand, either in device memory or
// in registers. The zero value means "not specified" and is rejected by
// every generator.
type Precision uint8

const (
	// FP32 is IEEE 754 binary32.
	FP32 Precision = iota + 1
	// FP16 is IEEE 754 binary16.
	FP16
	// BF16 is bfloat16: binary32 with the low 16 mantissa bits dropped.
	BF16
)

// Precisions lists every valid precision, widest first.
var Precisions = []Precision{FP32, FP16, BF16}

// Valid reports whether p is one of FP32, FP16 or BF16.
func (p Precision) Valid() bool {
	return p >= FP32 && p <= BF16
}

// Name returns the Metal Shading Language scalar type.
func (p Precision) Name() string {
	switch p {
	case FP32:
		return "float"
	case FP16:
		return "half"
	case BF16:
		return "bfloat"
	}
	return "invalid"
}

// Size returns the number of bytes one element occupies.
func (p Precision) Size() int {
	switch p {
	case FP32:
		return 4
	case FP16, BF16:
		return 2
	}
	return 0
}

func (p Precision) String() string {
	switch p {
	case FP32:
		return "FP32"
	case FP16:
		return "FP16"
	case BF16:
		return "BF16"
	case 0:
		return "unset"
	}
	return fmt.Sprintf("Precision(%d)", uint8(p))
}

// ParsePrecision accepts FP32/FP16/BF16 as well as the Metal spellings
// float/half/bfloat, case-insensitively.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32", "float", "float32", "f32":
		return FP32, nil
	case "fp16", "half", "float16", "f16":
		return FP16, nil
	case "bf16", "bfloat", "bfloat16":
		return BF16, nil
	}
	return 0, fmt.Errorf("unknown precision %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Precision) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cannot marshal %v", p)
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Precision) UnmarshalText(text []byte) error {
	v, err := ParsePrecision(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ValidatePair checks that an operand may live in memory with precision
// memory and be held in registers with precision register. The register
// form must either match memory or be FP32.
func ValidatePair(memory, register Precision) error {
	if !memory.Valid() || !register.Valid() {
		return fmt.Errorf("%w: memory %v, register %v", ErrDescriptorIncomplete, memory, register)
	}
	if register != memory && register != FP32 {
		return fmt.Errorf("%w: memory %v cannot be held as %v", ErrInvalidPrecisionPair, memory, register)
	}
	return nil
}

// LoadFunction returns the simdgroup_matrix_storage member used to move a
// tile between memory and registers: the bfloat variant is only needed when
// BF16 data is widened into FP32 registers.
func LoadFunction(memory, register Precision) string {
	if memory == BF16 && register == FP32 {
		return "load_bfloat"
	}
	return "load"
}

// StoreFunction is the store counterpart of LoadFunction.
func StoreFunction(memory, register Precision) string {
	if memory == BF16 && register == FP32 {
		return "store_bfloat"
	}
	return "store"
}
