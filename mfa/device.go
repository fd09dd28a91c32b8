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
	"os"
	"regexp"
	"strconv"
	"strings"
)

// MaxThreadgroupMemory is the threadgroup memory available to one
// threadgroup on every supported Apple GPU.
const MaxThreadgroupMemory = 32 * 1024

// Family is an Apple GPU architecture generation.
type Family uint8

const (
	// Apple7 covers A14 and M1.
	Apple7 Family = iota + 7
	// Apple8 covers A15, A16 and M2.
	Apple8
	// Apple9 covers A17 Pro, M3 and later.
	Apple9
)

// Families lists the supported families, oldest first.
var Families = []Family{Apple7, Apple8, Apple9}

// Valid reports whether f is a supported family.
func (f Family) Valid() bool {
	return f >= Apple7 && f <= Apple9
}

// NativeBF16 reports whether the ALUs decode bfloat16 natively.
func (f Family) NativeBF16() bool {
	return f >= Apple9
}

// PrefersAsyncCopy reports whether staging through threadgroup memory beats
// direct device loads. Apple9 has a large, fast register-adjacent cache that
// makes direct access competitive.
func (f Family) PrefersAsyncCopy() bool {
	return f < Apple9
}

func (f Family) String() string {
	if !f.Valid() {
		return fmt.Sprintf("Family(%d)", uint8(f))
	}
	return "apple" + strconv.Itoa(int(f))
}

// ParseFamily accepts "apple7".."apple9" or a bare generation number.
func ParseFamily(s string) (Family, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "apple")
	n, err := strconv.Atoi(s)
	if err != nil || !Family(n).Valid() {
		return 0, fmt.Errorf("%w: unknown GPU family %q", ErrUnsupportedDevice, s)
	}
	return Family(n), nil
}

// MarshalText implements encoding.TextMarshaler.
func (f Family) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Family) UnmarshalText(text []byte) error {
	v, err := ParseFamily(string(text))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Device describes the GPU a kernel is generated for.
type Device struct {
	// Name is informational, e.g. "Apple M3 Max".
	Name   string `yaml:"name,omitempty" json:"name,omitempty"`
	Family Family `yaml:"family" json:"family"`
	// Mobile selects the phone/tablet core-count estimates.
	Mobile bool `yaml:"mobile,omitempty" json:"mobile,omitempty"`
	// CoreCount overrides the estimate from the tuning tables when > 0.
	CoreCount int `yaml:"core_count,omitempty" json:"core_count,omitempty"`
}

var chipPattern = regexp.MustCompile(`Apple (M|A)(\d+)`)

// FamilyForChip maps a marketing chip name ("Apple M2 Pro", "Apple A17 Pro")
// to its GPU family. The second result reports a phone/tablet part.
func FamilyForChip(name string) (Family, bool, error) {
	m := chipPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false, fmt.Errorf("%w: unrecognized chip %q", ErrUnsupportedDevice, name)
	}
	gen, _ := strconv.Atoi(m[2])
	if m[1] == "M" {
		switch {
		case gen <= 1:
			return Apple7, false, nil
		case gen == 2:
			return Apple8, false, nil
		default:
			return Apple9, false, nil
		}
	}
	switch {
	case gen < 14:
		return 0, true, fmt.Errorf("%w: %q predates apple7", ErrUnsupportedDevice, name)
	case gen == 14:
		return Apple7, true, nil
	case gen <= 16:
		return Apple8, true, nil
	default:
		return Apple9, true, nil
	}
}

// FamilyEnv names the environment variable that overrides detection.
const FamilyEnv = "MFA_DEVICE_FAMILY"

// DetectDevice identifies the host GPU. MFA_DEVICE_FAMILY, when set, wins
// over the hardware query; on hosts without an Apple GPU detection fails
// with ErrUnsupportedDevice.
func DetectDevice() (Device, error) {
	if env := os.Getenv(FamilyEnv); env != "" {
		f, err := ParseFamily(env)
		if err != nil {
			return Device{}, fmt.Errorf("%s: %w", FamilyEnv, err)
		}
		return Device{Name: env, Family: f}, nil
	}
	name, err := chipName()
	if err != nil {
		return Device{}, err
	}
	f, mobile, err := FamilyForChip(name)
	if err != nil {
		return Device{}, err
	}
	return Device{Name: name, Family: f, Mobile: mobile}, nil
}
