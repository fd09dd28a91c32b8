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

//go:build darwin

package mfa

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// chipName reads the SoC marketing name, which on Apple silicon is the
// same string for the CPU and GPU ("Apple M3 Pro").
func chipName() (string, error) {
	name, err := unix.Sysctl("machdep.cpu.brand_string")
	if err != nil {
		return "", fmt.Errorf("%w: sysctl machdep.cpu.brand_string: %v", ErrUnsupportedDevice, err)
	}
	return name, nil
}
