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

import "errors"

// Errors returned by descriptor validation and kernel generation. They are
// always wrapped with context; test for them with errors.Is.
var (
	// ErrDescriptorIncomplete means a required descriptor field was left unset.
	ErrDescriptorIncomplete = errors.New("descriptor incomplete")

	// ErrInvalidPrecisionPair means a register precision is neither the
	// memory precision nor FP32, or FP32 accumulation was required and
	// something narrower was requested.
	ErrInvalidPrecisionPair = errors.New("invalid precision pair")

	// ErrThreadgroupMemoryExceeded means the staging blocks a kernel needs do
	// not fit in MaxThreadgroupMemory.
	ErrThreadgroupMemoryExceeded = errors.New("threadgroup memory exceeded")

	// ErrInvalidDescriptor means the fields are present but inconsistent,
	// e.g. a block dimension that is not a multiple of 8.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrUnsupportedDevice means the GPU family could not be determined.
	ErrUnsupportedDevice = errors.New("unsupported device")
)
