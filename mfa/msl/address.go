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

package msl

// AddressSpace is a Metal pointer address space that tiles are moved
// between.
type AddressSpace uint8

const (
	Device AddressSpace = iota
	Threadgroup
)

// AddressSpaces lists both spaces in emission order.
var AddressSpaces = []AddressSpace{Device, Threadgroup}

// Keyword is the address-space qualifier.
func (a AddressSpace) Keyword() string {
	if a == Threadgroup {
		return "threadgroup"
	}
	return "device"
}

// IndexType is the integer type used for element offsets. Threadgroup
// memory is at most 32 KiB, so 16 bits suffice there.
func (a AddressSpace) IndexType() string {
	if a == Threadgroup {
		return "ushort"
	}
	return "uint"
}

// Pointer spells a pointer to scalar in this space, e.g. "device half *".
func (a AddressSpace) Pointer(scalar string) string {
	return a.Keyword() + " " + scalar + " *"
}

func (a AddressSpace) String() string {
	return a.Keyword()
}
