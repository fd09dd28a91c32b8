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

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWriterNesting(t *testing.T) {
	var w Writer
	w.Line("kernel void f() {")
	w.Indent(func() {
		w.For(UnrollFull, "ushort k = 0; k < 16; k += 8", func() {
			w.IfElse("k < K", func() {
				w.Linef("x += %d;", 1)
			}, func() {
				w.Barrier()
			})
		})
		w.For(UnrollNone, "uint i = 0; i < n; ++i", func() {
			w.Comment("nothing")
		})
	})
	w.Line("}")

	want := `kernel void f() {
	#pragma clang loop unroll(full)
	for (ushort k = 0; k < 16; k += 8) {
		if (k < K) {
			x += 1;
		} else {
			threadgroup_barrier(mem_flags::mem_threadgroup);
		}
	}
	for (uint i = 0; i < n; ++i) {
		// nothing
	}
}
`
	if diff := cmp.Diff(want, w.String()); diff != "" {
		t.Errorf("source mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterRaw(t *testing.T) {
	var w Writer
	w.Scope(func() {
		w.Raw("a;\n\nb;\n")
	})
	want := "{\n\ta;\n\n\tb;\n}\n"
	if got := w.String(); got != want {
		t.Errorf("Raw = %q, want %q", got, want)
	}
	if w.Len() != len(want) {
		t.Errorf("Len = %d, want %d", w.Len(), len(want))
	}
}

func TestUnrollDisable(t *testing.T) {
	var w Writer
	w.For(UnrollDisable, ";;", func() {})
	if !strings.HasPrefix(w.String(), "#pragma clang loop unroll(disable)\n") {
		t.Errorf("missing pragma:\n%s", w.String())
	}
}

func TestAddressSpace(t *testing.T) {
	if Device.Pointer("half") != "device half *" {
		t.Errorf("Device.Pointer = %q", Device.Pointer("half"))
	}
	if Threadgroup.IndexType() != "ushort" || Device.IndexType() != "uint" {
		t.Error("IndexType wrong")
	}
	if Bool(true) != "true" || Bool(false) != "false" {
		t.Error("Bool wrong")
	}
}
