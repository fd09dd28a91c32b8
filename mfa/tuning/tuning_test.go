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

package tuning

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ajroetker/go-mfa/mfa"
)

func TestDefault(t *testing.T) {
	tables := Default()
	if err := tables.Validate(); err != nil {
		t.Fatalf("embedded tables invalid: %v", err)
	}
	if got := tables.GEMM.LargeGroupsPerCore; got != 6 {
		t.Errorf("LargeGroupsPerCore = %d, want 6", got)
	}
	if got := tables.GEMM.SmallGroupsPerCore; got != 9 {
		t.Errorf("SmallGroupsPerCore = %d, want 9", got)
	}
	rows := tables.Attention.Forward.Full.For(mfa.Apple9)
	want := ParameterRow{MaxHeadDimension: 8, Parallelization: 16, Traversal: 128, Head: 16, Cached: []string{"Q", "O"}}
	if diff := cmp.Diff(want, rows[0]); diff != "" {
		t.Errorf("first apple9 forward row (-want +got):\n%s", diff)
	}
}

func TestDefaultIsolation(t *testing.T) {
	a := Default()
	a.Attention.Forward.Full.Apple9[0].Cached[0] = "X"
	a.GEMM.LargeGroupsPerCore = 100
	b := Default()
	if b.Attention.Forward.Full.Apple9[0].Cached[0] != "Q" || b.GEMM.LargeGroupsPerCore != 6 {
		t.Error("mutating one copy leaked into another")
	}
}

func TestParseRow(t *testing.T) {
	row, err := ParseRow("| 80  | 16 | 64  | 8  | Q, dO, dQ |")
	if err != nil {
		t.Fatal(err)
	}
	want := ParameterRow{80, 16, 64, 8, []string{"Q", "dO", "dQ"}}
	if diff := cmp.Diff(want, row); diff != "" {
		t.Errorf("ParseRow (-want +got):\n%s", diff)
	}

	empty, err := ParseRow("| 384 | 32 | 80 | 16 |   |")
	if err != nil || len(empty.Cached) != 0 {
		t.Errorf("ParseRow with no cached operands = %+v, %v", empty, err)
	}

	for _, bad := range []string{"| 1 | 2 | 3 |", "| x | 16 | 64 | 8 | Q |"} {
		if _, err := ParseRow(bad); err == nil {
			t.Errorf("ParseRow(%q) succeeded", bad)
		}
	}

	back, err := ParseRow(row.String())
	if err != nil || !cmp.Equal(back, row) {
		t.Errorf("String round trip = %+v, %v", back, err)
	}
}

func TestSelectRow(t *testing.T) {
	rows := Default().Attention.BackwardKeyValue.Full.For(mfa.Apple7)
	tests := []struct {
		head uint16
		want uint16
	}{
		{1, 16},
		{16, 16},
		{17, 24},
		{56, 56},
		{384, 384},
		{1000, 384},
	}
	for _, tt := range tests {
		if got := SelectRow(rows, tt.head).MaxHeadDimension; got != tt.want {
			t.Errorf("SelectRow(D=%d) picked row %d, want %d", tt.head, got, tt.want)
		}
	}
}

func TestCoreCount(t *testing.T) {
	tables := Default()
	tests := []struct {
		dev  mfa.Device
		want int
	}{
		{mfa.Device{Family: mfa.Apple7}, 10},
		{mfa.Device{Family: mfa.Apple8, Mobile: true}, 5},
		{mfa.Device{Family: mfa.Apple9, Mobile: true}, 6},
		{mfa.Device{Family: mfa.Apple9, CoreCount: 40}, 40},
	}
	for _, tt := range tests {
		if got := tables.CoreCount(tt.dev); got != tt.want {
			t.Errorf("CoreCount(%+v) = %d, want %d", tt.dev, got, tt.want)
		}
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tuning.yaml")
	overlay := `
gemm:
  large_groups_per_core: 4
attention:
  forward:
    full:
      apple9:
        - "| 384 | 32 | 64 | 32 | O |"
`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatal(err)
	}
	tables, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if tables.GEMM.LargeGroupsPerCore != 4 {
		t.Errorf("LargeGroupsPerCore = %d, want 4", tables.GEMM.LargeGroupsPerCore)
	}
	if tables.GEMM.SmallGroupsPerCore != 9 {
		t.Errorf("SmallGroupsPerCore = %d, want default 9", tables.GEMM.SmallGroupsPerCore)
	}
	if n := len(tables.Attention.Forward.Full.Apple9); n != 1 {
		t.Errorf("overlay rows = %d, want 1", n)
	}
	if n := len(tables.Attention.Forward.Full.Legacy); n != 4 {
		t.Errorf("legacy rows = %d, want default 4", n)
	}
}

func TestParseRejectsBadTables(t *testing.T) {
	tests := map[string]string{
		"unaligned block": "gemm:\n  blocks:\n    small: {m: 30, n: 32, k: 32}\n",
		"descending rows": "attention:\n  default:\n    legacy:\n      - \"| 64 | 32 | 64 | 32 | |\"\n      - \"| 32 | 32 | 64 | 32 | |\"\n",
		"zero cores":      "devices:\n  core_counts:\n    mac: 0\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(data)); !errors.Is(err, mfa.ErrInvalidDescriptor) {
				t.Errorf("Parse = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Default(), back); diff != "" {
		t.Errorf("marshal round trip (-want +got):\n%s", diff)
	}
}
