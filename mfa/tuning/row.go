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
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParameterRow is one line of an attention parameter table:
//
//	| max head dimension | parallelization | traversal | head | cached operands |
type ParameterRow struct {
	MaxHeadDimension uint16
	Parallelization  uint16
	Traversal        uint16
	Head             uint16
	// Cached names the operands held in registers across the traversal
	// loop, e.g. "Q", "dO".
	Cached []string
}

// ParseRow parses the pipe-delimited form used in tables.yaml.
func ParseRow(s string) (ParameterRow, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "|")
	s = strings.TrimSuffix(s, "|")
	cells := strings.Split(s, "|")
	if len(cells) != 5 {
		return ParameterRow{}, fmt.Errorf("row %q: want 5 cells, got %d", s, len(cells))
	}
	var nums [4]uint16
	for i := range nums {
		v, err := strconv.ParseUint(strings.TrimSpace(cells[i]), 10, 16)
		if err != nil {
			return ParameterRow{}, fmt.Errorf("row %q cell %d: %w", s, i, err)
		}
		nums[i] = uint16(v)
	}
	row := ParameterRow{
		MaxHeadDimension: nums[0],
		Parallelization:  nums[1],
		Traversal:        nums[2],
		Head:             nums[3],
	}
	for name := range strings.SplitSeq(cells[4], ",") {
		if name = strings.TrimSpace(name); name != "" {
			row.Cached = append(row.Cached, name)
		}
	}
	return row, nil
}

func (r ParameterRow) String() string {
	return fmt.Sprintf("| %d | %d | %d | %d | %s |",
		r.MaxHeadDimension, r.Parallelization, r.Traversal, r.Head, strings.Join(r.Cached, ", "))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *ParameterRow) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	row, err := ParseRow(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*r = row
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r ParameterRow) MarshalYAML() (any, error) {
	return r.String(), nil
}

func (r ParameterRow) validate() error {
	if r.Parallelization == 0 || r.Traversal == 0 || r.Head == 0 {
		return errors.New("block dimensions must be positive")
	}
	if r.Parallelization%8 != 0 || r.Traversal%8 != 0 || r.Head%8 != 0 {
		return errors.New("block dimensions must be multiples of 8")
	}
	return nil
}

// SelectRow returns the first row that covers headDimension, or the last row
// when none does. rows must be non-empty.
func SelectRow(rows []ParameterRow, headDimension uint16) ParameterRow {
	for _, row := range rows {
		if headDimension <= row.MaxHeadDimension {
			return row
		}
	}
	return rows[len(rows)-1]
}
