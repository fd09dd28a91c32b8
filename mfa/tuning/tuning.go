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

// Package tuning holds the empirically measured parameters that the kernel
// heuristics consult: occupancy targets, block sizes, GPU core estimates and
// the attention block/caching tables. The defaults are embedded; a YAML file
// with the same layout may override any subset of them.
package tuning

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-mfa/mfa"
)

//go:embed tables.yaml
var defaultTables []byte

// Tables is the full set of heuristic parameters.
type Tables struct {
	Devices   DeviceTable     `yaml:"devices"`
	GEMM      GEMMTable       `yaml:"gemm"`
	Attention AttentionTables `yaml:"attention"`
}

// DeviceTable estimates GPU core counts when the device does not report one.
type DeviceTable struct {
	CoreCounts struct {
		Mac          int `yaml:"mac"`
		Mobile       int `yaml:"mobile"`
		MobileApple9 int `yaml:"mobile_apple9"`
	} `yaml:"core_counts"`
}

// Block is a GEMM threadgroup block size.
type Block struct {
	M uint16 `yaml:"m"`
	N uint16 `yaml:"n"`
	K uint16 `yaml:"k"`
}

// GEMMTable parameterizes the GEMM block size choice.
type GEMMTable struct {
	LargeGroupsPerCore int    `yaml:"large_groups_per_core"`
	SmallGroupsPerCore int    `yaml:"small_groups_per_core"`
	OccupancyBlock     uint32 `yaml:"occupancy_block"`
	Blocks             struct {
		Apple9    Block `yaml:"apple9"`
		Small     Block `yaml:"small"`
		LargeFP32 Block `yaml:"large_fp32"`
		LargeFP16 Block `yaml:"large_fp16"`
	} `yaml:"blocks"`
}

// FamilyRows holds one parameter table per architecture class.
type FamilyRows struct {
	Apple9 []ParameterRow `yaml:"apple9"`
	Legacy []ParameterRow `yaml:"legacy"`
}

// For returns the table for family f.
func (r FamilyRows) For(f mfa.Family) []ParameterRow {
	if f >= mfa.Apple9 {
		return r.Apple9
	}
	return r.Legacy
}

// PassTables holds the tables for one attention pass. Mixed applies when
// both inputs and intermediates are low precision.
type PassTables struct {
	Mixed FamilyRows `yaml:"mixed"`
	Full  FamilyRows `yaml:"full"`
}

// AttentionTables holds every attention parameter table.
type AttentionTables struct {
	Default          FamilyRows `yaml:"default"`
	Forward          PassTables `yaml:"forward"`
	BackwardQuery    PassTables `yaml:"backward_query"`
	BackwardKeyValue PassTables `yaml:"backward_key_value"`
}

var parseDefault = sync.OnceValues(func() (*Tables, error) {
	var t Tables
	if err := yaml.Unmarshal(defaultTables, &t); err != nil {
		return nil, fmt.Errorf("embedded tuning tables: %w", err)
	}
	return &t, t.Validate()
})

// Default returns a copy of the embedded tables.
func Default() *Tables {
	t, err := parseDefault()
	if err != nil {
		panic(err)
	}
	return t.clone()
}

// Load returns the embedded tables overlaid with the YAML file at path.
// Keys absent from the file keep their defaults; a list present in the
// file replaces the default list.
func Load(path string) (*Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tuning tables: %w", err)
	}
	return Parse(data)
}

// Parse overlays data onto the embedded tables.
func Parse(data []byte) (*Tables, error) {
	t := Default()
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("parsing tuning tables: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Marshal renders the tables as YAML.
func (t *Tables) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}

func (t *Tables) clone() *Tables {
	c := *t
	c.Attention = AttentionTables{
		Default:          t.Attention.Default.clone(),
		Forward:          t.Attention.Forward.clone(),
		BackwardQuery:    t.Attention.BackwardQuery.clone(),
		BackwardKeyValue: t.Attention.BackwardKeyValue.clone(),
	}
	return &c
}

func (p PassTables) clone() PassTables {
	return PassTables{Mixed: p.Mixed.clone(), Full: p.Full.clone()}
}

func (r FamilyRows) clone() FamilyRows {
	out := FamilyRows{
		Apple9: append([]ParameterRow(nil), r.Apple9...),
		Legacy: append([]ParameterRow(nil), r.Legacy...),
	}
	for i := range out.Apple9 {
		out.Apple9[i].Cached = append([]string(nil), r.Apple9[i].Cached...)
	}
	for i := range out.Legacy {
		out.Legacy[i].Cached = append([]string(nil), r.Legacy[i].Cached...)
	}
	return out
}

// CoreCount returns the GPU core count used by the occupancy heuristic.
func (t *Tables) CoreCount(dev mfa.Device) int {
	if dev.CoreCount > 0 {
		return dev.CoreCount
	}
	counts := t.Devices.CoreCounts
	switch {
	case !dev.Mobile:
		return counts.Mac
	case dev.Family >= mfa.Apple9:
		return counts.MobileApple9
	}
	return counts.Mobile
}

// Validate checks the tables for values the heuristics cannot use.
func (t *Tables) Validate() error {
	var errs []error
	c := t.Devices.CoreCounts
	if c.Mac <= 0 || c.Mobile <= 0 || c.MobileApple9 <= 0 {
		errs = append(errs, errors.New("core counts must be positive"))
	}
	g := t.GEMM
	if g.LargeGroupsPerCore <= 0 || g.SmallGroupsPerCore <= 0 || g.OccupancyBlock == 0 {
		errs = append(errs, errors.New("gemm occupancy parameters must be positive"))
	}
	for name, b := range map[string]Block{
		"apple9":     g.Blocks.Apple9,
		"small":      g.Blocks.Small,
		"large_fp32": g.Blocks.LargeFP32,
		"large_fp16": g.Blocks.LargeFP16,
	} {
		if b.M == 0 || b.N == 0 || b.K == 0 || b.M%8 != 0 || b.N%8 != 0 || b.K%8 != 0 {
			errs = append(errs, fmt.Errorf("gemm block %s = %+v: dimensions must be positive multiples of 8", name, b))
		}
	}
	passes := map[string]PassTables{
		"forward":            t.Attention.Forward,
		"backward_query":     t.Attention.BackwardQuery,
		"backward_key_value": t.Attention.BackwardKeyValue,
	}
	errs = append(errs, validateRows("default", t.Attention.Default))
	for name, p := range passes {
		errs = append(errs, validateRows(name+".mixed", p.Mixed), validateRows(name+".full", p.Full))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", mfa.ErrInvalidDescriptor, err)
	}
	return nil
}

func validateRows(name string, r FamilyRows) error {
	var errs []error
	for _, f := range []struct {
		label string
		rows  []ParameterRow
	}{{"apple9", r.Apple9}, {"legacy", r.Legacy}} {
		if len(f.rows) == 0 {
			errs = append(errs, fmt.Errorf("attention %s.%s: table is empty", name, f.label))
			continue
		}
		for i, row := range f.rows {
			if err := row.validate(); err != nil {
				errs = append(errs, fmt.Errorf("attention %s.%s row %d: %w", name, f.label, i, err))
			}
			if i > 0 && row.MaxHeadDimension < f.rows[i-1].MaxHeadDimension {
				errs = append(errs, fmt.Errorf("attention %s.%s row %d: head dimensions must ascend", name, f.label, i))
			}
		}
	}
	return errors.Join(errs...)
}
