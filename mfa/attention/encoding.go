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

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/ajroetker/go-mfa/mfa"
)

func marshalJSON(v any) ([]byte, error) { return json.Marshal(v) }

func unmarshalJSON(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", mfa.ErrInvalidDescriptor, err)
	}
	return nil
}

// UnmarshalYAML reads the mapping written by MarshalYAML.
func (p *Precisions) UnmarshalYAML(value *yaml.Node) error {
	var named map[string]mfa.Precision
	if err := value.Decode(&named); err != nil {
		return fmt.Errorf("%w: %v", mfa.ErrInvalidDescriptor, err)
	}
	return p.fromNamed(named)
}

// ParseDescriptor decodes a JSON descriptor and checks it is complete.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var d Descriptor
	if err := unmarshalJSON(data, &d); err != nil {
		return Descriptor{}, err
	}
	if err := d.validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
