// Copyright 2025 Kadir Pekel
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

package agentdef

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// fleetFile is the on-disk shape of an agent fleet definition file:
//
//	agents:
//	  - name: planner
//	    role: ...
type fleetFile struct {
	Agents []*AgentDefinition `koanf:"agents"`
}

// LoadFile reads a YAML fleet file and returns a validated Registry.
func LoadFile(path string) (*Registry, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("agentdef: load %s: %w", path, err)
	}

	var ff fleetFile
	if err := k.UnmarshalWithConf("", &ff, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("agentdef: unmarshal %s: %w", path, err)
	}

	reg := NewRegistry()
	if err := reg.Load(ff.Agents); err != nil {
		return nil, err
	}
	return reg, nil
}
