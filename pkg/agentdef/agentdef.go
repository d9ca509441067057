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

// Package agentdef loads and validates the fleet of specialized agent
// definitions (spec §3 "AgentDefinition") that the scheduler and delegation
// manager dispatch work against.
package agentdef

import (
	"fmt"
	"sync"
)

// AgentDefinition describes one member of the agent fleet: its model
// requirements, tool access, and delegation fan-out.
type AgentDefinition struct {
	Name                string   `yaml:"name" koanf:"name"`
	Role                string   `yaml:"role" koanf:"role"`
	Model               string   `yaml:"model" koanf:"model"`
	FallbackModel       string   `yaml:"fallback_model,omitempty" koanf:"fallback_model"`
	VRAMGB              float64  `yaml:"vram_gb" koanf:"vram_gb"`
	FallbackVRAMGB      float64  `yaml:"fallback_vram_gb,omitempty" koanf:"fallback_vram_gb"`
	Tools               []string `yaml:"tools,omitempty" koanf:"tools"`
	MaxIterations       int      `yaml:"max_iterations" koanf:"max_iterations"`
	DelegateTo          []string `yaml:"delegate_to,omitempty" koanf:"delegate_to"`
	Prompt              string   `yaml:"prompt" koanf:"prompt"`
	Temperature         float64  `yaml:"temperature,omitempty" koanf:"temperature"`
	SimilarityThreshold float64  `yaml:"similarity_threshold,omitempty" koanf:"similarity_threshold"`
	MaxNudges           int      `yaml:"max_nudges,omitempty" koanf:"max_nudges"`

	// AnalysisOnly exempts this agent from the "at least one tool executed"
	// completion requirement (spec §4.1 completion validation, §9 open
	// question: the classifier is a per-agent flag rather than inferred from
	// the task description).
	AnalysisOnly bool `yaml:"analysis_only,omitempty" koanf:"analysis_only"`

	// EditClass marks this agent as performing edit/creation work, requiring
	// at least one successful write-class tool call before completion is
	// accepted (spec §4.1 completion validation clause (c)).
	EditClass bool `yaml:"edit_class,omitempty" koanf:"edit_class"`
}

// SetDefaults fills in the fleet-wide defaults spec §3 assumes when a
// definition omits a field.
func (d *AgentDefinition) SetDefaults() {
	if d.MaxIterations == 0 {
		d.MaxIterations = 25
	}
	if d.Temperature == 0 {
		d.Temperature = 0.2
	}
	if d.SimilarityThreshold == 0 {
		d.SimilarityThreshold = 0.8
	}
	if d.MaxNudges == 0 {
		d.MaxNudges = 3
	}
	if d.FallbackVRAMGB == 0 {
		d.FallbackVRAMGB = d.VRAMGB
	}
}

// Validate checks a single definition's required fields and internal consistency.
func (d *AgentDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agentdef: name is required")
	}
	if d.Model == "" {
		return fmt.Errorf("agentdef %q: model is required", d.Name)
	}
	if d.VRAMGB < 0 {
		return fmt.Errorf("agentdef %q: vram_gb must be non-negative", d.Name)
	}
	if d.MaxIterations < 1 {
		return fmt.Errorf("agentdef %q: max_iterations must be at least 1", d.Name)
	}
	for _, target := range d.DelegateTo {
		if target == d.Name {
			return fmt.Errorf("agentdef %q: cannot delegate to itself", d.Name)
		}
	}
	return nil
}

// Registry holds the fleet of agent definitions, keyed by name, and
// validates cross-references (delegate_to targets must exist, spec §4.5).
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]*AgentDefinition
}

// NewRegistry creates an empty agent definition registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*AgentDefinition)}
}

// Load validates and registers a full fleet, replacing any prior contents.
// Validation runs after every definition is loaded so delegate_to cross
// references against sibling agents can be checked.
func (r *Registry) Load(defs []*AgentDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make(map[string]*AgentDefinition, len(defs))
	for _, d := range defs {
		d.SetDefaults()
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := fresh[d.Name]; dup {
			return fmt.Errorf("agentdef: duplicate agent name %q", d.Name)
		}
		fresh[d.Name] = d
	}
	for _, d := range fresh {
		for _, target := range d.DelegateTo {
			if _, ok := fresh[target]; !ok {
				return fmt.Errorf("agentdef %q: delegate_to references unknown agent %q", d.Name, target)
			}
		}
	}

	r.defs = fresh
	return nil
}

// Get retrieves an agent definition by name.
func (r *Registry) Get(name string) (*AgentDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// List returns every registered agent definition.
func (r *Registry) List() []*AgentDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	return out
}

// CanDelegate reports whether from is allowed to delegate to to, per
// from's delegate_to list (spec §4.5).
func (r *Registry) CanDelegate(from, to string) bool {
	d, ok := r.Get(from)
	if !ok {
		return false
	}
	for _, target := range d.DelegateTo {
		if target == to {
			return true
		}
	}
	return false
}
