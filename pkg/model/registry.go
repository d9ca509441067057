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

package model

import (
	"fmt"

	"github.com/Iormungand21/sindri/pkg/registry"
)

// BackendType selects which concrete Backend a configured model dials through.
type BackendType string

const (
	BackendOpenAI    BackendType = "openai"
	BackendAnthropic BackendType = "anthropic"
	BackendOllama    BackendType = "ollama"
)

// BackendConfig configures one entry of the backend registry.
type BackendConfig struct {
	Type    BackendType `yaml:"type"`
	APIKey  string      `yaml:"api_key,omitempty"`
	BaseURL string      `yaml:"base_url,omitempty"`
}

// NewBackend constructs a Backend from its configuration.
func NewBackend(cfg BackendConfig) (Backend, error) {
	switch cfg.Type {
	case BackendOpenAI:
		return NewOpenAIBackend(cfg.APIKey)
	case BackendAnthropic:
		return NewAnthropicBackend(cfg.APIKey)
	case BackendOllama:
		return NewOllamaBackend(cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("model: unknown backend type %q", cfg.Type)
	}
}

// Registry resolves backend names to live Backend instances.
type Registry struct {
	base *registry.BaseRegistry[Backend]
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Backend]()}
}

// Register adds a backend under name.
func (r *Registry) Register(name string, b Backend) error {
	return r.base.Register(name, b)
}

// Get resolves a backend by name.
func (r *Registry) Get(name string) (Backend, bool) {
	return r.base.Get(name)
}

// List returns every registered backend.
func (r *Registry) List() []Backend {
	return r.base.List()
}
