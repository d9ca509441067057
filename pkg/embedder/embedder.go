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

// Package embedder defines the embedding contract consumed by Sindri's
// semantic and episodic memory tiers (spec §4.7) and the concrete backends
// that implement it.
package embedder

import (
	"context"
	"fmt"

	"github.com/Iormungand21/sindri/pkg/registry"
)

// Provider embeds text into a fixed-dimension vector for similarity search.
type Provider interface {
	// Embed returns one vector per input text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension reports the vector width this provider produces.
	Dimension() int

	// ModelName identifies the underlying embedding model.
	ModelName() string

	// Close releases any resources held by the provider.
	Close() error
}

// Registry is a named collection of embedder providers, one per project or
// deployment profile, mirroring the vector.Registry pattern.
type Registry struct {
	base *registry.BaseRegistry[Provider]
}

// NewRegistry creates an empty embedder registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Provider]()}
}

func (r *Registry) Register(name string, p Provider) error { return r.base.Register(name, p) }

func (r *Registry) Get(name string) (Provider, bool) { return r.base.Get(name) }

func (r *Registry) MustGet(name string) Provider {
	p, ok := r.base.Get(name)
	if !ok {
		panic(fmt.Sprintf("embedder provider %q not found", name))
	}
	return p
}

func (r *Registry) List() []Provider { return r.base.List() }

// Close closes every registered provider, returning the first error encountered.
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.base.List() {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ProviderType selects which embedder backend to construct.
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderOllama ProviderType = "ollama"
)

// Config configures a single embedder backend.
type Config struct {
	Type ProviderType `yaml:"type"`

	OpenAI *OpenAIConfig `yaml:"openai,omitempty"`
	Ollama *OllamaConfig `yaml:"ollama,omitempty"`
}

// New constructs the embedder backend named by cfg.Type.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case ProviderOpenAI:
		openaiCfg := OpenAIConfig{}
		if cfg.OpenAI != nil {
			openaiCfg = *cfg.OpenAI
		}
		return NewOpenAIProvider(openaiCfg)
	case ProviderOllama:
		ollamaCfg := OllamaConfig{}
		if cfg.Ollama != nil {
			ollamaCfg = *cfg.Ollama
		}
		return NewOllamaProvider(ollamaCfg)
	default:
		return nil, fmt.Errorf("unknown embedder provider type: %q", cfg.Type)
	}
}
