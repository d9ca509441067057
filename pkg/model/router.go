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
	"context"
	"fmt"
	"sync"

	"github.com/Iormungand21/sindri/pkg/errs"
)

// Router implements Backend by dispatching each call to whichever concrete
// backend owns modelName, so a single model manager instance (spec §4.4,
// which accounts VRAM against one Backend) can front a fleet that mixes
// OpenAI, Anthropic, and Ollama models.
type Router struct {
	registry *Registry

	mu      sync.RWMutex
	byModel map[string]string // model name -> registered backend name
	fallback string           // backend name consulted when byModel has no entry
}

// NewRouter creates a Router over reg. modelBackend maps a model name to the
// backend name it should dial through; fallbackBackend is used for any model
// name not present in the map (pass "" to require an explicit mapping).
func NewRouter(reg *Registry, modelBackend map[string]string, fallbackBackend string) *Router {
	byModel := make(map[string]string, len(modelBackend))
	for k, v := range modelBackend {
		byModel[k] = v
	}
	return &Router{registry: reg, byModel: byModel, fallback: fallbackBackend}
}

// Bind records that modelName should route to backendName.
func (r *Router) Bind(modelName, backendName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byModel[modelName] = backendName
}

func (r *Router) resolve(modelName string) (Backend, error) {
	r.mu.RLock()
	backendName, ok := r.byModel[modelName]
	if !ok {
		backendName = r.fallback
	}
	r.mu.RUnlock()

	if backendName == "" {
		return nil, errs.New(errs.Fatal, fmt.Errorf("model: no backend bound for model %q", modelName))
	}
	b, ok := r.registry.Get(backendName)
	if !ok {
		return nil, errs.New(errs.Fatal, fmt.Errorf("model: backend %q not registered", backendName))
	}
	return b, nil
}

func (r *Router) Name() string { return "router" }

func (r *Router) Chat(ctx context.Context, modelName string, messages []Message, tools []ToolSpec) (ChatResponse, error) {
	b, err := r.resolve(modelName)
	if err != nil {
		return ChatResponse{}, err
	}
	return b.Chat(ctx, modelName, messages, tools)
}

func (r *Router) ChatStream(ctx context.Context, modelName string, messages []Message, tools []ToolSpec, onToken OnToken) (ChatResponse, error) {
	b, err := r.resolve(modelName)
	if err != nil {
		return ChatResponse{}, err
	}
	return b.ChatStream(ctx, modelName, messages, tools, onToken)
}

func (r *Router) Load(ctx context.Context, modelName string) error {
	b, err := r.resolve(modelName)
	if err != nil {
		return err
	}
	return b.Load(ctx, modelName)
}

func (r *Router) Unload(ctx context.Context, modelName string) error {
	b, err := r.resolve(modelName)
	if err != nil {
		return err
	}
	return b.Unload(ctx, modelName)
}

// ListModels aggregates every backend's model list.
func (r *Router) ListModels(ctx context.Context) ([]string, error) {
	var out []string
	for _, b := range r.registry.List() {
		models, err := b.ListModels(ctx)
		if err != nil {
			continue
		}
		out = append(out, models...)
	}
	return out, nil
}
