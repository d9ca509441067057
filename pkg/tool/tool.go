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

// Package tool defines the contract agents invoke against (spec §3 "Tool")
// and the registry the agent loop resolves tool names through.
package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/Iormungand21/sindri/pkg/errs"
)

// Tool is a capability an agent can invoke by name.
type Tool interface {
	// Name is the unique, stable identifier the LLM addresses this tool by.
	Name() string

	// Description is shown to the LLM to decide when to use this tool.
	Description() string

	// Schema returns the JSON schema for this tool's arguments.
	Schema() *jsonschema.Schema

	// WriteClass reports whether a successful call mutates state outside the
	// agent's conversation (files, external systems). Completion validation
	// requires at least one successful write-class call for edit/creation
	// tasks (spec §4.1 "completion validation").
	WriteClass() bool

	// Execute runs the tool synchronously against args, rooted at workDir.
	Execute(ctx context.Context, args map[string]any, workDir string) (Result, error)
}

// Result is the outcome of one tool invocation.
type Result struct {
	Content  string
	Error    string
	Metadata map[string]any
}

// Call is an LLM's request to invoke a tool, extracted either from a native
// function-calling response or parsed out of free text (spec §4.8).
type Call struct {
	ID   string
	Name string
	Args map[string]any
}

// Registry resolves tool names to implementations for one agent's toolset.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, overwriting any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Subset returns a new Registry containing only the named tools, used to
// scope an agent's toolset to its AgentDefinition.Tools list.
func (r *Registry) Subset(names []string) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := NewRegistry()
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("tool: unknown tool %q", name)
		}
		out.tools[name] = t
	}
	return out, nil
}

// List returns every registered tool.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// Execute resolves name and runs it, wrapping an unknown-tool lookup as an
// AGENT-category error the loop can surface back to the LLM instead of
// aborting the task (spec §7).
func (r *Registry) Execute(ctx context.Context, call Call, workDir string) (Result, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return Result{}, errs.New(errs.Agent, fmt.Errorf("unknown tool %q", call.Name))
	}
	return t.Execute(ctx, call.Args, workDir)
}

// IsWriteClass reports whether name identifies a write-class tool in this
// registry. Unknown names are treated as non-write-class.
func (r *Registry) IsWriteClass(name string) bool {
	t, ok := r.Get(name)
	return ok && t.WriteClass()
}
