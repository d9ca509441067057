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

// Package model defines the LLM backend contract (spec §6.3) and the
// registry the model manager and agent loop dial through. Concrete backends
// live in sibling files: openai.go, anthropic.go, ollama.go.
package model

import (
	"context"

	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/tool"
)

// Message is one entry of a chat conversation handed to a backend.
type Message struct {
	Role    string
	Content string
	// ToolCallID is set on a tool-result message so the backend can route
	// the result back to the call that requested it.
	ToolCallID string
}

// ToolSpec describes a callable tool for a backend that supports native
// function calling.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ChatResponse is a backend's answer to one Chat or ChatStream call.
type ChatResponse struct {
	Text            string
	NativeToolCalls []tool.Call
	Metadata        map[string]any
}

// OnToken is invoked once per streamed token/chunk of text.
type OnToken func(chunk string)

// Backend is the contract every LLM provider implements (spec §6.3).
// Implementations classify every returned error via pkg/errs: network
// failures as errs.Transient, out-of-memory/capacity failures as
// errs.Resource, and malformed-request failures as errs.Fatal.
type Backend interface {
	// Name identifies the backend (e.g. "openai", "anthropic", "ollama").
	Name() string

	// Chat sends messages to model and returns the complete response.
	Chat(ctx context.Context, modelName string, messages []Message, tools []ToolSpec) (ChatResponse, error)

	// ChatStream behaves like Chat but invokes onToken for each chunk of
	// streamed text as it arrives.
	ChatStream(ctx context.Context, modelName string, messages []Message, tools []ToolSpec, onToken OnToken) (ChatResponse, error)

	// Load prepares a model for use (e.g. pulls it into VRAM). Backends
	// with no explicit load step (hosted APIs) treat this as a no-op.
	Load(ctx context.Context, modelName string) error

	// Unload releases a model's resources.
	Unload(ctx context.Context, modelName string) error

	// ListModels returns the models currently available through this backend.
	ListModels(ctx context.Context) ([]string, error)
}

// classify is a convenience wrapper backends use to tag an error before
// returning it, so callers can branch with errs.CategoryOf without each
// backend repeating the same boilerplate.
func classify(category errs.Category, err error) error {
	return errs.New(category, err)
}
