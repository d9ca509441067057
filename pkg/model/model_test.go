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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iormungand21/sindri/pkg/errs"
)

type fakeBackend struct {
	name      string
	models    []string
	loadCalls []string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Chat(_ context.Context, modelName string, _ []Message, _ []ToolSpec) (ChatResponse, error) {
	return ChatResponse{Text: "reply from " + f.name + "/" + modelName}, nil
}

func (f *fakeBackend) ChatStream(_ context.Context, modelName string, _ []Message, _ []ToolSpec, onToken OnToken) (ChatResponse, error) {
	onToken("chunk")
	return ChatResponse{Text: "reply from " + f.name + "/" + modelName}, nil
}

func (f *fakeBackend) Load(_ context.Context, modelName string) error {
	f.loadCalls = append(f.loadCalls, modelName)
	return nil
}

func (f *fakeBackend) Unload(_ context.Context, _ string) error { return nil }

func (f *fakeBackend) ListModels(_ context.Context) ([]string, error) { return f.models, nil }

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("openai", &fakeBackend{name: "openai"}))

	b, ok := r.Get("openai")
	require.True(t, ok)
	assert.Equal(t, "openai", b.Name())
	assert.Len(t, r.List(), 1)
}

func TestRegistry_RegisterDuplicateFails(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("openai", &fakeBackend{name: "openai"}))
	assert.Error(t, r.Register("openai", &fakeBackend{name: "openai"}))
}

func TestNewBackend_UnknownTypeErrors(t *testing.T) {
	_, err := NewBackend(BackendConfig{Type: "bogus"})
	assert.Error(t, err)
}

func TestNewBackend_Ollama(t *testing.T) {
	b, err := NewBackend(BackendConfig{Type: BackendOllama, BaseURL: "http://localhost:11434"})
	require.NoError(t, err)
	assert.Equal(t, "ollama", b.Name())
}

func TestRouter_ResolvesByExplicitBinding(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("openai", &fakeBackend{name: "openai"}))
	require.NoError(t, reg.Register("anthropic", &fakeBackend{name: "anthropic"}))

	r := NewRouter(reg, map[string]string{"gpt-4o": "openai"}, "")

	resp, err := r.Chat(context.Background(), "gpt-4o", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "openai")
}

func TestRouter_FallsBackWhenUnbound(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("ollama", &fakeBackend{name: "ollama"}))

	r := NewRouter(reg, nil, "ollama")

	resp, err := r.Chat(context.Background(), "qwen2.5:14b", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "ollama")
}

func TestRouter_NoBackendBoundIsFatal(t *testing.T) {
	reg := NewRegistry()
	r := NewRouter(reg, nil, "")

	_, err := r.Chat(context.Background(), "ghost-model", nil, nil)
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Fatal, e.Category)
}

func TestRouter_UnregisteredBackendIsFatal(t *testing.T) {
	reg := NewRegistry()
	r := NewRouter(reg, map[string]string{"m": "ghost-backend"}, "")

	_, err := r.Load(context.Background(), "m")
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Fatal, e.Category)
}

func TestRouter_BindOverridesMapping(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", &fakeBackend{name: "a"}))
	require.NoError(t, reg.Register("b", &fakeBackend{name: "b"}))

	r := NewRouter(reg, map[string]string{"m": "a"}, "")
	r.Bind("m", "b")

	resp, err := r.Chat(context.Background(), "m", nil, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "b/m")
}

func TestRouter_ListModelsAggregatesAcrossBackends(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", &fakeBackend{name: "a", models: []string{"m1", "m2"}}))
	require.NoError(t, reg.Register("b", &fakeBackend{name: "b", models: []string{"m3"}}))

	r := NewRouter(reg, nil, "")
	models, err := r.ListModels(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2", "m3"}, models)
}

func TestRouter_ChatStreamInvokesOnToken(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", &fakeBackend{name: "a"}))
	r := NewRouter(reg, map[string]string{"m": "a"}, "")

	var got string
	_, err := r.ChatStream(context.Background(), "m", nil, nil, func(chunk string) { got += chunk })
	require.NoError(t, err)
	assert.Equal(t, "chunk", got)
}
