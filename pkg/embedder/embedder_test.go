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

package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name   string
	closed bool
}

func (f *fakeProvider) Embed(context.Context, []string) ([][]float32, error) { return nil, nil }
func (f *fakeProvider) Dimension() int                                       { return 3 }
func (f *fakeProvider) ModelName() string                                    { return f.name }
func (f *fakeProvider) Close() error                                         { f.closed = true; return nil }

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", &fakeProvider{name: "a"}))

	p, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", p.ModelName())
	assert.Len(t, r.List(), 1)
}

func TestRegistry_MustGet_PanicsWhenMissing(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.MustGet("ghost") })
}

func TestRegistry_Close_ClosesAllProviders(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{name: "a"}
	require.NoError(t, r.Register("a", p))

	require.NoError(t, r.Close())
	assert.True(t, p.closed)
}

func TestNew_UnknownTypeErrors(t *testing.T) {
	_, err := New(Config{Type: "bogus"})
	assert.Error(t, err)
}

func TestNewOpenAIProvider_RequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewOpenAIProvider(OpenAIConfig{})
	assert.Error(t, err)
}

func TestNewOpenAIProvider_FallsBackToEnvAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	p, err := NewOpenAIProvider(OpenAIConfig{})
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-small", p.ModelName())
	assert.Equal(t, 1536, p.Dimension())
}

func TestOpenAIProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.3, 0.4}},
				{"index": 0, "embedding": []float32{0.1, 0.2}},
			},
		})
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	vectors, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestOpenAIProvider_Embed_EmptyInputIsNoop(t *testing.T) {
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	require.NoError(t, err)

	vectors, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestOpenAIProvider_Embed_NonOKStatusErrors(t *testing.T) {
	// 400 is not in httpclient's retryable status set, so this fails fast
	// instead of burning through the client's real retry/backoff delays.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = p.Embed(context.Background(), []string{"a"})
	assert.Error(t, err)
}

func TestNewOllamaProvider_Defaults(t *testing.T) {
	p, err := NewOllamaProvider(OllamaConfig{})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", p.ModelName())
	assert.Equal(t, 768, p.Dimension())
}

func TestOllamaProvider_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{{0.5, 0.6}},
		})
	}))
	defer srv.Close()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	require.NoError(t, err)
	require.Len(t, vectors, 1)
	assert.Equal(t, []float32{0.5, 0.6}, vectors[0])
}

func TestNew_DispatchesToConfiguredBackend(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	p, err := New(Config{Type: ProviderOllama, Ollama: &OllamaConfig{Model: "custom"}})
	require.NoError(t, err)
	assert.Equal(t, "custom", p.ModelName())
}
