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

package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilProvider_IsANoop(t *testing.T) {
	var p Provider = NilProvider{}
	ctx := context.Background()

	assert.Equal(t, "nil", p.Name())
	require.NoError(t, p.Upsert(ctx, "ns", "id", []float32{1, 2}, nil))

	results, err := p.Search(ctx, "ns", []float32{1, 2}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)

	require.NoError(t, p.Delete(ctx, "ns", "id"))
	require.NoError(t, p.Close())
}

type fakeProvider struct {
	name   string
	closed bool
}

func (f *fakeProvider) Name() string { return f.name }
func (f *fakeProvider) Upsert(context.Context, string, string, []float32, map[string]any) error {
	return nil
}
func (f *fakeProvider) Search(context.Context, string, []float32, int) ([]Result, error) {
	return nil, nil
}
func (f *fakeProvider) Delete(context.Context, string, string) error { return nil }
func (f *fakeProvider) Close() error                                 { f.closed = true; return nil }

func TestRegistry_RegisterGetList(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{name: "a"}
	require.NoError(t, r.Register("a", p))

	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Name())
	assert.Equal(t, []string{"a"}, r.List())
}

func TestRegistry_Register_RejectsEmptyNameOrNilProvider(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register("", &fakeProvider{}))
	assert.Error(t, r.Register("a", nil))
}

func TestRegistry_Register_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", &fakeProvider{name: "a"}))
	assert.Error(t, r.Register("a", &fakeProvider{name: "a"}))
}

func TestRegistry_MustGet_PanicsWhenMissing(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.MustGet("ghost") })
}

func TestRegistry_Close_ClosesEveryProviderAndClearsMap(t *testing.T) {
	r := NewRegistry()
	p := &fakeProvider{name: "a"}
	require.NoError(t, r.Register("a", p))

	require.NoError(t, r.Close())
	assert.True(t, p.closed)
	assert.Empty(t, r.List())
}

func TestProviderConfig_SetDefaults(t *testing.T) {
	c := &ProviderConfig{}
	c.SetDefaults()
	assert.Equal(t, ProviderChromem, c.Type)
	require.NotNil(t, c.Chromem)
}

func TestProviderConfig_Validate(t *testing.T) {
	assert.NoError(t, (&ProviderConfig{Type: ProviderChromem}).Validate())
	assert.Error(t, (&ProviderConfig{Type: ProviderQdrant}).Validate())
	assert.Error(t, (&ProviderConfig{Type: ProviderPinecone}).Validate())
	assert.Error(t, (&ProviderConfig{}).Validate())
	assert.Error(t, (&ProviderConfig{Type: "bogus"}).Validate())

	assert.NoError(t, (&ProviderConfig{Type: ProviderQdrant, Qdrant: &QdrantConfig{Host: "localhost"}}).Validate())
	assert.NoError(t, (&ProviderConfig{Type: ProviderPinecone, Pinecone: &PineconeConfig{APIKey: "k"}}).Validate())
}

func TestNewProvider_NilConfigReturnsNilProvider(t *testing.T) {
	p, err := NewProvider(nil)
	require.NoError(t, err)
	assert.Equal(t, "nil", p.Name())
}

func TestNewProvider_Chromem(t *testing.T) {
	p, err := NewProvider(&ProviderConfig{Type: ProviderChromem})
	require.NoError(t, err)
	assert.Equal(t, "chromem", p.Name())
	defer p.Close()

	ctx := context.Background()
	require.NoError(t, p.Upsert(ctx, "ns", "id1", []float32{0.1, 0.2}, map[string]any{"content": "hello"}))

	results, err := p.Search(ctx, "ns", []float32{0.1, 0.2}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "id1", results[0].ID)
	assert.Equal(t, "hello", results[0].Content)

	require.NoError(t, p.Delete(ctx, "ns", "id1"))
}

func TestNewProvider_UnknownTypeErrors(t *testing.T) {
	_, err := NewProvider(&ProviderConfig{Type: "bogus"})
	assert.Error(t, err)
}
