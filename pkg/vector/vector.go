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

// Package vector defines the vector index contract (spec §6.4) that backs
// Sindri's semantic and episodic memory tiers, plus the provider
// implementations that satisfy it.
package vector

import "context"

// Result is one match returned by a similarity search. Content is mirrored
// out of the payload's "content" key (chromem, Pinecone, Qdrant); Vector holds
// the stored vector where the provider returns it (Pinecone, Qdrant; chromem
// leaves it nil). Callers that only care about arbitrary key/value payload
// data can read Metadata directly.
type Result struct {
	ID       string
	Score    float32
	Content  string
	Vector   []float32
	Metadata map[string]any
}

// Provider is the external vector index contract. A namespace corresponds
// to a project id for chunks, or a project id suffixed with "::episodes" for
// episodes (see pkg/memory); providers are
// free to map a namespace onto a collection, table, or index as fits their
// backend.
type Provider interface {
	// Name identifies the provider implementation (for logging/metrics).
	Name() string

	// Upsert inserts or overwrites the vector and payload for id within namespace.
	Upsert(ctx context.Context, namespace string, id string, vector []float32, payload map[string]any) error

	// Search returns the topK nearest neighbors to vector within namespace.
	Search(ctx context.Context, namespace string, vector []float32, topK int) ([]Result, error)

	// Delete removes id from namespace. Deleting a missing id is not an error.
	Delete(ctx context.Context, namespace string, id string) error

	// Close releases any resources (connections, file handles) held by the provider.
	Close() error
}

// NilProvider is a no-op Provider used when no vector index is configured.
// Search always returns no results; Upsert/Delete are no-ops.
type NilProvider struct{}

func (NilProvider) Name() string { return "nil" }

func (NilProvider) Upsert(ctx context.Context, namespace, id string, vector []float32, payload map[string]any) error {
	return nil
}

func (NilProvider) Search(ctx context.Context, namespace string, vector []float32, topK int) ([]Result, error) {
	return nil, nil
}

func (NilProvider) Delete(ctx context.Context, namespace, id string) error { return nil }

func (NilProvider) Close() error { return nil }
