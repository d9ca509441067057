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

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenizer_KnownModel(t *testing.T) {
	tok := NewTokenizer("gpt-4o")
	require.NotNil(t, tok)
	assert.Greater(t, tok.Count("hello world, this is a longer sentence"), 0)
}

func TestNewTokenizer_UnknownModelFallsBackToCl100k(t *testing.T) {
	tok := NewTokenizer("not-a-real-model")
	require.NotNil(t, tok)
	assert.Greater(t, tok.Count("hello world"), 0)
}

func TestEstimateCounter_RoughlyFourCharsPerToken(t *testing.T) {
	c := estimateCounter{}
	assert.Equal(t, 4, c.Count("sixteen letters!")) // 16 chars / 4
}
