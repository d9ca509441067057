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

// Package memory implements the five-tier context builder (spec §4.7):
// working, episodic, semantic, pattern, and analysis tiers assembled into a
// single ordered message list under a shared token budget.
package memory

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/Iormungand21/sindri/pkg/utils"
)

// Tokenizer counts tokens for a piece of text under some model's encoding.
// Configurable so a deployment can swap in whatever vocabulary matches its
// backend without touching the budget-splitting logic in context.go.
type Tokenizer interface {
	Count(text string) int
}

// tiktokenCounter wraps a cached tiktoken encoding. A model with no known
// encoding gets cl100k_base (see NewTokenizer); Count uses the length/4
// estimate (pkg/utils.EstimateTokens) only when no encoding is set.
type tiktokenCounter struct {
	encoding *tiktoken.Tiktoken
}

var (
	encodingCacheMu sync.RWMutex
	encodingCache   = map[string]*tiktoken.Tiktoken{}
)

// NewTokenizer returns a Tokenizer for modelName, caching the underlying
// encoding across calls. modelName may be empty, in which case cl100k_base
// is used.
func NewTokenizer(modelName string) Tokenizer {
	key := modelName
	if key == "" {
		key = "cl100k_base"
	}

	encodingCacheMu.RLock()
	enc, ok := encodingCache[key]
	encodingCacheMu.RUnlock()
	if ok {
		return &tiktokenCounter{encoding: enc}
	}

	enc, err := tiktoken.EncodingForModel(modelName)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		// No usable encoding at all (e.g. the offline data file is
		// missing). Degrade to the length-based estimator below.
		return &estimateCounter{}
	}

	encodingCacheMu.Lock()
	encodingCache[key] = enc
	encodingCacheMu.Unlock()

	return &tiktokenCounter{encoding: enc}
}

func (c *tiktokenCounter) Count(text string) int {
	if c.encoding == nil {
		return utils.EstimateTokens(text)
	}
	return len(c.encoding.Encode(text, nil, nil))
}

// estimateCounter is the fallback used when tiktoken has no encoding data
// available at all.
type estimateCounter struct{}

func (estimateCounter) Count(text string) int { return utils.EstimateTokens(text) }
