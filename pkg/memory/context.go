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
	"context"
	"fmt"
	"strings"

	"github.com/Iormungand21/sindri/pkg/embedder"
	"github.com/Iormungand21/sindri/pkg/model"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/vector"
)

// defaultTierShares is the budget split of spec §4.7, used whenever a
// Builder isn't given an explicit override. Unused share in one tier never
// spills into another.
var defaultTierShares = map[string]float64{
	"working":  0.50,
	"episodic": 0.18,
	"semantic": 0.18,
	"pattern":  0.05,
	"analysis": 0.09,
}

// topK bounds similarity-ranked retrieval for the episodic and semantic tiers.
const topK = 5

// Builder assembles the five-tier context window handed to the model at the
// start of each agent-loop iteration (spec §4.7).
type Builder struct {
	store    *store.Store
	embedder embedder.Provider
	vectors  vector.Provider
	shares   map[string]float64
}

// NewBuilder creates a Builder. emb and vec may be nil, in which case the
// episodic/semantic tiers degrade to recency-ordered fallbacks and empty
// results, respectively. shares overrides the default tier budget split
// (spec §4.7); a nil or empty map, or a map missing one of the five tier
// keys, falls back to defaultTierShares for that tier.
func NewBuilder(st *store.Store, emb embedder.Provider, vec vector.Provider, shares map[string]float64) *Builder {
	if vec == nil {
		vec = vector.NilProvider{}
	}
	return &Builder{store: st, embedder: emb, vectors: vec, shares: shares}
}

func (b *Builder) tierShare(tier string) float64 {
	if v, ok := b.shares[tier]; ok {
		return v
	}
	return defaultTierShares[tier]
}

// episodeNamespace separates episode vectors from code-chunk vectors within
// the same Provider, which is keyed on a single namespace string per call.
func episodeNamespace(projectID string) string { return projectID + "::episodes" }

// BuildContext returns the ordered message list for one agent-loop
// iteration: background tiers (analysis, pattern, semantic, episodic) first,
// most-recent conversation last, so the tokens closest to the model's next
// turn are the ones most directly about the current exchange.
func (b *Builder) BuildContext(ctx context.Context, projectID, currentTask string, recentMessages []session.Turn, maxTokens int, modelName string) ([]model.Message, error) {
	tok := NewTokenizer(modelName)

	var out []model.Message
	out = append(out, b.analysisTier(ctx, projectID, tok, budget(maxTokens, b.tierShare("analysis")))...)
	out = append(out, b.patternTier(ctx, currentTask, tok, budget(maxTokens, b.tierShare("pattern")))...)

	queryVec, embedErr := b.embedQuery(ctx, currentTask)
	out = append(out, b.semanticTier(ctx, projectID, queryVec, embedErr, tok, budget(maxTokens, b.tierShare("semantic")))...)
	out = append(out, b.episodicTier(ctx, projectID, queryVec, embedErr, tok, budget(maxTokens, b.tierShare("episodic")))...)

	out = append(out, workingTier(recentMessages, tok, budget(maxTokens, b.tierShare("working")))...)

	return out, nil
}

func budget(maxTokens int, share float64) int {
	return int(float64(maxTokens) * share)
}

func (b *Builder) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if b.embedder == nil || strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("memory: no embedder configured or empty query")
	}
	vecs, err := b.embedder.Embed(ctx, []string{query})
	if err != nil || len(vecs) == 0 {
		return nil, err
	}
	return vecs[0], nil
}

// workingTier selects the most recent turns verbatim, working backwards from
// the end until the budget is exhausted, then restores chronological order
// (spec §4.7 "oldest-first"), following the teacher's FitWithinLimit shape.
func workingTier(turns []session.Turn, tok Tokenizer, maxTokens int) []model.Message {
	if maxTokens <= 0 || len(turns) == 0 {
		return nil
	}

	var fitted []model.Message
	used := 0
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		n := tok.Count(string(t.Role)) + tok.Count(t.Content)
		if used+n > maxTokens {
			break
		}
		fitted = append([]model.Message{{Role: string(t.Role), Content: t.Content}}, fitted...)
		used += n
	}
	return fitted
}

// semanticTier embeds currentTask and returns the nearest code chunks,
// deduplicated by (path, line_range) (spec §4.7).
func (b *Builder) semanticTier(ctx context.Context, projectID string, queryVec []float32, embedErr error, tok Tokenizer, maxTokens int) []model.Message {
	if maxTokens <= 0 || embedErr != nil || queryVec == nil {
		return nil
	}

	results, err := b.vectors.Search(ctx, projectID, queryVec, topK)
	if err != nil || len(results) == 0 {
		return nil
	}

	seen := map[string]struct{}{}
	used := 0
	var out []model.Message
	for _, r := range results {
		path, _ := r.Metadata["path"].(string)
		lineRange, _ := r.Metadata["line_range"].(string)
		key := path + ":" + lineRange
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		content := fmt.Sprintf("[semantic] %s:%s\n%s", path, lineRange, r.Content)
		n := tok.Count(content)
		if used+n > maxTokens {
			continue
		}
		used += n
		out = append(out, model.Message{Role: "system", Content: content})
	}
	return out
}

// episodicTier retrieves similarity-ranked past-task summaries for this
// project, falling back to recency order when no embedder/vector index is
// configured (spec §4.7).
func (b *Builder) episodicTier(ctx context.Context, projectID string, queryVec []float32, embedErr error, tok Tokenizer, maxTokens int) []model.Message {
	if maxTokens <= 0 {
		return nil
	}

	var summaries []string
	if embedErr == nil && queryVec != nil {
		results, err := b.vectors.Search(ctx, episodeNamespace(projectID), queryVec, topK)
		if err == nil {
			for _, r := range results {
				if r.Content != "" {
					summaries = append(summaries, r.Content)
				}
			}
		}
	}
	if len(summaries) == 0 && b.store != nil {
		episodes, err := b.store.EpisodesByProject(ctx, projectID, topK)
		if err == nil {
			for _, e := range episodes {
				summaries = append(summaries, e.Content)
			}
		}
	}

	used := 0
	var out []model.Message
	for _, s := range summaries {
		content := "[episodic] " + s
		n := tok.Count(content)
		if used+n > maxTokens {
			continue
		}
		used += n
		out = append(out, model.Message{Role: "system", Content: content})
	}
	return out
}

// patternTier looks up suggested tool sequences for the inferred task
// context (spec §4.7). Inference is deliberately simple: the first
// significant (non-stopword) token of currentTask is the context tag looked
// up with pkg/store.PatternsForTag.
func (b *Builder) patternTier(ctx context.Context, currentTask string, tok Tokenizer, maxTokens int) []model.Message {
	if maxTokens <= 0 || b.store == nil {
		return nil
	}

	tag := inferContextTag(currentTask)
	if tag == "" {
		return nil
	}

	patterns, err := b.store.PatternsForTag(ctx, tag)
	if err != nil || len(patterns) == 0 {
		return nil
	}

	used := 0
	var out []model.Message
	for _, p := range patterns {
		content := fmt.Sprintf("[pattern] %s: %s (success rate %.0f%%, used %d times)",
			p.ContextTag, strings.Join(p.ToolSequence, " -> "), p.SuccessRate*100, p.UsageCount)
		n := tok.Count(content)
		if used+n > maxTokens {
			continue
		}
		used += n
		out = append(out, model.Message{Role: "system", Content: content})
	}
	return out
}

// analysisTier surfaces the project's architecture/style summary, stored as
// a dedicated episode (event_type "analysis_summary") by
// RecordAnalysisSummary.
func (b *Builder) analysisTier(ctx context.Context, projectID string, tok Tokenizer, maxTokens int) []model.Message {
	if maxTokens <= 0 || b.store == nil {
		return nil
	}

	episodes, err := b.store.EpisodesByProject(ctx, projectID, 25)
	if err != nil {
		return nil
	}
	for _, e := range episodes {
		if e.EventType != "analysis_summary" {
			continue
		}
		content := "[analysis] " + e.Content
		if tok.Count(content) > maxTokens {
			return nil
		}
		return []model.Message{{Role: "system", Content: content}}
	}
	return nil
}

var stopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "to": {}, "of": {}, "and": {}, "in": {}, "on": {},
	"for": {}, "is": {}, "are": {}, "with": {}, "this": {}, "that": {},
}

func inferContextTag(task string) string {
	for _, word := range strings.Fields(strings.ToLower(task)) {
		word = strings.Trim(word, ".,!?:;\"'()")
		if word == "" {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		return word
	}
	return ""
}
