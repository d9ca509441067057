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

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Episode is one row of the episodes table (spec §3 "Episode").
type Episode struct {
	ID           string
	ProjectID    string
	EventType    string
	Content      string
	Metadata     map[string]any
	EmbeddingRef string
	Timestamp    time.Time
}

// Chunk is one row of the chunks table (spec §3 "Chunk").
type Chunk struct {
	ID           string
	Namespace    string
	Path         string
	LineRange    string
	Text         string
	EmbeddingRef string
	ContentHash  string
}

// Pattern is one row of the patterns table (spec §3 "Pattern").
type Pattern struct {
	ID            string
	ContextTag    string
	Keywords      []string
	ToolSequence  []string
	SuccessRate   float64
	UsageCount    int
}

// SaveEpisode inserts or replaces an episode row.
func (s *Store) SaveEpisode(ctx context.Context, e Episode) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal episode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO episodes (id, project_id, event_type, content, metadata, embedding_ref, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.EventType, e.Content, string(meta), e.EmbeddingRef, e.Timestamp)
	return err
}

// EpisodesByProject returns up to limit episodes for a project, most recent first.
func (s *Store) EpisodesByProject(ctx context.Context, projectID string, limit int) ([]Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, event_type, content, metadata, embedding_ref, timestamp
		FROM episodes WHERE project_id = ? ORDER BY timestamp DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Episode
	for rows.Next() {
		var e Episode
		var meta string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &e.Content, &meta, &e.EmbeddingRef, &e.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveChunk inserts or replaces a chunk row. The chunk id is a function of
// (path, line_range, content_hash) (spec §8 round-trip property), so
// re-indexing unchanged content reproduces the same id and this call is
// idempotent.
func (s *Store) SaveChunk(ctx context.Context, c Chunk) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO chunks (id, namespace, path, line_range, text, embedding_ref, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Namespace, c.Path, c.LineRange, c.Text, c.EmbeddingRef, c.ContentHash)
	return err
}

// ChunksByNamespace returns every chunk stored under a namespace.
func (s *Store) ChunksByNamespace(ctx context.Context, namespace string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, namespace, path, line_range, text, embedding_ref, content_hash
		FROM chunks WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Namespace, &c.Path, &c.LineRange, &c.Text, &c.EmbeddingRef, &c.ContentHash); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ChunkContentHash returns the stored content hash for an existing chunk id, if any.
func (s *Store) ChunkContentHash(ctx context.Context, id string) (string, bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT content_hash FROM chunks WHERE id = ?`, id).Scan(&hash)
	if err != nil {
		return "", false, nil
	}
	return hash, true, nil
}

// ChunkIDsByPath returns every chunk id currently stored for path within
// namespace, used to find chunks superseded by a re-index (spec §4.7: a
// shrinking or renumbered file must not leave stale chunks behind).
func (s *Store) ChunkIDsByPath(ctx context.Context, namespace, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE namespace = ? AND path = ?`, namespace, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteChunk removes a chunk row by id. Deleting a missing id is not an error.
func (s *Store) DeleteChunk(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE id = ?`, id)
	return err
}

// UpsertPattern inserts a pattern or, if context_tag already exists,
// increments its usage_count and blends success_rate.
func (s *Store) UpsertPattern(ctx context.Context, p Pattern, succeeded bool) error {
	keywords, _ := json.Marshal(p.Keywords)
	toolSeq, _ := json.Marshal(p.ToolSequence)

	var existingCount int
	var existingRate float64
	err := s.db.QueryRowContext(ctx, `SELECT usage_count, success_rate FROM patterns WHERE context_tag = ?`, p.ContextTag).
		Scan(&existingCount, &existingRate)
	if err == nil {
		newCount := existingCount + 1
		outcome := 0.0
		if succeeded {
			outcome = 1.0
		}
		newRate := (existingRate*float64(existingCount) + outcome) / float64(newCount)
		_, err = s.db.ExecContext(ctx, `
			UPDATE patterns SET usage_count = ?, success_rate = ?, keywords_json = ?, tool_sequence_json = ?
			WHERE context_tag = ?`, newCount, newRate, string(keywords), string(toolSeq), p.ContextTag)
		return err
	}

	rate := 0.0
	if succeeded {
		rate = 1.0
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (id, context_tag, keywords_json, tool_sequence_json, success_rate, usage_count)
		VALUES (?, ?, ?, ?, ?, 1)`, p.ID, p.ContextTag, string(keywords), string(toolSeq), rate)
	return err
}

// PatternsForTag returns the learned pattern for a context tag, if any.
func (s *Store) PatternsForTag(ctx context.Context, contextTag string) ([]Pattern, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, context_tag, keywords_json, tool_sequence_json, success_rate, usage_count
		FROM patterns WHERE context_tag = ?`, contextTag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		var p Pattern
		var kw, ts string
		if err := rows.Scan(&p.ID, &p.ContextTag, &kw, &ts, &p.SuccessRate, &p.UsageCount); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(kw), &p.Keywords)
		_ = json.Unmarshal([]byte(ts), &p.ToolSequence)
		out = append(out, p)
	}
	return out, rows.Err()
}
