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
	"time"

	"github.com/google/uuid"

	"github.com/Iormungand21/sindri/pkg/store"
)

// RecordEpisode persists a past-task summary for projectID and, when an
// embedder is configured, indexes it for similarity retrieval by the
// episodic tier (spec §4.7). eventType distinguishes ordinary task episodes
// from the dedicated "analysis_summary" episode the analysis tier reads.
func (b *Builder) RecordEpisode(ctx context.Context, projectID, eventType, content string, metadata map[string]any) error {
	id := uuid.NewString()

	episode := store.Episode{
		ID:        id,
		ProjectID: projectID,
		EventType: eventType,
		Content:   content,
		Metadata:  metadata,
		Timestamp: time.Now(),
	}

	if b.embedder != nil {
		vecs, err := b.embedder.Embed(ctx, []string{content})
		if err == nil && len(vecs) == 1 {
			episode.EmbeddingRef = id
			payload := map[string]any{"content": content, "event_type": eventType}
			if err := b.vectors.Upsert(ctx, episodeNamespace(projectID), id, vecs[0], payload); err != nil {
				return fmt.Errorf("memory: upserting episode vector: %w", err)
			}
		}
	}

	if err := b.store.SaveEpisode(ctx, episode); err != nil {
		return fmt.Errorf("memory: saving episode: %w", err)
	}
	return nil
}

// RecordAnalysisSummary records the project's architecture/style summary as
// a new "analysis_summary" episode. Earlier summaries are kept; the analysis
// tier reads the most recent one among the project's latest 25 episodes.
func (b *Builder) RecordAnalysisSummary(ctx context.Context, projectID, summary string) error {
	return b.RecordEpisode(ctx, projectID, "analysis_summary", summary, nil)
}
