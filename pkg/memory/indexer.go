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
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iormungand21/sindri/pkg/embedder"
	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/vector"
)

// chunkLines is the approximate segment size used when chunking project
// files for semantic indexing (spec §4.7 "~50-line segments").
const chunkLines = 50

// skipDirs are never descended into while indexing a project root.
var skipDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "vendor": {}, ".idea": {}, ".vscode": {},
	"dist": {}, "build": {}, ".cache": {},
}

// textExtensions bounds indexing to source/text files; binary assets are
// skipped outright.
var textExtensions = map[string]struct{}{
	".go": {}, ".md": {}, ".txt": {}, ".yaml": {}, ".yml": {}, ".json": {},
	".py": {}, ".js": {}, ".ts": {}, ".java": {}, ".rs": {}, ".c": {}, ".h": {},
	".cpp": {}, ".rb": {}, ".sh": {}, ".sql": {}, ".proto": {}, ".toml": {},
}

// Indexer walks a project root, chunking and embedding text files into the
// vector index under namespace = project_id (spec §4.7 first-use indexing).
// Re-indexing a chunk whose content hash hasn't changed is a no-op.
type Indexer struct {
	store    *store.Store
	embedder embedder.Provider
	vectors  vector.Provider
}

// NewIndexer creates an Indexer backed by st, embedding via emb and storing
// vectors in vec.
func NewIndexer(st *store.Store, emb embedder.Provider, vec vector.Provider) *Indexer {
	return &Indexer{store: st, embedder: emb, vectors: vec}
}

// IndexProject walks root, chunking every recognized text file into
// ~chunkLines segments. Chunks whose content hash matches the previously
// stored hash for the same id are skipped; everything else is (re-)embedded
// and upserted under namespace = projectID.
func (ix *Indexer) IndexProject(ctx context.Context, projectID, root string) error {
	var texts []string
	var chunks []store.Chunk
	var staleIDs []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := skipDirs[d.Name()]; skip && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := textExtensions[strings.ToLower(filepath.Ext(path))]; !ok {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}

		fileChunks, err := chunkFile(path, rel)
		if err != nil {
			return nil // unreadable file (permissions, binary): skip, don't abort the walk
		}

		existingIDs, err := ix.store.ChunkIDsByPath(ctx, projectID, rel)
		if err != nil {
			return fmt.Errorf("memory: listing existing chunks for %q: %w", rel, err)
		}
		live := make(map[string]struct{}, len(fileChunks))

		for _, c := range fileChunks {
			c.Namespace = projectID
			c.ContentHash = hashContent(c.Text)
			c.ID = chunkID(projectID, c.Path, c.LineRange, c.ContentHash)
			live[c.ID] = struct{}{}

			existingHash, found, _ := ix.store.ChunkContentHash(ctx, c.ID)
			if found && existingHash == c.ContentHash {
				continue // unchanged since last index
			}

			chunks = append(chunks, c)
			texts = append(texts, c.Text)
		}

		for _, id := range existingIDs {
			if _, ok := live[id]; !ok {
				staleIDs = append(staleIDs, id)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("memory: walking project root %q: %w", root, err)
	}

	if len(chunks) > 0 {
		vectors, err := ix.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("memory: embedding %d chunks: %w", len(chunks), err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("memory: embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}

		for i, c := range chunks {
			if err := ix.store.SaveChunk(ctx, c); err != nil {
				return fmt.Errorf("memory: saving chunk %s: %w", c.ID, err)
			}
			payload := map[string]any{"path": c.Path, "line_range": c.LineRange, "content": c.Text}
			if err := ix.vectors.Upsert(ctx, projectID, c.ID, vectors[i], payload); err != nil {
				return fmt.Errorf("memory: upserting chunk %s: %w", c.ID, err)
			}
		}
	}

	// A shifted content hash or a shrunk file leaves its old chunk ids
	// pointing at segments that no longer exist; drop them from both the
	// relational store and the vector index now that their replacements
	// (if any) are in place.
	for _, id := range staleIDs {
		if err := ix.store.DeleteChunk(ctx, id); err != nil {
			return fmt.Errorf("memory: deleting superseded chunk %s: %w", id, err)
		}
		if err := ix.vectors.Delete(ctx, projectID, id); err != nil {
			return fmt.Errorf("memory: deleting superseded vector %s: %w", id, err)
		}
	}

	return nil
}

// chunkFile splits a file's content into chunkLines-sized segments, each
// tagged with its 1-based inclusive line range.
func chunkFile(path, relPath string) ([]store.Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, nil
	}

	var chunks []store.Chunk
	for start := 0; start < len(lines); start += chunkLines {
		end := start + chunkLines
		if end > len(lines) {
			end = len(lines)
		}
		chunks = append(chunks, store.Chunk{
			Path:      relPath,
			LineRange: fmt.Sprintf("%d-%d", start+1, end),
			Text:      strings.Join(lines[start:end], "\n"),
		})
	}
	return chunks, nil
}

func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// chunkID derives a chunk's identity from (path, line_range, content_hash)
// per spec §8's round-trip property, scoped by projectID so two projects
// never collide on an identical file. Changing a chunk's content therefore
// changes its id — IndexProject relies on that to tell "same chunk,
// re-embedded" apart from "this id is gone, delete it."
func chunkID(projectID, path, lineRange, contentHash string) string {
	sum := sha256.Sum256([]byte(projectID + "|" + path + "|" + lineRange + "|" + contentHash))
	return hex.EncodeToString(sum[:])
}
