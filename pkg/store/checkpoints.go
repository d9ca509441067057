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
	"database/sql"
	"errors"
	"time"
)

// Checkpoint is a resumable snapshot of a running task (spec §4.1, §6.5):
// enough to resume an iteration after a crash without replaying the whole
// agent loop history from scratch.
type Checkpoint struct {
	TaskID       string
	SessionID    string
	Iteration    int
	Status       string
	ErrorContext string
	UpdatedAt    time.Time
}

// ErrCheckpointNotFound is returned by LoadCheckpoint when no row exists for a task.
var ErrCheckpointNotFound = errors.New("store: checkpoint not found")

// SaveCheckpoint upserts the checkpoint row for a task.
func (s *Store) SaveCheckpoint(ctx context.Context, c Checkpoint) error {
	c.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (task_id, session_id, iteration, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			session_id = excluded.session_id,
			iteration = excluded.iteration,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		c.TaskID, c.SessionID, c.Iteration, c.Status, c.ErrorContext, c.UpdatedAt)
	return err
}

// LoadCheckpoint returns the checkpoint for a task, or ErrCheckpointNotFound.
func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (Checkpoint, error) {
	var c Checkpoint
	err := s.db.QueryRowContext(ctx, `
		SELECT task_id, session_id, iteration, status, payload, updated_at
		FROM checkpoints WHERE task_id = ?`, taskID).
		Scan(&c.TaskID, &c.SessionID, &c.Iteration, &c.Status, &c.ErrorContext, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return c, err
}

// ClearCheckpoint deletes the checkpoint row for a task, called once a task
// reaches a terminal state and no longer needs to be resumable.
func (s *Store) ClearCheckpoint(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE task_id = ?`, taskID)
	return err
}

// ListPendingCheckpoints returns every checkpoint not in a terminal status,
// used at startup to resume or report interrupted tasks (spec §6.5 "startup
// integrity check").
func (s *Store) ListPendingCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, session_id, iteration, status, payload, updated_at
		FROM checkpoints WHERE status NOT IN ('COMPLETE', 'FAILED', 'CANCELLED')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var c Checkpoint
		if err := rows.Scan(&c.TaskID, &c.SessionID, &c.Iteration, &c.Status, &c.ErrorContext, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
