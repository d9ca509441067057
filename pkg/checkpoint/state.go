// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint persists resumable agent-loop snapshots (spec §4.1,
// §6.5). A checkpoint is deliberately small: task_id, session_id, the
// iteration reached, a status, and an optional error context. The full
// conversation state needed to resume lives in the session's turns — the
// checkpoint is the pointer that says resume this session from here, not a
// duplicate copy of it.
package checkpoint

import (
	"time"

	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/task"
)

// State is the in-memory shape of a checkpoint before it is persisted.
type State struct {
	TaskID       string
	SessionID    string
	Iteration    int
	Status       task.State
	ErrorContext string
	UpdatedAt    time.Time
}

// Record converts a State into its persisted store.Checkpoint row.
func (s *State) Record() store.Checkpoint {
	return store.Checkpoint{
		TaskID:       s.TaskID,
		SessionID:    s.SessionID,
		Iteration:    s.Iteration,
		Status:       string(s.Status),
		ErrorContext: s.ErrorContext,
	}
}

// FromRecord builds a State from a persisted store.Checkpoint row.
func FromRecord(c store.Checkpoint) *State {
	return &State{
		TaskID:       c.TaskID,
		SessionID:    c.SessionID,
		Iteration:    c.Iteration,
		Status:       task.State(c.Status),
		ErrorContext: c.ErrorContext,
		UpdatedAt:    c.UpdatedAt,
	}
}

// IsRecoverable reports whether this checkpoint represents a task that can
// still be resumed — it never reached a terminal state.
func (s *State) IsRecoverable() bool {
	return !s.Status.IsTerminal()
}

// IsExpired reports whether the checkpoint is older than maxAge and should be
// treated as stale rather than resumed.
func (s *State) IsExpired(maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return time.Since(s.UpdatedAt) > maxAge
}
