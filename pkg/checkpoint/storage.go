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

package checkpoint

import (
	"context"
	"fmt"

	"github.com/Iormungand21/sindri/pkg/store"
)

// Storage persists checkpoints in the checkpoints table of the shared
// relational store (spec §6.5), rather than embedding them in session state.
type Storage struct {
	st *store.Store
}

// NewStorage creates checkpoint storage over an open store.
func NewStorage(st *store.Store) *Storage {
	return &Storage{st: st}
}

// Save upserts a checkpoint.
func (s *Storage) Save(ctx context.Context, state *State) error {
	if err := s.st.SaveCheckpoint(ctx, state.Record()); err != nil {
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// Load retrieves a checkpoint by task id.
func (s *Storage) Load(ctx context.Context, taskID string) (*State, error) {
	rec, err := s.st.LoadCheckpoint(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return FromRecord(rec), nil
}

// Clear removes a checkpoint, called once its task reaches a terminal state.
func (s *Storage) Clear(ctx context.Context, taskID string) error {
	return s.st.ClearCheckpoint(ctx, taskID)
}

// ListPending returns every non-terminal checkpoint, used at startup to
// discover tasks that were interrupted mid-run (spec §6.5 startup integrity
// check).
func (s *Storage) ListPending(ctx context.Context) ([]*State, error) {
	recs, err := s.st.ListPendingCheckpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list pending: %w", err)
	}
	out := make([]*State, 0, len(recs))
	for _, r := range recs {
		out = append(out, FromRecord(r))
	}
	return out, nil
}
