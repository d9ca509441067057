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

package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iormungand21/sindri/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Config{Driver: store.DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGet(t *testing.T) {
	svc := New(openTestStore(t))
	ctx := context.Background()

	sess, err := svc.Create(ctx, "", "fix the bug", "qwen2.5:14b")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, StatusActive, sess.Status)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "fix the bug", got.TaskDescription)
}

func TestCreate_SeedsGivenID(t *testing.T) {
	svc := New(openTestStore(t))
	sess, err := svc.Create(context.Background(), "fixed-id", "task", "model")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", sess.ID)
}

func TestGet_NotFound(t *testing.T) {
	svc := New(openTestStore(t))
	_, err := svc.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetStatus(t *testing.T) {
	svc := New(openTestStore(t))
	ctx := context.Background()
	sess, err := svc.Create(ctx, "", "task", "model")
	require.NoError(t, err)

	require.NoError(t, svc.SetStatus(ctx, sess.ID, StatusComplete))

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
}

func TestAppendTurn_AssignsSequentialSeq(t *testing.T) {
	svc := New(openTestStore(t))
	ctx := context.Background()
	sess, err := svc.Create(ctx, "", "task", "model")
	require.NoError(t, err)

	t1, err := svc.AppendTurn(ctx, sess.ID, RoleUser, "do the thing", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), t1.Seq)

	t2, err := svc.AppendTurn(ctx, sess.ID, RoleAssistant, "done", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), t2.Seq)
}

func TestAppendTurn_PersistsToolCalls(t *testing.T) {
	svc := New(openTestStore(t))
	ctx := context.Background()
	sess, err := svc.Create(ctx, "", "task", "model")
	require.NoError(t, err)

	calls := []ToolCall{{ID: "c1", Name: "search", Args: map[string]any{"query": "go"}}}
	_, err = svc.AppendTurn(ctx, sess.ID, RoleAssistant, "searching", calls)
	require.NoError(t, err)

	turns, err := svc.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	require.Len(t, turns[0].ToolCalls, 1)
	assert.Equal(t, "search", turns[0].ToolCalls[0].Name)
	assert.Equal(t, "go", turns[0].ToolCalls[0].Args["query"])
}

func TestTurns_OrderedBySeq(t *testing.T) {
	svc := New(openTestStore(t))
	ctx := context.Background()
	sess, err := svc.Create(ctx, "", "task", "model")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := svc.AppendTurn(ctx, sess.ID, RoleAssistant, "turn", nil)
		require.NoError(t, err)
	}

	turns, err := svc.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 5)
	for i, tn := range turns {
		assert.Equal(t, int64(i), tn.Seq)
	}
}

func TestGet_IterationCountCountsAssistantTurns(t *testing.T) {
	svc := New(openTestStore(t))
	ctx := context.Background()
	sess, err := svc.Create(ctx, "", "task", "model")
	require.NoError(t, err)

	_, err = svc.AppendTurn(ctx, sess.ID, RoleUser, "go", nil)
	require.NoError(t, err)
	_, err = svc.AppendTurn(ctx, sess.ID, RoleAssistant, "ok", nil)
	require.NoError(t, err)
	_, err = svc.AppendTurn(ctx, sess.ID, RoleAssistant, "ok again", nil)
	require.NoError(t, err)

	got, err := svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.IterationCount)
}

func TestAppendTurn_ConcurrentAppendsNeverCollideOnSeq(t *testing.T) {
	st := openTestStore(t)
	// A shared in-memory sqlite database is only visible through a single
	// connection, so pin the pool to one to avoid each goroutine landing on
	// its own empty database.
	st.DB().SetMaxOpenConns(1)
	svc := New(st)
	ctx := context.Background()
	sess, err := svc.Create(ctx, "", "task", "model")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AppendTurn(ctx, sess.ID, RoleAssistant, "turn", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	turns, err := svc.Turns(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, turns, 20)

	seen := make(map[int64]bool)
	for _, tn := range turns {
		assert.False(t, seen[tn.Seq], "duplicate seq %d", tn.Seq)
		seen[tn.Seq] = true
	}
}
